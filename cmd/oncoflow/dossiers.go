package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"oncoflow/internal/app"
	"oncoflow/internal/domain"
	"oncoflow/internal/engine"
)

func dossierCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dossier", Short: "Manage dossiers"}
	cmd.AddCommand(dossierCreateCmd())
	cmd.AddCommand(dossierListCmd())
	cmd.AddCommand(dossierShowCmd())
	return cmd
}

func dossierCreateCmd() *cobra.Command {
	var opts engine.DossierCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a dossier in to_prepare",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.CreateDossier(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "dossier id (generated when empty)")
	cmd.Flags().StringVar(&opts.PatientRef, "patient", "", "patient reference")
	cmd.Flags().StringVar(&opts.Machine, "machine", "", "treatment machine")
	cmd.Flags().StringVar(&opts.Protocol, "protocol", "", "protocol")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority")
	cmd.Flags().StringSliceVar(&opts.Labels, "label", nil, "labels")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func dossierListCmd() *cobra.Command {
	var f engine.DossierFilters
	var status string
	var board bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dossiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if board {
					cols, err := rt.Engine.Board(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(cols)
					}
					tw := newTable("Status", "Count", "Dossiers")
					for _, c := range cols {
						ids := make([]string, 0, len(c.Dossiers))
						for _, d := range c.Dossiers {
							ids = append(ids, d.ID)
						}
						tw.AppendRow([]any{c.Status, len(c.Dossiers), strings.Join(ids, ", ")})
					}
					tw.Render()
					return nil
				}
				items, err := rt.Engine.ListDossiers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Patient", "Status", "Machine", "Since")
				for _, d := range items {
					tw.AppendRow([]any{d.ID, d.PatientRef, d.Status, d.Machine, d.StatusChangedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Machine, "machine", "", "machine filter")
	cmd.Flags().BoolVar(&board, "board", false, "group by status")
	return cmd
}

func dossierShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dossier with its checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.GetDossier(ctx, args[0])
				if err != nil {
					return err
				}
				view, err := rt.Engine.ChecklistState(ctx, d.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Dossier   domain.Dossier       `json:"dossier"`
					Checklist engine.ChecklistView `json:"checklist"`
				}{d, view})
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	var from, to, comment string
	cmd := &cobra.Command{
		Use:   "transition <dossier-id>",
		Short: "Attempt a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if from == "" {
					d, err := rt.Engine.GetDossier(ctx, args[0])
					if err != nil {
						return err
					}
					from = string(d.Status)
				}
				res, err := rt.Engine.AttemptTransition(ctx, engine.TransitionRequest{
					DossierID: args[0],
					From:      domain.Status(from),
					To:        domain.Status(to),
					Actor:     currentActor(),
					Comment:   comment,
				})
				var rej *domain.RejectionError
				if errors.As(err, &rej) {
					if viper.GetBool("json") {
						_ = printJSON(res)
					}
					return fmt.Errorf("rejected (record %d): %w", res.Record.Seq, rej)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (record %d)\n", args[0], res.Record.From, res.NewStatus, res.Record.Seq)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current status (defaults to the live status)")
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&comment, "comment", "", "comment, required for backward moves")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func checklistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checklist", Short: "Record and inspect checklist items"}
	cmd.AddCommand(checklistSetCmd())
	cmd.AddCommand(checklistShowCmd())
	return cmd
}

func checklistSetCmd() *cobra.Command {
	var unchecked bool
	cmd := &cobra.Command{
		Use:   "set <dossier-id> <status> <item>",
		Short: "Check (or --unchecked) a checklist item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				item, err := rt.Engine.SetChecklistItem(ctx, currentActor(), args[0], domain.Status(args[1]), args[2], !unchecked)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().BoolVar(&unchecked, "unchecked", false, "record the item as not done")
	return cmd
}

func checklistShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dossier-id> [status]",
		Short: "Show checklist state, or satisfaction for one status",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 {
					view, err := rt.Engine.ChecklistState(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(view)
				}
				ok, missing, err := rt.Engine.IsChecklistSatisfied(ctx, args[0], domain.Status(args[1]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"satisfied": ok, "missing": missing})
				}
				if ok {
					fmt.Println("satisfied")
					return nil
				}
				fmt.Println("missing:", strings.Join(missing, ", "))
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the transition audit trail"}
	var outcome string
	list := &cobra.Command{
		Use:   "list [dossier-id]",
		Short: "List transition records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				recs, err := rt.Engine.ListAudit(ctx, id)
				if err != nil {
					return err
				}
				if outcome != "" {
					kept := recs[:0]
					for _, r := range recs {
						if string(r.Outcome) == outcome {
							kept = append(kept, r)
						}
					}
					recs = kept
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := newTable("Dossier", "Seq", "From", "To", "Actor", "Outcome", "Reason", "When")
				for _, r := range recs {
					reason := string(r.Reason)
					if len(r.MissingItems) > 0 {
						reason += " (" + strings.Join(r.MissingItems, ", ") + ")"
					}
					tw.AppendRow([]any{r.DossierID, r.Seq, r.From, r.To, fmt.Sprintf("%s/%s", r.ActorID, r.ActorRole), r.Outcome, reason, r.Timestamp.Format("2006-01-02 15:04:05")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&outcome, "outcome", "", "committed or rejected")
	cmd.AddCommand(list)
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every dossier against its audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				mismatches, err := rt.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mismatches)
				}
				if len(mismatches) == 0 {
					fmt.Println("all dossiers match their audit trail")
					return nil
				}
				tw := newTable("Dossier", "Status", "Audit says", "Error")
				for _, m := range mismatches {
					tw.AppendRow([]any{m.DossierID, m.Status, m.Reconstructed, m.Error})
				}
				tw.Render()
				return fmt.Errorf("%d dossier(s) disagree with their audit trail", len(mismatches))
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List checklist and workflow activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.ListEvents(ctx, after, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}
