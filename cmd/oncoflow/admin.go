package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"oncoflow/internal/app"
	"oncoflow/internal/config"
	"oncoflow/internal/domain"
	"oncoflow/internal/engine/auth"
	"oncoflow/internal/workflow"
)

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Inspect and edit the workflow rules"}
	cmd.AddCommand(workflowShowCmd())
	cmd.AddCommand(workflowSetTransitionsCmd())
	cmd.AddCommand(workflowSetRolesCmd("set-roles", "Set the roles allowed to move a dossier into a status"))
	cmd.AddCommand(workflowSetRolesCmd("set-stage-roles", "Set the roles notified about a status"))
	cmd.AddCommand(workflowSetChecklistCmd())
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current workflow version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				def := rt.Engine.WorkflowSnapshot()
				if viper.GetBool("json") {
					return printJSON(def)
				}
				printDefinition(def)
				return nil
			})
		},
	}
}

func printDefinition(def *workflow.Definition) {
	fmt.Printf("workflow version %d\n", def.Version)
	tw := newTable("From", "To", "Roles allowed", "Checklist", "Notified")
	for _, from := range domain.AllStatuses {
		for _, e := range def.Targets(from) {
			to := string(e.To)
			if e.Backward {
				to += " (back)"
			}
			tw.AppendRow([]any{from, to, joinRoles(def.AllowedRoles[e.To]), strings.Join(def.Requirements(e.To), ", "), joinRoles(def.StageRoles[e.To])})
		}
	}
	tw.Render()
}

func joinRoles(roles []domain.Role) string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return strings.Join(out, ", ")
}

func workflowSetTransitionsCmd() *cobra.Command {
	var targets, backward []string
	cmd := &cobra.Command{
		Use:   "set-transitions <status>",
		Short: "Replace the targets reachable from a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				def, err := rt.Engine.SetTransitions(ctx, currentActor(), domain.Status(args[0]), statusList(targets), statusList(backward))
				if err != nil {
					return err
				}
				fmt.Printf("workflow version %d\n", def.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&targets, "to", nil, "target statuses")
	cmd.Flags().StringSliceVar(&backward, "backward", nil, "targets to treat as backward regardless of rank")
	return cmd
}

func workflowSetRolesCmd(use, short string) *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   use + " <status>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				set := rt.Engine.SetAllowedRoles
				if use == "set-stage-roles" {
					set = rt.Engine.SetStageRoles
				}
				def, err := set(ctx, currentActor(), domain.Status(args[0]), roleList(roles))
				if err != nil {
					return err
				}
				fmt.Printf("workflow version %d\n", def.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles")
	return cmd
}

func workflowSetChecklistCmd() *cobra.Command {
	var optional bool
	cmd := &cobra.Command{
		Use:   "set-checklist <status> <item>",
		Short: "Require (or --optional) a checklist item for a status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				def, err := rt.Engine.SetChecklistRequirement(ctx, currentActor(), domain.Status(args[0]), args[1], !optional)
				if err != nil {
					return err
				}
				fmt.Printf("workflow version %d\n", def.Version)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&optional, "optional", false, "drop the requirement instead")
	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Notification tools"}
	var hours int
	scan := &cobra.Command{
		Use:   "scan",
		Short: "Emit reminders for dossiers idle longer than the threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				threshold := rt.Dispatcher.Threshold()
				if hours > 0 {
					threshold = time.Duration(hours) * time.Hour
				}
				emitted, err := rt.Dispatcher.ScanForStaleness(ctx, time.Now().UTC(), threshold)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(emitted)
				}
				tw := newTable("Dossier", "Kind", "Status", "Idle", "Roles")
				for _, evt := range emitted {
					idle, _ := evt.Payload["stale_seconds"].(int64)
					tw.AppendRow([]any{evt.DossierID, evt.Kind, evt.Payload["status"], time.Duration(idle) * time.Second, joinRoles(evt.TargetRoles)})
				}
				tw.Render()
				return nil
			})
		},
	}
	scan.Flags().IntVar(&hours, "hours", 0, "threshold override in hours")
	cmd.AddCommand(scan)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default oncoflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate oncoflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys (sqlite backend)"}
	var actorID, role, name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.Require(currentActor(), auth.PermissionAPIKeys); err != nil {
				return err
			}
			if !domain.Role(role).Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			if unknown, ok := auth.ValidPermissions(perms); !ok {
				return fmt.Errorf("unknown permission %q", unknown)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if rt.Repo == nil {
					return errors.New("api keys need the sqlite backend")
				}
				plain, key, err := rt.Repo.CreateAPIKey(ctx, actorID, domain.Role(role), perms, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "api_key": key})
				}
				fmt.Printf("%s\nid %s for %s/%s\n", plain, key.ID, key.ActorID, key.Role)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "for", "", "actor id the key authenticates as")
	create.Flags().StringVar(&role, "key-role", "", "role carried by the key")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&perms, "grant", nil, "permissions carried by the key")
	_ = create.MarkFlagRequired("for")
	_ = create.MarkFlagRequired("key-role")
	cmd.AddCommand(create)
	return cmd
}
