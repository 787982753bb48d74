package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"oncoflow/internal/app"
	"oncoflow/internal/domain"
	"oncoflow/internal/engine"
)

var demoDossiers = []struct {
	id, patient, machine string
	target               domain.Status
}{
	{"DEMO-1", "PAT-0001", "linac-1", domain.StatusToPrepare},
	{"DEMO-2", "PAT-0002", "linac-1", domain.StatusContoursValidated},
	{"DEMO-3", "PAT-0003", "linac-2", domain.StatusPlanValidated},
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "seed", Short: "Load sample data"}
	cmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Create three dossiers at different stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				for _, demo := range demoDossiers {
					d, err := rt.Engine.CreateDossier(ctx, engine.DossierCreateOptions{
						ID:         demo.id,
						PatientRef: demo.patient,
						Machine:    demo.machine,
						ActorID:    "seed",
					})
					if err != nil {
						return err
					}
					if err := walkForward(ctx, rt.Engine, d, demo.target); err != nil {
						return err
					}
					fmt.Printf("%s at %s\n", demo.id, demo.target)
				}
				return nil
			})
		},
	})
	return cmd
}

// walkForward moves d along the forward order until it reaches target,
// checking every required item and acting as the first allowed role.
func walkForward(ctx context.Context, e engine.Engine, d domain.Dossier, target domain.Status) error {
	current := d.Status
	for current != target {
		rank := current.Rank()
		if rank < 0 || rank+1 >= len(domain.ForwardOrder) {
			return fmt.Errorf("cannot walk %s from %s to %s", d.ID, current, target)
		}
		next := domain.ForwardOrder[rank+1]
		def := e.WorkflowSnapshot()
		roles := def.AllowedRoles[next]
		if len(roles) == 0 {
			return fmt.Errorf("no role may move into %s", next)
		}
		actor := domain.Actor{ID: "seed-" + string(roles[0]), Role: roles[0]}
		for _, item := range def.Requirements(next) {
			if _, err := e.SetChecklistItem(ctx, actor, d.ID, next, item, true); err != nil {
				return err
			}
		}
		res, err := e.AttemptTransition(ctx, engine.TransitionRequest{DossierID: d.ID, From: current, To: next, Actor: actor})
		if err != nil {
			return fmt.Errorf("seed %s: %w", d.ID, err)
		}
		current = res.NewStatus
	}
	return nil
}
