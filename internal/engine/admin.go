package engine

import (
	"context"
	"fmt"

	"oncoflow/internal/domain"
	"oncoflow/internal/engine/auth"
	"oncoflow/internal/workflow"
)

// WorkflowSnapshot returns the rules in force right now.
func (e Engine) WorkflowSnapshot() *workflow.Definition {
	return e.Workflow.Snapshot()
}

// SetTransitions replaces the targets reachable from source. Targets that do
// not rank after source are marked backward automatically; backward lists the
// extra targets to treat as backward (rework loops into unranked statuses).
func (e Engine) SetTransitions(ctx context.Context, actor domain.Actor, source domain.Status, targets, backward []domain.Status) (*workflow.Definition, error) {
	if err := auth.Require(actor, auth.PermissionWorkflowAdmin); err != nil {
		return nil, err
	}
	for _, b := range backward {
		found := false
		for _, t := range targets {
			found = found || t == b
		}
		if !found {
			return nil, domain.ConfigError{Field: "backward", Message: fmt.Sprintf("%s is not one of the targets", b)}
		}
	}
	def, err := e.Workflow.SetTransitions(ctx, actor.ID, source, workflow.EdgesFor(source, targets, backward))
	if err != nil {
		return nil, err
	}
	return def, e.workflowEvent(ctx, actor, def, "set_transitions", map[string]any{"source": string(source), "targets": statusStrings(targets)})
}

func (e Engine) SetAllowedRoles(ctx context.Context, actor domain.Actor, target domain.Status, roles []domain.Role) (*workflow.Definition, error) {
	if err := auth.Require(actor, auth.PermissionWorkflowAdmin); err != nil {
		return nil, err
	}
	def, err := e.Workflow.SetAllowedRoles(ctx, actor.ID, target, roles)
	if err != nil {
		return nil, err
	}
	return def, e.workflowEvent(ctx, actor, def, "set_allowed_roles", map[string]any{"target": string(target), "roles": roleStrings(roles)})
}

// SetChecklistRequirement adds or removes one required item. Values already
// recorded for dossiers are kept either way.
func (e Engine) SetChecklistRequirement(ctx context.Context, actor domain.Actor, status domain.Status, item string, required bool) (*workflow.Definition, error) {
	if err := auth.Require(actor, auth.PermissionWorkflowAdmin); err != nil {
		return nil, err
	}
	def, err := e.Workflow.SetChecklistRequirement(ctx, actor.ID, status, item, required)
	if err != nil {
		return nil, err
	}
	return def, e.workflowEvent(ctx, actor, def, "set_checklist_requirement", map[string]any{"status": string(status), "item": item, "required": required})
}

func (e Engine) SetStageRoles(ctx context.Context, actor domain.Actor, status domain.Status, roles []domain.Role) (*workflow.Definition, error) {
	if err := auth.Require(actor, auth.PermissionWorkflowAdmin); err != nil {
		return nil, err
	}
	def, err := e.Workflow.SetStageRoles(ctx, actor.ID, status, roles)
	if err != nil {
		return nil, err
	}
	return def, e.workflowEvent(ctx, actor, def, "set_stage_roles", map[string]any{"status": string(status), "roles": roleStrings(roles)})
}

func (e Engine) workflowEvent(ctx context.Context, actor domain.Actor, def *workflow.Definition, op string, payload map[string]any) error {
	payload["op"] = op
	payload["version"] = def.Version
	e.Logger.Info("workflow updated", "op", op, "version", def.Version, "actor", actor.ID)
	if err := e.Store.AppendEvent(ctx, domain.Event{
		TS:         def.UpdatedAt,
		Type:       "workflow.updated",
		EntityKind: "workflow",
		EntityID:   fmt.Sprintf("v%d", def.Version),
		ActorID:    actor.ID,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("append workflow event: %w", err)
	}
	return nil
}

func statusStrings(in []domain.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func roleStrings(in []domain.Role) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		out = append(out, string(r))
	}
	return out
}
