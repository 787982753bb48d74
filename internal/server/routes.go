package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"oncoflow/internal/domain"
	"oncoflow/internal/engine"
	"oncoflow/internal/engine/auth"
	"oncoflow/internal/workflow"
)

const devTokenTTL = 12 * time.Hour

// APIKeyStore manages API keys. repo.Repo implements it.
type APIKeyStore interface {
	KeyStore
	CreateAPIKey(ctx context.Context, actorID string, role domain.Role, permissions []string, name string) (string, domain.APIKey, error)
	ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
}

type dossierPath struct {
	DossierID string `path:"dossier_id"`
}

type dossierBody struct {
	Body domain.Dossier `json:"body"`
}

type workflowBody struct {
	Body *workflow.Definition `json:"body"`
}

func registerDossiers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dossier",
		Method:        http.MethodPost,
		Path:          "/dossiers",
		Summary:       "Create dossier",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDossierRequest `json:"body"`
	}) (*dossierBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDossier(ctx, engine.DossierCreateOptions{
			ID:         strings.TrimSpace(input.Body.ID),
			PatientRef: input.Body.PatientRef,
			Machine:    input.Body.Machine,
			Protocol:   input.Body.Protocol,
			Priority:   input.Body.Priority,
			Labels:     input.Body.Labels,
			ActorID:    actor.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &dossierBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dossiers",
		Method:      http.MethodGet,
		Path:        "/dossiers",
		Summary:     "List dossiers",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Machine string `query:"machine"`
	}) (*struct {
		Body []domain.Dossier `json:"body"`
	}, error) {
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		items, err := e.ListDossiers(ctx, engine.DossierFilters{Status: domain.Status(input.Status), Machine: input.Machine})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Dossier `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dossier",
		Method:      http.MethodGet,
		Path:        "/dossiers/{dossier_id}",
		Summary:     "Get dossier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dossierPath) (*dossierBody, error) {
		d, err := e.GetDossier(ctx, input.DossierID)
		if err != nil {
			return nil, handleError(err)
		}
		return &dossierBody{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Dossiers grouped by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.BoardColumn `json:"body"`
	}, error) {
		cols, err := e.Board(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range cols {
			cols[i].Dossiers = nonNil(cols[i].Dossiers)
		}
		return &struct {
			Body []engine.BoardColumn `json:"body"`
		}{Body: cols}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attempt-transition",
		Method:      http.MethodPost,
		Path:        "/dossiers/{dossier_id}/transitions",
		Summary:     "Attempt a status transition",
		Description: "Guards run in order: stale state, allowed edge, role, checklist, comment on backward moves. Refusals are recorded in the audit log.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		DossierID string            `path:"dossier_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AttemptTransition(ctx, engine.TransitionRequest{
			DossierID: input.DossierID,
			From:      input.Body.From,
			To:        input.Body.To,
			Actor:     actor,
			Comment:   input.Body.Comment,
		})
		if err != nil {
			se := handleError(err)
			if ae, ok := se.(*apiError); ok && res.Record.ID != "" {
				if ae.Body.Details == nil {
					ae.Body.Details = map[string]any{}
				}
				ae.Body.Details["record_id"] = res.Record.ID
				ae.Body.Details["seq"] = res.Record.Seq
				ae.Body.Details["current_status"] = string(res.NewStatus)
			}
			return nil, se
		}
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/dossiers/{dossier_id}/checklist",
		Summary:     "Recorded checklist and current requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dossierPath) (*struct {
		Body engine.ChecklistView `json:"body"`
	}, error) {
		view, err := e.ChecklistState(ctx, input.DossierID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ChecklistView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checklist-satisfied",
		Method:      http.MethodGet,
		Path:        "/dossiers/{dossier_id}/checklist/{status}",
		Summary:     "Whether the checklist of a status is complete",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DossierID string `path:"dossier_id"`
		Status    string `path:"status"`
	}) (*struct {
		Body ChecklistStatusResponse `json:"body"`
	}, error) {
		status := domain.Status(input.Status)
		if !status.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		ok, missing, err := e.IsChecklistSatisfied(ctx, input.DossierID, status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChecklistStatusResponse `json:"body"`
		}{Body: ChecklistStatusResponse{DossierID: input.DossierID, Status: status, Satisfied: ok, Missing: nonNil(missing)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-item",
		Method:      http.MethodPut,
		Path:        "/dossiers/{dossier_id}/checklist/{status}/{item}",
		Summary:     "Record a checklist value",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DossierID string                  `path:"dossier_id"`
		Status    string                  `path:"status"`
		Item      string                  `path:"item"`
		Body      SetChecklistItemRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.SetChecklistItem(ctx, actor, input.DossierID, domain.Status(input.Status), input.Item, input.Body.Checked)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	type recordsBody struct {
		Body []domain.TransitionRecord `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "dossier-audit",
		Method:      http.MethodGet,
		Path:        "/dossiers/{dossier_id}/audit",
		Summary:     "Transition records of one dossier",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *dossierPath) (*recordsBody, error) {
		recs, err := e.ListAudit(ctx, input.DossierID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordsBody{Body: nonNil(recs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Every transition record",
	}, func(ctx context.Context, input *struct {
		Outcome string `query:"outcome" enum:"committed,rejected"`
	}) (*recordsBody, error) {
		recs, err := e.ListAudit(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		if input.Outcome != "" {
			filtered := recs[:0]
			for _, r := range recs {
				if string(r.Outcome) == input.Outcome {
					filtered = append(filtered, r)
				}
			}
			recs = filtered
		}
		return &recordsBody{Body: nonNil(recs)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflow",
		Summary:     "Workflow rules in force",
	}, func(ctx context.Context, _ *struct{}) (*workflowBody, error) {
		return &workflowBody{Body: e.WorkflowSnapshot()}, nil
	})

	adminErrors := []int{http.StatusBadRequest, http.StatusForbidden}

	huma.Register(api, huma.Operation{
		OperationID: "set-transitions",
		Method:      http.MethodPut,
		Path:        "/workflow/transitions/{status}",
		Summary:     "Replace the targets reachable from a status",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status string                `path:"status"`
		Body   SetTransitionsRequest `json:"body"`
	}) (*workflowBody, error) {
		actor, err := requirePermission(ctx, auth.PermissionWorkflowAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.SetTransitions(ctx, actor, domain.Status(input.Status), input.Body.Targets, input.Body.Backward)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-allowed-roles",
		Method:      http.MethodPut,
		Path:        "/workflow/allowed-roles/{status}",
		Summary:     "Replace the roles allowed to move a dossier into a status",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status string          `path:"status"`
		Body   SetRolesRequest `json:"body"`
	}) (*workflowBody, error) {
		actor, err := requirePermission(ctx, auth.PermissionWorkflowAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.SetAllowedRoles(ctx, actor, domain.Status(input.Status), input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-checklist-requirement",
		Method:      http.MethodPut,
		Path:        "/workflow/checklist/{status}/{item}",
		Summary:     "Require or drop a checklist item",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status string                `path:"status"`
		Item   string                `path:"item"`
		Body   SetRequirementRequest `json:"body"`
	}) (*workflowBody, error) {
		actor, err := requirePermission(ctx, auth.PermissionWorkflowAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.SetChecklistRequirement(ctx, actor, domain.Status(input.Status), input.Item, input.Body.Required)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-roles",
		Method:      http.MethodPut,
		Path:        "/workflow/stage-roles/{status}",
		Summary:     "Replace the roles notified about a status",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status string          `path:"status"`
		Body   SetRolesRequest `json:"body"`
	}) (*workflowBody, error) {
		actor, err := requirePermission(ctx, auth.PermissionWorkflowAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.SetStageRoles(ctx, actor, domain.Status(input.Status), input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: def}, nil
	})
}

func registerNotifications(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "pull-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notification feed after a cursor",
		Description: "Without role or all, only events targeting the caller's role are returned.",
	}, func(ctx context.Context, input *struct {
		Cursor int64  `query:"cursor"`
		Limit  int    `query:"limit" default:"50"`
		Role   string `query:"role"`
		All    bool   `query:"all"`
	}) (*struct {
		Body NotificationsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role := domain.Role(input.Role)
		if role == "" && !input.All {
			role = actor.Role
		}
		resp := NotificationsResponse{Items: []domain.NotificationEvent{}, NextCursor: input.Cursor}
		if cfg.Feed != nil {
			items, next := cfg.Feed.Since(input.Cursor, normalizeLimit(input.Limit), role)
			resp.Items = nonNil(items)
			resp.NextCursor = next
		}
		return &struct {
			Body NotificationsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-staleness",
		Method:      http.MethodPost,
		Path:        "/notifications/scan",
		Summary:     "Run the staleness scan now",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermissionWorkflowAdmin); err != nil {
			return nil, handleError(err)
		}
		if cfg.Dispatcher == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "notifications are not configured", nil)
		}
		emitted, err := cfg.Dispatcher.ScanForStaleness(ctx, cfg.Dispatcher.Now(), cfg.Dispatcher.Threshold())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Emitted: nonNil(emitted)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Domain events after a cursor",
	}, func(ctx context.Context, input *struct {
		Cursor int64 `query:"cursor"`
		Limit  int   `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, input.Cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventsResponse{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = items[limit-1].ID
		}
		resp.Items = nonNil(items)
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReconcile(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Replay every audit trail and report disagreements",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermissionWorkflowAdmin); err != nil {
			return nil, handleError(err)
		}
		dossiers, err := e.ListDossiers(ctx, engine.DossierFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		mismatches, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Checked: len(dossiers), Mismatches: nonNil(mismatches)}}, nil
	})
}

func registerAPIKeys(api huma.API, keys APIKeyStore) {
	unavailable := func() huma.StatusError {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "api keys need the sqlite backend", nil)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermissionAPIKeys); err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			return nil, unavailable()
		}
		if !input.Body.Role.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role", map[string]any{"role": input.Body.Role})
		}
		if unknown, ok := auth.ValidPermissions(input.Body.Permissions); !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown permission", map[string]any{"permission": unknown})
		}
		plain, key, err := keys.CreateAPIKey(ctx, input.Body.ActorID, input.Body.Role, input.Body.Permissions, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{Key: plain, APIKey: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermissionAPIKeys); err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			return nil, unavailable()
		}
		items, err := keys.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := requirePermission(ctx, auth.PermissionAPIKeys); err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			return nil, unavailable()
		}
		if err := keys.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
