package server

import (
	"oncoflow/internal/domain"
	"oncoflow/internal/engine"
)

// Request payloads

type CreateDossierRequest struct {
	ID         string   `json:"id,omitempty"`
	PatientRef string   `json:"patient_ref" minLength:"1"`
	Machine    string   `json:"machine,omitempty"`
	Protocol   string   `json:"protocol,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

type TransitionRequest struct {
	From    domain.Status `json:"from" minLength:"1"`
	To      domain.Status `json:"to" minLength:"1"`
	Comment string        `json:"comment,omitempty"`
}

type SetChecklistItemRequest struct {
	Checked bool `json:"checked"`
}

type SetTransitionsRequest struct {
	Targets  []domain.Status `json:"targets"`
	Backward []domain.Status `json:"backward,omitempty"`
}

type SetRolesRequest struct {
	Roles []domain.Role `json:"roles"`
}

type SetRequirementRequest struct {
	Required bool `json:"required"`
}

type CreateAPIKeyRequest struct {
	ActorID     string      `json:"actor_id" minLength:"1"`
	Role        domain.Role `json:"role" minLength:"1"`
	Permissions []string    `json:"permissions,omitempty"`
	Name        string      `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CreateAPIKeyResponse struct {
	Key    string        `json:"key" doc:"shown once"`
	APIKey domain.APIKey `json:"api_key"`
}

type ChecklistStatusResponse struct {
	DossierID string        `json:"dossier_id"`
	Status    domain.Status `json:"status"`
	Satisfied bool          `json:"satisfied"`
	Missing   []string      `json:"missing"`
}

type NotificationsResponse struct {
	Items      []domain.NotificationEvent `json:"items"`
	NextCursor int64                      `json:"next_cursor"`
}

type ScanResponse struct {
	Emitted []domain.NotificationEvent `json:"emitted"`
}

type EventsResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type ReconcileResponse struct {
	Checked    int               `json:"checked"`
	Mismatches []engine.Mismatch `json:"mismatches"`
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
