package domain

import "time"

// Status is one stage of the radiotherapy workflow.
type Status string

const (
	StatusToPrepare             Status = "to_prepare"
	StatusPrescriptionValidated Status = "prescription_validated"
	StatusContoursValidated     Status = "contours_validated"
	StatusPlanInReview          Status = "plan_in_review"
	StatusContouringRework      Status = "contouring_rework"
	StatusPlanValidated         Status = "plan_validated"
	StatusReadyForTreatment     Status = "ready_for_treatment"
	StatusInTreatment           Status = "in_treatment"
	StatusClosed                Status = "closed"
)

// InitialStatus is the status of a freshly created dossier.
const InitialStatus = StatusToPrepare

// TerminalStatus ends a dossier's workflow.
const TerminalStatus = StatusClosed

// ForwardOrder is the canonical clinical order. ContouringRework is unranked;
// it is only reached through an explicit rework edge.
var ForwardOrder = []Status{
	StatusToPrepare,
	StatusPrescriptionValidated,
	StatusContoursValidated,
	StatusPlanInReview,
	StatusPlanValidated,
	StatusReadyForTreatment,
	StatusInTreatment,
	StatusClosed,
}

// AllStatuses lists every recognized status.
var AllStatuses = append(append([]Status{}, ForwardOrder...), StatusContouringRework)

// Valid reports whether s is a recognized status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Rank returns the position of s in ForwardOrder, or -1 when s is unranked.
func (s Status) Rank() int {
	for i, known := range ForwardOrder {
		if s == known {
			return i
		}
	}
	return -1
}

// Role is an opaque identifier used for authorization lookups.
type Role string

const (
	RoleTechnologist Role = "technologist"
	RolePhysicist    Role = "physicist"
	RoleOncologist   Role = "oncologist"
	RoleDosimetrist  Role = "dosimetrist"
	RoleCoordination Role = "coordination"
)

var AllRoles = []Role{RoleTechnologist, RolePhysicist, RoleOncologist, RoleDosimetrist, RoleCoordination}

func (r Role) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}

// Actor is an already-authenticated identity acting on a dossier.
type Actor struct {
	ID          string   `json:"id"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

type Dossier struct {
	ID              string    `json:"id"`
	PatientRef      string    `json:"patient_ref"`
	Machine         string    `json:"machine,omitempty"`
	Protocol        string    `json:"protocol,omitempty"`
	Status          Status    `json:"status"`
	Priority        string    `json:"priority,omitempty"`
	Labels          []string  `json:"labels,omitempty"`
	CreatedAt       time.Time `json:"created_at" format:"date-time"`
	StatusChangedAt time.Time `json:"status_changed_at" format:"date-time"`
}

type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
)

// TransitionRecord is one immutable audit entry per transition attempt.
type TransitionRecord struct {
	ID           string    `json:"id"`
	DossierID    string    `json:"dossier_id"`
	Seq          int64     `json:"seq"`
	From         Status    `json:"from_status"`
	To           Status    `json:"to_status"`
	ActorID      string    `json:"actor_id"`
	ActorRole    Role      `json:"actor_role"`
	Timestamp    time.Time `json:"ts" format:"date-time"`
	Outcome      Outcome   `json:"outcome" enum:"committed,rejected"`
	Reason       Reason    `json:"reason,omitempty"`
	MissingItems []string  `json:"missing_items,omitempty"`
	Comment      string    `json:"comment,omitempty"`
}

// ChecklistItem is the recorded value of one checklist key for a dossier.
type ChecklistItem struct {
	DossierID string    `json:"dossier_id"`
	Status    Status    `json:"status"`
	Item      string    `json:"item"`
	Checked   bool      `json:"checked"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

type NotificationKind string

const (
	NotificationTransitioned     NotificationKind = "transitioned"
	NotificationBlocked          NotificationKind = "blocked"
	NotificationRolloverReminder NotificationKind = "rollover_reminder"
)

// NotificationEvent is handed to notification sinks; the engine never stores it.
type NotificationEvent struct {
	ID          string           `json:"id"`
	Seq         int64            `json:"seq,omitempty"`
	DossierID   string           `json:"dossier_id"`
	Kind        NotificationKind `json:"kind"`
	TargetRoles []Role           `json:"target_roles"`
	Payload     map[string]any   `json:"payload,omitempty"`
	EmittedAt   time.Time        `json:"emitted_at" format:"date-time"`
}

// Event is an activity entry for actions that are not transitions
// (checklist edits, workflow mutations).
type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKey struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	Role        Role      `json:"role"`
	Permissions []string  `json:"permissions,omitempty"`
	Name        string    `json:"name,omitempty"`
	KeyHash     string    `json:"key_hash"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// StalenessMark remembers the last staleness notification sent for a dossier
// so later scans, in this process or another, stay within one event per window.
type StalenessMark struct {
	DossierID       string    `json:"dossier_id"`
	StatusChangedAt time.Time `json:"status_changed_at" format:"date-time"`
	NotifiedAt      time.Time `json:"notified_at" format:"date-time"`
	Windows         int64     `json:"windows"`
}
