package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"oncoflow/internal/domain"
)

type DossierCreateOptions struct {
	ID         string
	PatientRef string
	Machine    string
	Protocol   string
	Priority   string
	Labels     []string
	ActorID    string
}

func (e Engine) CreateDossier(ctx context.Context, opts DossierCreateOptions) (domain.Dossier, error) {
	if strings.TrimSpace(opts.PatientRef) == "" {
		return domain.Dossier{}, errors.New("patient_ref is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	d := domain.Dossier{
		ID:              id,
		PatientRef:      opts.PatientRef,
		Machine:         opts.Machine,
		Protocol:        opts.Protocol,
		Priority:        opts.Priority,
		Labels:          opts.Labels,
		Status:          domain.InitialStatus,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := e.Store.CreateDossier(ctx, d); err != nil {
		return domain.Dossier{}, err
	}
	if err := e.Store.AppendEvent(ctx, domain.Event{
		TS:         now,
		Type:       "dossier.created",
		EntityKind: "dossier",
		EntityID:   d.ID,
		ActorID:    opts.ActorID,
		Payload:    map[string]any{"patient_ref": d.PatientRef, "status": string(d.Status)},
	}); err != nil {
		return d, err
	}
	return d, nil
}

func (e Engine) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	return e.Store.GetDossier(ctx, id)
}

// DossierFilters narrows ListDossiers. Zero values match everything.
type DossierFilters struct {
	Status  domain.Status
	Machine string
}

func (e Engine) ListDossiers(ctx context.Context, f DossierFilters) ([]domain.Dossier, error) {
	all, err := e.Store.ListDossiers(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Machine != "" && d.Machine != f.Machine {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// BoardColumn is one status lane of the board view.
type BoardColumn struct {
	Status   domain.Status    `json:"status"`
	Dossiers []domain.Dossier `json:"dossiers"`
}

// BoardOrder is the lane order: the forward order with the rework lane right
// after plan review.
var BoardOrder = []domain.Status{
	domain.StatusToPrepare,
	domain.StatusPrescriptionValidated,
	domain.StatusContoursValidated,
	domain.StatusPlanInReview,
	domain.StatusContouringRework,
	domain.StatusPlanValidated,
	domain.StatusReadyForTreatment,
	domain.StatusInTreatment,
	domain.StatusClosed,
}

// Board groups every dossier by status.
func (e Engine) Board(ctx context.Context) ([]BoardColumn, error) {
	all, err := e.Store.ListDossiers(ctx)
	if err != nil {
		return nil, err
	}
	byStatus := map[domain.Status][]domain.Dossier{}
	for _, d := range all {
		byStatus[d.Status] = append(byStatus[d.Status], d)
	}
	cols := make([]BoardColumn, 0, len(BoardOrder))
	for _, s := range BoardOrder {
		cols = append(cols, BoardColumn{Status: s, Dossiers: byStatus[s]})
	}
	return cols, nil
}

// SetChecklistItem records one checklist value. It takes the dossier lock so
// a concurrent transition sees the value either before or after, never torn.
func (e Engine) SetChecklistItem(ctx context.Context, actor domain.Actor, dossierID string, status domain.Status, item string, checked bool) (domain.ChecklistItem, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.ChecklistItem{}, errors.New("actor id required")
	}
	unlock, err := e.Locks.Lock(ctx, dossierID)
	if err != nil {
		return domain.ChecklistItem{}, fmt.Errorf("lock dossier %s: %w", dossierID, err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			e.Logger.Warn("release dossier lock", "dossier", dossierID, "error", err)
		}
	}()

	if _, err := e.Store.GetDossier(ctx, dossierID); err != nil {
		return domain.ChecklistItem{}, err
	}
	return e.Checklist.SetItem(ctx, e.Workflow.Snapshot(), domain.ChecklistItem{
		DossierID: dossierID,
		Status:    status,
		Item:      item,
		Checked:   checked,
		UpdatedBy: actor.ID,
		UpdatedAt: e.now(),
	})
}

func (e Engine) IsChecklistSatisfied(ctx context.Context, dossierID string, status domain.Status) (bool, []string, error) {
	if _, err := e.Store.GetDossier(ctx, dossierID); err != nil {
		return false, nil, err
	}
	return e.Checklist.IsSatisfied(ctx, e.Workflow.Snapshot(), dossierID, status)
}

// ChecklistView is the recorded state of a dossier next to what the current
// rules require for each status.
type ChecklistView struct {
	DossierID string                                   `json:"dossier_id"`
	Recorded  map[domain.Status][]domain.ChecklistItem `json:"recorded"`
	Required  map[domain.Status][]string               `json:"required"`
}

func (e Engine) ChecklistState(ctx context.Context, dossierID string) (ChecklistView, error) {
	if _, err := e.Store.GetDossier(ctx, dossierID); err != nil {
		return ChecklistView{}, err
	}
	state, err := e.Checklist.State(ctx, dossierID)
	if err != nil {
		return ChecklistView{}, err
	}
	def := e.Workflow.Snapshot()
	required := map[domain.Status][]string{}
	for status := range def.ChecklistRequirements {
		required[status] = def.Requirements(status)
	}
	return ChecklistView{DossierID: dossierID, Recorded: state, Required: required}, nil
}

// ListAudit returns the records of one dossier in sequence order, or every
// record when dossierID is empty.
func (e Engine) ListAudit(ctx context.Context, dossierID string) ([]domain.TransitionRecord, error) {
	if dossierID == "" {
		return e.Audit.List(ctx)
	}
	if _, err := e.Store.GetDossier(ctx, dossierID); err != nil {
		return nil, err
	}
	return e.Audit.ListForDossier(ctx, dossierID)
}

func (e Engine) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	return e.Store.ListEvents(ctx, afterID, limit)
}

// Mismatch is a dossier whose live status differs from its audit trail.
type Mismatch struct {
	DossierID     string        `json:"dossier_id"`
	Status        domain.Status `json:"status"`
	Reconstructed domain.Status `json:"reconstructed,omitempty"`
	Error         string        `json:"error"`
}

// Reconcile replays the audit trail of every dossier and reports those whose
// live status disagrees with it. Nothing is repaired.
func (e Engine) Reconcile(ctx context.Context) ([]Mismatch, error) {
	dossiers, err := e.Store.ListDossiers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Mismatch
	for _, d := range dossiers {
		if err := e.Audit.Verify(ctx, d); err != nil {
			if !errors.Is(err, domain.ErrInvariantViolation) {
				return nil, err
			}
			status, _ := e.Audit.ReconstructCurrentStatus(ctx, d.ID)
			out = append(out, Mismatch{DossierID: d.ID, Status: d.Status, Reconstructed: status, Error: err.Error()})
			e.Logger.Error("audit mismatch", "dossier", d.ID, "error", err)
		}
	}
	return out, nil
}
