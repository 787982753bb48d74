package checklist

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"oncoflow/internal/domain"
	"oncoflow/internal/workflow"
)

// Store keeps recorded checklist values. PutChecklistItem reports whether the
// stored value changed.
type Store interface {
	PutChecklistItem(ctx context.Context, item domain.ChecklistItem) (bool, error)
	ChecklistItems(ctx context.Context, dossierID string) ([]domain.ChecklistItem, error)
	ClearChecklist(ctx context.Context, dossierID string, statuses []domain.Status) error
}

// EventAppender records activity events.
type EventAppender interface {
	AppendEvent(ctx context.Context, evt domain.Event) error
}

type Tracker struct {
	store  Store
	events EventAppender
	logger *slog.Logger
	Now    func() time.Time
}

// New builds a tracker. events may be nil.
func New(store Store, events EventAppender, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, events: events, logger: logger, Now: time.Now}
}

// SetItem records one checklist value for the status of a dossier. Writing
// the value already stored is a no-op and produces no event. UpdatedAt
// defaults to the tracker clock.
func (t *Tracker) SetItem(ctx context.Context, def *workflow.Definition, item domain.ChecklistItem) (domain.ChecklistItem, error) {
	if !item.Status.Valid() {
		return domain.ChecklistItem{}, domain.ConfigError{Field: "status", Message: fmt.Sprintf("unknown status %q", item.Status)}
	}
	if item.Item == "" || !def.KnownItem(item.Item) {
		return domain.ChecklistItem{}, fmt.Errorf("%w: %q", domain.ErrUnknownChecklistItem, item.Item)
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = t.Now()
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	changed, err := t.store.PutChecklistItem(ctx, item)
	if err != nil {
		return domain.ChecklistItem{}, fmt.Errorf("put checklist item: %w", err)
	}
	if !changed || t.events == nil {
		return item, nil
	}
	evt := domain.Event{
		TS:         item.UpdatedAt,
		Type:       "checklist.item.set",
		EntityKind: "dossier",
		EntityID:   item.DossierID,
		ActorID:    item.UpdatedBy,
		Payload:    map[string]any{"status": string(item.Status), "item": item.Item, "checked": item.Checked},
	}
	if err := t.events.AppendEvent(ctx, evt); err != nil {
		return item, fmt.Errorf("append checklist event: %w", err)
	}
	t.logger.Debug("checklist item set", "dossier", item.DossierID, "status", item.Status, "item", item.Item, "checked", item.Checked)
	return item, nil
}

// State returns the recorded values of a dossier grouped by status.
func (t *Tracker) State(ctx context.Context, dossierID string) (map[domain.Status][]domain.ChecklistItem, error) {
	items, err := t.store.ChecklistItems(ctx, dossierID)
	if err != nil {
		return nil, err
	}
	out := map[domain.Status][]domain.ChecklistItem{}
	for _, it := range items {
		out[it.Status] = append(out[it.Status], it)
	}
	for status := range out {
		sort.Slice(out[status], func(i, j int) bool { return out[status][i].Item < out[status][j].Item })
	}
	return out, nil
}

// IsSatisfied checks the requirements of status against the recorded values.
// Missing items are returned sorted. A status without requirements is always
// satisfied.
func (t *Tracker) IsSatisfied(ctx context.Context, def *workflow.Definition, dossierID string, status domain.Status) (bool, []string, error) {
	required := def.Requirements(status)
	if len(required) == 0 {
		return true, nil, nil
	}
	items, err := t.store.ChecklistItems(ctx, dossierID)
	if err != nil {
		return false, nil, err
	}
	checked := map[string]bool{}
	for _, it := range items {
		if it.Status == status && it.Checked {
			checked[it.Item] = true
		}
	}
	var missing []string
	for _, item := range required {
		if !checked[item] {
			missing = append(missing, item)
		}
	}
	sort.Strings(missing)
	return len(missing) == 0, missing, nil
}

// Reset clears every recorded value for the given statuses.
func (t *Tracker) Reset(ctx context.Context, dossierID string, statuses ...domain.Status) error {
	if len(statuses) == 0 {
		return nil
	}
	return t.store.ClearChecklist(ctx, dossierID, statuses)
}

// ReentryStatuses lists the statuses whose checklist a backward move from
// -> to will make the dossier go through again: ranked statuses after to up
// to and including from. When either end is unranked only from is cleared.
func ReentryStatuses(from, to domain.Status) []domain.Status {
	fr, tr := from.Rank(), to.Rank()
	if fr < 0 || tr < 0 {
		return []domain.Status{from}
	}
	var out []domain.Status
	for _, s := range domain.ForwardOrder {
		if r := s.Rank(); r > tr && r <= fr {
			out = append(out, s)
		}
	}
	return out
}
