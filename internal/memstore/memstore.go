// Package memstore is the in-process store. Each dossier owns a shard with its
// own mutex so appends on different dossiers never contend.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"oncoflow/internal/domain"
	"oncoflow/internal/workflow"
)

type checkKey struct {
	status domain.Status
	item   string
}

type shard struct {
	mu        sync.Mutex
	dossier   domain.Dossier
	records   []domain.TransitionRecord
	checklist map[checkKey]domain.ChecklistItem
}

type Store struct {
	mu       sync.RWMutex
	dossiers map[string]*shard

	wfMu      sync.Mutex
	workflows []*workflow.Definition

	evMu   sync.Mutex
	events []domain.Event

	markMu sync.Mutex
	marks  map[string]domain.StalenessMark
}

func New() *Store {
	return &Store{dossiers: map[string]*shard{}, marks: map[string]domain.StalenessMark{}}
}

func (s *Store) shard(id string) (*shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.dossiers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDossier, id)
	}
	return sh, nil
}

func copyDossier(d domain.Dossier) domain.Dossier {
	d.Labels = slices.Clone(d.Labels)
	return d
}

func copyRecord(r domain.TransitionRecord) domain.TransitionRecord {
	r.MissingItems = slices.Clone(r.MissingItems)
	return r
}

func (s *Store) CreateDossier(ctx context.Context, d domain.Dossier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dossiers[d.ID]; ok {
		return fmt.Errorf("dossier %s: %w", d.ID, domain.ErrAlreadyExists)
	}
	s.dossiers[d.ID] = &shard{dossier: copyDossier(d), checklist: map[checkKey]domain.ChecklistItem{}}
	return nil
}

func (s *Store) GetDossier(ctx context.Context, id string) (domain.Dossier, error) {
	sh, err := s.shard(id)
	if err != nil {
		return domain.Dossier{}, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return copyDossier(sh.dossier), nil
}

// ListDossiers returns every dossier ordered by creation time. Each entry is
// read under its shard lock so status and change time are consistent.
func (s *Store) ListDossiers(ctx context.Context) ([]domain.Dossier, error) {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.dossiers))
	for _, sh := range s.dossiers {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	out := make([]domain.Dossier, 0, len(shards))
	for _, sh := range shards {
		sh.mu.Lock()
		out = append(out, copyDossier(sh.dossier))
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (sh *shard) nextSeq() int64 {
	if len(sh.records) == 0 {
		return 1
	}
	return sh.records[len(sh.records)-1].Seq + 1
}

func (s *Store) AppendTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	sh, err := s.shard(rec.DossierID)
	if err != nil {
		return rec, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec.Seq = sh.nextSeq()
	sh.records = append(sh.records, copyRecord(rec))
	return rec, nil
}

func (s *Store) CommitTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	sh, err := s.shard(rec.DossierID)
	if err != nil {
		return rec, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.dossier.Status != rec.From {
		return rec, fmt.Errorf("dossier %s is %s, not %s: %w", rec.DossierID, sh.dossier.Status, rec.From, domain.ErrStaleState)
	}
	rec.Seq = sh.nextSeq()
	sh.records = append(sh.records, copyRecord(rec))
	sh.dossier.Status = rec.To
	sh.dossier.StatusChangedAt = rec.Timestamp
	return rec, nil
}

func (s *Store) ListTransitions(ctx context.Context, dossierID string) ([]domain.TransitionRecord, error) {
	sh, err := s.shard(dossierID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]domain.TransitionRecord, 0, len(sh.records))
	for _, r := range sh.records {
		out = append(out, copyRecord(r))
	}
	return out, nil
}

func (s *Store) ListAllTransitions(ctx context.Context) ([]domain.TransitionRecord, error) {
	s.mu.RLock()
	shards := make([]*shard, 0, len(s.dossiers))
	for _, sh := range s.dossiers {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	var out []domain.TransitionRecord
	for _, sh := range shards {
		sh.mu.Lock()
		for _, r := range sh.records {
			out = append(out, copyRecord(r))
		}
		sh.mu.Unlock()
	}
	return out, nil
}

func (s *Store) PutChecklistItem(ctx context.Context, item domain.ChecklistItem) (bool, error) {
	sh, err := s.shard(item.DossierID)
	if err != nil {
		return false, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	key := checkKey{status: item.Status, item: item.Item}
	if prev, ok := sh.checklist[key]; ok && prev.Checked == item.Checked {
		return false, nil
	}
	sh.checklist[key] = item
	return true, nil
}

func (s *Store) ChecklistItems(ctx context.Context, dossierID string) ([]domain.ChecklistItem, error) {
	sh, err := s.shard(dossierID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]domain.ChecklistItem, 0, len(sh.checklist))
	for _, it := range sh.checklist {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Item < out[j].Item
	})
	return out, nil
}

func (s *Store) ClearChecklist(ctx context.Context, dossierID string, statuses []domain.Status) error {
	sh, err := s.shard(dossierID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for key := range sh.checklist {
		if slices.Contains(statuses, key.status) {
			delete(sh.checklist, key)
		}
	}
	return nil
}

func (s *Store) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	s.wfMu.Lock()
	defer s.wfMu.Unlock()
	s.workflows = append(s.workflows, def.Clone())
	return nil
}

// LatestWorkflow returns the last saved version, or domain.ErrNotFound.
func (s *Store) LatestWorkflow(ctx context.Context) (*workflow.Definition, error) {
	s.wfMu.Lock()
	defer s.wfMu.Unlock()
	if len(s.workflows) == 0 {
		return nil, domain.ErrNotFound
	}
	return s.workflows[len(s.workflows)-1].Clone(), nil
}

func (s *Store) AppendEvent(ctx context.Context, evt domain.Event) error {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	evt.ID = int64(len(s.events) + 1)
	s.events = append(s.events, evt)
	return nil
}

// ListEvents returns events with an id greater than afterID, oldest first.
func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	var out []domain.Event
	for _, evt := range s.events {
		if evt.ID <= afterID {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LoadStalenessMarks(ctx context.Context) (map[string]domain.StalenessMark, error) {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	out := make(map[string]domain.StalenessMark, len(s.marks))
	for id, m := range s.marks {
		out[id] = m
	}
	return out, nil
}

func (s *Store) SaveStalenessMark(ctx context.Context, m domain.StalenessMark) error {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	s.marks[m.DossierID] = m
	return nil
}

func (s *Store) DeleteStalenessMark(ctx context.Context, dossierID string) error {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	delete(s.marks, dossierID)
	return nil
}
