package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"oncoflow/internal/domain"
)

// Saver persists a workflow version before it becomes visible.
type Saver interface {
	SaveWorkflow(ctx context.Context, def *Definition) error
}

// Store holds the current Definition. Readers load an immutable snapshot
// without locking; writers are serialized and publish a full new version.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Definition]
	saver   Saver
	Now     func() time.Time
}

// NewStore validates initial and publishes it. saver may be nil.
func NewStore(initial *Definition, saver Saver) (*Store, error) {
	if initial == nil {
		return nil, domain.ConfigError{Message: "workflow definition required"}
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &Store{saver: saver, Now: time.Now}
	s.current.Store(initial.Clone())
	return s, nil
}

func (s *Store) Snapshot() *Definition {
	return s.current.Load()
}

func (s *Store) SetTransitions(ctx context.Context, actorID string, source domain.Status, edges []Edge) (*Definition, error) {
	if !source.Valid() {
		return nil, domain.ConfigError{Field: "source", Message: fmt.Sprintf("unknown status %q", source)}
	}
	for _, e := range edges {
		if !e.To.Valid() {
			return nil, domain.ConfigError{Field: "targets", Message: fmt.Sprintf("unknown status %q", e.To)}
		}
	}
	return s.update(ctx, actorID, func(d *Definition) error {
		if len(edges) == 0 {
			delete(d.Transitions, source)
			return nil
		}
		d.Transitions[source] = slices.Clone(edges)
		return nil
	})
}

// SetAllowedRoles replaces the roles authorized to move a dossier into target.
// An empty set is refused while any edge still targets the status.
func (s *Store) SetAllowedRoles(ctx context.Context, actorID string, target domain.Status, roles []domain.Role) (*Definition, error) {
	if !target.Valid() {
		return nil, domain.ConfigError{Field: "target", Message: fmt.Sprintf("unknown status %q", target)}
	}
	for _, r := range roles {
		if !r.Valid() {
			return nil, domain.ConfigError{Field: "roles", Message: fmt.Sprintf("unknown role %q", r)}
		}
	}
	return s.update(ctx, actorID, func(d *Definition) error {
		if len(roles) == 0 {
			if sources := d.targetedBy(target); len(sources) > 0 {
				return domain.ConfigError{Field: "roles", Message: fmt.Sprintf("%s is reachable from %v; an empty role set would strand it", target, sources)}
			}
			delete(d.AllowedRoles, target)
			return nil
		}
		d.AllowedRoles[target] = dedupeRoles(roles)
		return nil
	})
}

func (s *Store) SetChecklistRequirement(ctx context.Context, actorID string, status domain.Status, item string, required bool) (*Definition, error) {
	if !status.Valid() {
		return nil, domain.ConfigError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	if item == "" {
		return nil, domain.ConfigError{Field: "item", Message: "item key required"}
	}
	return s.update(ctx, actorID, func(d *Definition) error {
		items := d.ChecklistRequirements[status]
		has := slices.Contains(items, item)
		switch {
		case required && !has:
			if !d.KnownItem(item) {
				return domain.ConfigError{Field: "item", Message: fmt.Sprintf("item %q not in catalog", item)}
			}
			d.ChecklistRequirements[status] = append(items, item)
		case !required && has:
			items = slices.DeleteFunc(items, func(v string) bool { return v == item })
			if len(items) == 0 {
				delete(d.ChecklistRequirements, status)
			} else {
				d.ChecklistRequirements[status] = items
			}
		}
		return nil
	})
}

func (s *Store) SetStageRoles(ctx context.Context, actorID string, status domain.Status, roles []domain.Role) (*Definition, error) {
	if !status.Valid() {
		return nil, domain.ConfigError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return s.update(ctx, actorID, func(d *Definition) error {
		if len(roles) == 0 {
			delete(d.StageRoles, status)
			return nil
		}
		d.StageRoles[status] = dedupeRoles(roles)
		return nil
	})
}

func (s *Store) update(ctx context.Context, actorID string, mutate func(*Definition) error) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedBy = actorID
	next.UpdatedAt = s.Now().UTC()
	if s.saver != nil {
		if err := s.saver.SaveWorkflow(ctx, next); err != nil {
			return nil, fmt.Errorf("save workflow version %d: %w", next.Version, err)
		}
	}
	s.current.Store(next)
	return next, nil
}

func dedupeRoles(roles []domain.Role) []domain.Role {
	out := make([]domain.Role, 0, len(roles))
	for _, r := range roles {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
