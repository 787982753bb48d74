package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"oncoflow/internal/domain"
)

// Store persists transition records. AppendTransition assigns the next
// per-dossier sequence number. CommitTransition additionally moves the
// dossier status rec.From -> rec.To in the same atomic step and returns
// domain.ErrStaleState when the stored status is not rec.From.
type Store interface {
	AppendTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error)
	CommitTransition(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error)
	ListTransitions(ctx context.Context, dossierID string) ([]domain.TransitionRecord, error)
	ListAllTransitions(ctx context.Context) ([]domain.TransitionRecord, error)
}

// Log is the append-only audit trail. It has no update or delete path.
type Log struct {
	store Store
	Now   func() time.Time
}

func New(store Store) *Log {
	return &Log{store: store, Now: time.Now}
}

func (l *Log) prepare(rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	if rec.DossierID == "" {
		return rec, errors.New("audit record requires a dossier id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.Now().UTC()
	}
	rec.Seq = 0
	return rec, nil
}

// Append records a rejected attempt.
func (l *Log) Append(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	if rec.Outcome != domain.OutcomeRejected {
		return rec, fmt.Errorf("append: outcome %q must go through Commit", rec.Outcome)
	}
	rec, err := l.prepare(rec)
	if err != nil {
		return rec, err
	}
	return l.store.AppendTransition(ctx, rec)
}

// Commit records a committed transition and moves the dossier status with it.
func (l *Log) Commit(ctx context.Context, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	if rec.Outcome != domain.OutcomeCommitted {
		return rec, fmt.Errorf("commit: outcome %q is not committed", rec.Outcome)
	}
	rec, err := l.prepare(rec)
	if err != nil {
		return rec, err
	}
	return l.store.CommitTransition(ctx, rec)
}

func (l *Log) ListForDossier(ctx context.Context, dossierID string) ([]domain.TransitionRecord, error) {
	recs, err := l.store.ListTransitions(ctx, dossierID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, nil
}

// List returns every record, ordered by time then per-dossier sequence.
func (l *Log) List(ctx context.Context) ([]domain.TransitionRecord, error) {
	recs, err := l.store.ListAllTransitions(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		if recs[i].DossierID != recs[j].DossierID {
			return recs[i].DossierID < recs[j].DossierID
		}
		return recs[i].Seq < recs[j].Seq
	})
	return recs, nil
}

func (l *Log) ReconstructCurrentStatus(ctx context.Context, dossierID string) (domain.Status, error) {
	recs, err := l.ListForDossier(ctx, dossierID)
	if err != nil {
		return "", err
	}
	return Reconstruct(domain.InitialStatus, recs)
}

// Verify compares the live status of d with its reconstruction.
func (l *Log) Verify(ctx context.Context, d domain.Dossier) error {
	status, err := l.ReconstructCurrentStatus(ctx, d.ID)
	if err != nil {
		return err
	}
	if status != d.Status {
		return fmt.Errorf("%w: dossier %s is %s but its audit trail ends at %s", domain.ErrInvariantViolation, d.ID, d.Status, status)
	}
	return nil
}

// Reconstruct replays records in sequence order starting from initial. Each
// committed record must start where the previous one ended.
func Reconstruct(initial domain.Status, recs []domain.TransitionRecord) (domain.Status, error) {
	status := initial
	var last int64
	for _, rec := range recs {
		if rec.Seq <= last {
			return status, fmt.Errorf("%w: sequence %d follows %d", domain.ErrInvariantViolation, rec.Seq, last)
		}
		last = rec.Seq
		if rec.Outcome != domain.OutcomeCommitted {
			continue
		}
		if rec.From != status {
			return status, fmt.Errorf("%w: record %d leaves %s while dossier was %s", domain.ErrInvariantViolation, rec.Seq, rec.From, status)
		}
		status = rec.To
	}
	return status, nil
}
