package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"oncoflow/internal/audit"
	"oncoflow/internal/checklist"
	"oncoflow/internal/domain"
	"oncoflow/internal/lock"
	"oncoflow/internal/metrics"
	"oncoflow/internal/workflow"
)

// Store is everything the engine persists. memstore.Store and repo.Repo
// implement it.
type Store interface {
	audit.Store
	checklist.Store
	workflow.Saver
	LatestWorkflow(ctx context.Context) (*workflow.Definition, error)
	CreateDossier(ctx context.Context, d domain.Dossier) error
	GetDossier(ctx context.Context, id string) (domain.Dossier, error)
	ListDossiers(ctx context.Context) ([]domain.Dossier, error)
	AppendEvent(ctx context.Context, evt domain.Event) error
	ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
}

// Notifier is told about every committed transition. It must not block.
type Notifier interface {
	OnCommitted(def *workflow.Definition, rec domain.TransitionRecord) bool
}

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Notifier Notifier
	// Locker serializes a dossier across processes sharing the store.
	Locker lock.Locker
	// ResetOnBackward clears the checklist of statuses a backward move makes
	// the dossier pass through again.
	ResetOnBackward bool
}

type Engine struct {
	Store     Store
	Workflow  *workflow.Store
	Checklist *checklist.Tracker
	Audit     *audit.Log
	Locks     *lock.Keyed
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	ResetOnBackward bool
	Now             func() time.Time
}

// New wires an engine over store. The latest stored workflow version wins
// over initial; on first boot initial is stored as the first version.
func New(ctx context.Context, store Store, initial *workflow.Definition, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	def, err := store.LatestWorkflow(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if initial == nil {
			return Engine{}, domain.ConfigError{Message: "workflow definition required"}
		}
		if err := initial.Validate(); err != nil {
			return Engine{}, err
		}
		if err := store.SaveWorkflow(ctx, initial); err != nil {
			return Engine{}, fmt.Errorf("seed workflow: %w", err)
		}
		def = initial
	case err != nil:
		return Engine{}, fmt.Errorf("load workflow: %w", err)
	}
	wf, err := workflow.NewStore(def, store)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		Store:           store,
		Workflow:        wf,
		Checklist:       checklist.New(store, store, opts.Logger),
		Audit:           audit.New(store),
		Locks:           lock.NewKeyed(opts.Locker),
		Notifier:        opts.Notifier,
		Metrics:         opts.Metrics,
		Logger:          opts.Logger,
		ResetOnBackward: opts.ResetOnBackward,
		Now:             time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// TransitionRequest asks to move a dossier from the status the caller last
// saw to a target status.
type TransitionRequest struct {
	DossierID string
	From      domain.Status
	To        domain.Status
	Actor     domain.Actor
	Comment   string
}

type Result struct {
	NewStatus domain.Status           `json:"new_status"`
	Record    domain.TransitionRecord `json:"record"`
}

// AttemptTransition evaluates the guards in order and commits the move when
// all pass. Every evaluated attempt, accepted or not, leaves one audit record.
// Guard failures are returned as *domain.RejectionError.
func (e Engine) AttemptTransition(ctx context.Context, req TransitionRequest) (Result, error) {
	started := time.Now()
	defer func() { e.Metrics.TransitionDuration.Observe(time.Since(started).Seconds()) }()

	if strings.TrimSpace(req.Actor.ID) == "" {
		return Result{}, errors.New("actor id required")
	}
	unlock, err := e.Locks.Lock(ctx, req.DossierID)
	if err != nil {
		return Result{}, fmt.Errorf("lock dossier %s: %w", req.DossierID, err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			e.Logger.Warn("release dossier lock", "dossier", req.DossierID, "error", err)
		}
	}()

	dossier, err := e.Store.GetDossier(ctx, req.DossierID)
	if err != nil {
		e.countAttempt("error", "unknown_dossier")
		return Result{}, err
	}
	if err := e.Audit.Verify(ctx, dossier); err != nil {
		e.countAttempt("error", "invariant_violation")
		e.Logger.Error("dossier status disagrees with its audit trail", "dossier", dossier.ID, "error", err)
		return Result{}, err
	}

	def := e.Workflow.Snapshot()
	rec := domain.TransitionRecord{
		DossierID: req.DossierID,
		From:      req.From,
		To:        req.To,
		ActorID:   req.Actor.ID,
		ActorRole: req.Actor.Role,
		Timestamp: e.now(),
		Comment:   req.Comment,
	}
	rej, err := e.evaluate(ctx, def, dossier, req)
	if err != nil {
		e.countAttempt("error", "store")
		return Result{}, err
	}
	if rej != nil {
		return e.reject(ctx, dossier.Status, rec, rej)
	}

	rec.Outcome = domain.OutcomeCommitted
	committed, err := e.Audit.Commit(ctx, rec)
	if errors.Is(err, domain.ErrStaleState) {
		// another writer sharing the store moved the dossier first
		return e.reject(ctx, "", rec, domain.Reject(domain.ReasonStaleState, "dossier changed concurrently"))
	}
	if err != nil {
		e.countAttempt("error", "store")
		return Result{}, fmt.Errorf("commit transition: %w", err)
	}

	if e.ResetOnBackward && def.IsBackward(committed.From, committed.To) {
		statuses := checklist.ReentryStatuses(committed.From, committed.To)
		if err := e.Checklist.Reset(ctx, committed.DossierID, statuses...); err != nil {
			e.Logger.Error("checklist reset after backward transition", "dossier", committed.DossierID, "error", err)
		}
	}
	if e.Notifier != nil {
		e.Notifier.OnCommitted(def, committed)
	}
	e.countAttempt(string(domain.OutcomeCommitted), "")
	e.Logger.Info("transition committed",
		"dossier", committed.DossierID,
		"from", committed.From,
		"to", committed.To,
		"actor", committed.ActorID,
		"role", committed.ActorRole,
		"seq", committed.Seq,
	)
	return Result{NewStatus: committed.To, Record: committed}, nil
}

// evaluate runs the guards in their fixed order and returns the first failure.
func (e Engine) evaluate(ctx context.Context, def *workflow.Definition, dossier domain.Dossier, req TransitionRequest) (*domain.RejectionError, error) {
	if dossier.Status != req.From {
		return domain.Reject(domain.ReasonStaleState, "dossier is %s, not %s", dossier.Status, req.From), nil
	}
	edge, ok := def.Edge(req.From, req.To)
	if !ok {
		return domain.Reject(domain.ReasonTransitionNotAllowed, "%s -> %s is not in the workflow", req.From, req.To), nil
	}
	if !def.RoleAllowed(req.To, req.Actor.Role) {
		return domain.Reject(domain.ReasonRoleNotAuthorized, "role %q may not move a dossier to %s", req.Actor.Role, req.To), nil
	}
	satisfied, missing, err := e.Checklist.IsSatisfied(ctx, def, dossier.ID, req.To)
	if err != nil {
		return nil, fmt.Errorf("read checklist: %w", err)
	}
	if !satisfied {
		return &domain.RejectionError{Reason: domain.ReasonChecklistIncomplete, MissingItems: missing, Message: fmt.Sprintf("checklist for %s incomplete", req.To)}, nil
	}
	if edge.Backward && strings.TrimSpace(req.Comment) == "" {
		return domain.Reject(domain.ReasonCommentRequired, "moving back from %s to %s needs a comment", req.From, req.To), nil
	}
	return nil, nil
}

func (e Engine) reject(ctx context.Context, current domain.Status, rec domain.TransitionRecord, rej *domain.RejectionError) (Result, error) {
	rec.Outcome = domain.OutcomeRejected
	rec.Reason = rej.Reason
	rec.MissingItems = rej.MissingItems
	stored, err := e.Audit.Append(ctx, rec)
	if err != nil {
		e.countAttempt("error", "store")
		return Result{}, fmt.Errorf("record rejection: %w", err)
	}
	if current == "" {
		if d, err := e.Store.GetDossier(ctx, rec.DossierID); err == nil {
			current = d.Status
		}
	}
	e.countAttempt(string(domain.OutcomeRejected), string(rej.Reason))
	e.Logger.Info("transition rejected",
		"dossier", rec.DossierID,
		"from", rec.From,
		"to", rec.To,
		"actor", rec.ActorID,
		"reason", rej.Reason,
	)
	return Result{NewStatus: current, Record: stored}, rej
}

func (e Engine) countAttempt(outcome, reason string) {
	e.Metrics.TransitionAttempts.WithLabelValues(outcome, reason).Inc()
}
