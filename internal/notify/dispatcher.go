package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"oncoflow/internal/domain"
	"oncoflow/internal/metrics"
	"oncoflow/internal/workflow"
)

const defaultQueueSize = 256

// DossierLister reads every dossier. Status and StatusChangedAt of one entry
// must come from the same committed state.
type DossierLister interface {
	ListDossiers(ctx context.Context) ([]domain.Dossier, error)
}

// StalenessMarks persists the last staleness notification per dossier so a
// restarted or second dispatcher does not notify the same window twice.
// memstore.Store and repo.Repo implement it.
type StalenessMarks interface {
	LoadStalenessMarks(ctx context.Context) (map[string]domain.StalenessMark, error)
	SaveStalenessMark(ctx context.Context, m domain.StalenessMark) error
	DeleteStalenessMark(ctx context.Context, dossierID string) error
}

type Options struct {
	QueueSize    int
	Threshold    time.Duration
	ScanInterval time.Duration
	// Marks is optional; without it marks live only in this dispatcher.
	Marks   StalenessMarks
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher hands events from the engine to sinks on its own goroutine.
// Producers never block: when the queue is full the event is dropped.
type Dispatcher struct {
	queue    chan domain.NotificationEvent
	sinks    []Sink
	dossiers DossierLister
	workflow func() *workflow.Definition
	logger   *slog.Logger
	metrics  *metrics.Metrics

	threshold time.Duration
	interval  time.Duration

	mu           sync.Mutex
	marks        StalenessMarks
	lastNotified map[string]domain.StalenessMark

	Now func() time.Time
}

func NewDispatcher(dossiers DossierLister, wf func() *workflow.Definition, sinks []Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 24 * time.Hour
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Dispatcher{
		queue:        make(chan domain.NotificationEvent, opts.QueueSize),
		sinks:        sinks,
		dossiers:     dossiers,
		workflow:     wf,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		threshold:    opts.Threshold,
		interval:     opts.ScanInterval,
		marks:        opts.Marks,
		lastNotified: map[string]domain.StalenessMark{},
		Now:          time.Now,
	}
}

// Threshold is the configured staleness threshold.
func (d *Dispatcher) Threshold() time.Duration { return d.threshold }

// Emit queues evt without blocking and reports whether it was accepted.
func (d *Dispatcher) Emit(evt domain.NotificationEvent) bool {
	select {
	case d.queue <- evt:
		d.metrics.NotificationsByKind.WithLabelValues(string(evt.Kind)).Inc()
		return true
	default:
		d.metrics.NotificationsDrops.Inc()
		d.logger.Warn("notification queue full, event dropped", "kind", evt.Kind, "dossier", evt.DossierID)
		return false
	}
}

// OnCommitted announces a committed transition to the roles working the case
// before and after the move.
func (d *Dispatcher) OnCommitted(def *workflow.Definition, rec domain.TransitionRecord) bool {
	roles := unionRoles(def.Audience(rec.From), def.Audience(rec.To))
	payload := map[string]any{
		"from":       string(rec.From),
		"to":         string(rec.To),
		"actor_id":   rec.ActorID,
		"actor_role": string(rec.ActorRole),
		"seq":        rec.Seq,
		"backward":   def.IsBackward(rec.From, rec.To),
	}
	if rec.Comment != "" {
		payload["comment"] = rec.Comment
	}
	return d.Emit(domain.NotificationEvent{
		ID:          uuid.NewString(),
		DossierID:   rec.DossierID,
		Kind:        domain.NotificationTransitioned,
		TargetRoles: roles,
		Payload:     payload,
		EmittedAt:   rec.Timestamp,
	})
}

// Run delivers queued events and runs the staleness scan every interval until
// ctx is done. Events still queued at shutdown are delivered before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Drain(context.Background())
			return ctx.Err()
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		case <-ticker.C:
			if _, err := d.ScanForStaleness(ctx, d.Now(), d.threshold); err != nil {
				d.logger.Error("staleness scan failed", "error", err)
			}
		}
	}
}

// Drain delivers every event currently queued and returns how many there were.
func (d *Dispatcher) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case evt := <-d.queue:
			d.deliver(ctx, evt)
			n++
		default:
			return n
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt domain.NotificationEvent) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, evt); err != nil {
			d.metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn("notification delivery failed", "sink", sink.Name(), "kind", evt.Kind, "dossier", evt.DossierID, "error", err)
		}
	}
}

// ScanForStaleness emits a Blocked event for every open dossier whose status
// has not changed for longer than threshold. A dossier is notified once per
// threshold window; each further window without a status change repeats the
// Blocked event and escalates to coordination with a RolloverReminder.
func (d *Dispatcher) ScanForStaleness(ctx context.Context, now time.Time, threshold time.Duration) ([]domain.NotificationEvent, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("staleness threshold must be positive")
	}
	dossiers, err := d.dossiers.ListDossiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dossiers: %w", err)
	}
	def := d.workflow()

	d.mu.Lock()
	defer d.mu.Unlock()

	marks := d.lastNotified
	if d.marks != nil {
		if marks, err = d.marks.LoadStalenessMarks(ctx); err != nil {
			return nil, fmt.Errorf("load staleness marks: %w", err)
		}
		if marks == nil {
			marks = map[string]domain.StalenessMark{}
		}
	}

	seen := make(map[string]bool, len(dossiers))
	var (
		emitted []domain.NotificationEvent
		saved   []domain.StalenessMark
		removed []string
	)
	stale := 0
	for _, dossier := range dossiers {
		if dossier.Status == domain.TerminalStatus {
			continue
		}
		seen[dossier.ID] = true
		age := now.Sub(dossier.StatusChangedAt)
		if age <= threshold {
			if _, ok := marks[dossier.ID]; ok {
				delete(marks, dossier.ID)
				removed = append(removed, dossier.ID)
			}
			continue
		}
		stale++
		windows := int64(age / threshold)
		mark, ok := marks[dossier.ID]
		sameStatus := ok && mark.StatusChangedAt.Equal(dossier.StatusChangedAt)
		if sameStatus && mark.Windows >= windows {
			continue
		}
		payload := map[string]any{
			"status":        string(dossier.Status),
			"stale_seconds": int64(age / time.Second),
			"window":        windows,
		}
		blocked := domain.NotificationEvent{
			ID:          uuid.NewString(),
			DossierID:   dossier.ID,
			Kind:        domain.NotificationBlocked,
			TargetRoles: def.Audience(dossier.Status),
			Payload:     payload,
			EmittedAt:   now,
		}
		emitted = append(emitted, blocked)
		if sameStatus {
			emitted = append(emitted, domain.NotificationEvent{
				ID:          uuid.NewString(),
				DossierID:   dossier.ID,
				Kind:        domain.NotificationRolloverReminder,
				TargetRoles: []domain.Role{domain.RoleCoordination},
				Payload:     payload,
				EmittedAt:   now,
			})
		}
		next := domain.StalenessMark{DossierID: dossier.ID, StatusChangedAt: dossier.StatusChangedAt, NotifiedAt: now, Windows: windows}
		marks[dossier.ID] = next
		saved = append(saved, next)
	}
	for id := range marks {
		if !seen[id] {
			delete(marks, id)
			removed = append(removed, id)
		}
	}
	// marks are stored before anything is emitted: a failed save costs a
	// late notification, never a duplicate
	if d.marks != nil {
		for _, m := range saved {
			if err := d.marks.SaveStalenessMark(ctx, m); err != nil {
				return nil, fmt.Errorf("save staleness mark %s: %w", m.DossierID, err)
			}
		}
		for _, id := range removed {
			if err := d.marks.DeleteStalenessMark(ctx, id); err != nil {
				return nil, fmt.Errorf("delete staleness mark %s: %w", id, err)
			}
		}
	}
	d.lastNotified = marks
	d.metrics.StaleDossiers.Set(float64(stale))

	for _, evt := range emitted {
		d.Emit(evt)
	}
	if len(emitted) > 0 {
		d.logger.Info("staleness scan", "stale", stale, "emitted", len(emitted))
	}
	return emitted, nil
}

func unionRoles(a, b []domain.Role) []domain.Role {
	out := slices.Clone(a)
	for _, r := range b {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}
