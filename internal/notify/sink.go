package notify

import (
	"context"
	"log/slog"

	"oncoflow/internal/domain"
)

// Sink receives notification events. Deliver must not block for long; the
// dispatcher calls sinks one after another.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.NotificationEvent) error
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, evt domain.NotificationEvent) error {
	s.Logger.InfoContext(ctx, "notification",
		"kind", evt.Kind,
		"dossier", evt.DossierID,
		"roles", evt.TargetRoles,
		"id", evt.ID,
	)
	return nil
}
