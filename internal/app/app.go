// Package app assembles a runnable oncoflow from a workspace and its config:
// store, locks, notification sinks, dispatcher, metrics and engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"

	"oncoflow/internal/config"
	"oncoflow/internal/db"
	"oncoflow/internal/engine"
	"oncoflow/internal/lock"
	"oncoflow/internal/memstore"
	"oncoflow/internal/metrics"
	"oncoflow/internal/migrate"
	"oncoflow/internal/notify"
	"oncoflow/internal/repo"
)

type Options struct {
	Workspace string
	// Config overrides the workspace oncoflow.yml when set.
	Config *config.Config
	// Backend overrides storage.backend when set.
	Backend string
	Logger  *slog.Logger
}

// Runtime is a wired engine plus everything that must be closed with it.
type Runtime struct {
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Feed       *notify.Feed
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// DB and Repo are set for the sqlite backend only.
	DB    *sql.DB
	Repo  *repo.Repo
	Redis *backend.Client
}

// ResolveConfig returns the explicit config or the workspace one, falling back
// to the built-in workflow when the workspace has no oncoflow.yml.
func ResolveConfig(workspace string, explicit *config.Config) (*config.Config, error) {
	if explicit != nil {
		if err := explicit.Validate(); err != nil {
			return nil, err
		}
		return explicit, nil
	}
	return config.LoadOptional(workspace)
}

func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.Config)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: metrics.New()}

	store, err := rt.openStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		rt.Redis = backend.NewClient(&backend.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rt.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(rt.Redis, "oncoflow:", cfg.Redis.LockTTL())
	}

	eng, err := engine.New(ctx, store, cfg.Definition(), engine.Options{
		Logger:          logger,
		Metrics:         rt.Metrics,
		Locker:          locker,
		ResetOnBackward: cfg.Checklist.ResetOnBackward,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Feed = notify.NewFeed(cfg.Notifications.FeedSize)
	sinks := []notify.Sink{rt.Feed, notify.LogSink{Logger: logger}}
	for _, hook := range notify.NewWebhookSinks(cfg.Notifications.Webhooks) {
		sinks = append(sinks, hook)
	}
	if rt.Redis != nil && cfg.Notifications.RedisList != "" {
		sinks = append(sinks, notify.NewRedisSink(rt.Redis, cfg.Notifications.RedisList, cfg.Notifications.RedisListMax))
	}
	dispOpts := notify.Options{
		QueueSize:    cfg.Notifications.QueueSize,
		Threshold:    cfg.Notifications.StalenessThreshold(),
		ScanInterval: cfg.Notifications.ScanInterval(),
		Logger:       logger,
		Metrics:      rt.Metrics,
	}
	if marks, ok := store.(notify.StalenessMarks); ok {
		dispOpts.Marks = marks
	}
	rt.Dispatcher = notify.NewDispatcher(store, eng.Workflow.Snapshot, sinks, dispOpts)
	eng.Notifier = rt.Dispatcher
	rt.Engine = eng
	logger.Debug("runtime ready", "backend", backendName(cfg, opts), "workflow_version", eng.WorkflowSnapshot().Version, "sinks", len(sinks))
	return rt, nil
}

func backendName(cfg *config.Config, opts Options) string {
	if opts.Backend != "" {
		return opts.Backend
	}
	if cfg.Storage.Backend == "" {
		return "sqlite"
	}
	return cfg.Storage.Backend
}

func (rt *Runtime) openStore(ctx context.Context, opts Options) (engine.Store, error) {
	switch name := backendName(rt.Config, opts); name {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		if applied > 0 {
			rt.Logger.Info("database migrated", "path", db.Path(opts.Workspace), "applied", applied)
		}
		r := repo.Repo{DB: conn}
		rt.DB = conn
		rt.Repo = &r
		return r, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
}

// Close releases the database and Redis connections.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
