// Package app assembles the scan components from configuration. Both the
// HTTP server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/threatwatch/internal/agentconfig"
	"github.com/ashureev/threatwatch/internal/bus"
	"github.com/ashureev/threatwatch/internal/config"
	"github.com/ashureev/threatwatch/internal/engine"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/metrics"
	"github.com/ashureev/threatwatch/internal/notify"
	"github.com/ashureev/threatwatch/internal/pipeline"
	"github.com/ashureev/threatwatch/internal/scan"
	"github.com/ashureev/threatwatch/internal/store"
	"github.com/ashureev/threatwatch/internal/trace"
)

// ClosableEngine is an engine client holding a connection.
type ClosableEngine interface {
	engine.Engine
	Close()
}

// App holds the wired components.
type App struct {
	Repo     *store.SQLiteStore
	Engine   ClosableEngine
	Metrics  *metrics.Collector
	Hub      *hub.Hub
	Traces   *trace.Store
	Configs  *agentconfig.Store
	Scans    *scan.Coordinator
	Mirror   *bus.Mirror
	Notifier notify.Notifier

	logger *slog.Logger
}

// Options control which optional parts New connects.
type Options struct {
	// SkipEngine leaves Engine nil. Read-only tools need no engine.
	SkipEngine bool
	// Engine replaces the configured engine client when set.
	Engine ClosableEngine
	// SkipMirror leaves the NATS mirror disconnected.
	SkipMirror bool
}

// New opens the database, connects the engine and builds the scan
// components. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}
	if err := a.open(ctx, cfg, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, cfg *config.Config, opts Options) error {
	logger := a.logger

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	a.Repo = repo
	if err := a.Repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	switch {
	case opts.Engine != nil:
		a.Engine = opts.Engine
	case !opts.SkipEngine:
		eng, err := openEngine(ctx, cfg.Engine, logger)
		if err != nil {
			return err
		}
		a.Engine = eng
	}

	if cfg.NATS.Enabled() && !opts.SkipMirror {
		mirror, err := bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		a.Mirror = mirror
	}

	if cfg.SMTP.Enabled() {
		notifier, err := notify.NewSMTPNotifier(cfg.SMTP, logger)
		if err != nil {
			return err
		}
		a.Notifier = notifier
		logger.Info("Report email enabled", "host", cfg.SMTP.Host)
	}

	a.Metrics = metrics.New()
	a.Hub = hub.New(cfg.Scan.ObserverBuffer, a.Metrics, logger)
	a.Traces = trace.NewStore(a.Repo, a.Metrics)

	var eng engine.Engine
	if a.Engine != nil {
		eng = a.Engine
	}
	a.Configs = agentconfig.NewStore(a.Repo, eng, logger)
	a.Scans = scan.New(scan.Deps{
		Sessions:     a.Repo,
		Ignored:      a.Repo,
		Configs:      a.Configs,
		Traces:       a.Traces,
		Hub:          a.Hub,
		Orchestrator: pipeline.New(eng, logger),
	}, scan.Options{
		Timeout:   cfg.Scan.Timeout,
		QueueSize: cfg.Scan.TraceQueueSize,
		Metrics:   a.Metrics,
		Mirror:    a.Mirror,
		Logger:    logger,
	})
	return nil
}

func openEngine(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (ClosableEngine, error) {
	switch cfg.Kind {
	case config.EngineA2A:
		c, err := engine.NewA2AClient(ctx, cfg.A2AURL, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		gcfg := engine.DefaultGrpcClientConfig(cfg.Addr)
		if cfg.Connect > 0 {
			gcfg.ConnectTimeout = cfg.Connect
		}
		c, err := engine.NewGrpcClient(gcfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Close stops running scans and releases every connection. It is safe on
// a partially built App.
func (a *App) Close() {
	if a.Scans != nil {
		a.Scans.Close()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	a.Mirror.Close()
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Repo != nil {
		if err := a.Repo.Close(); err != nil {
			a.logger.Error("Failed to close repository", "error", err)
		}
	}
}
