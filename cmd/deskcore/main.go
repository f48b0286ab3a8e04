// Command deskcore runs the desktop shell core: it connects to an agent
// backend, folds the backend's task events into the session store, gates
// side-effect requests through the policy engine, and persists state across
// restarts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coworkany/deskcore/internal/approval"
	"github.com/coworkany/deskcore/internal/audit"
	"github.com/coworkany/deskcore/internal/config"
	deskotel "github.com/coworkany/deskcore/internal/otel"
	"github.com/coworkany/deskcore/internal/persistence"
	"github.com/coworkany/deskcore/internal/policy"
	"github.com/coworkany/deskcore/internal/pricing"
	"github.com/coworkany/deskcore/internal/shared"
	"github.com/coworkany/deskcore/internal/store"
	"github.com/coworkany/deskcore/internal/telemetry"
	"github.com/coworkany/deskcore/internal/transport"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("deskcore", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "deskcore:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// One trace id per process run; every log line on this ctx carries it.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	logger.InfoContext(ctx, "deskcore starting", "version", Version, "config", cfg.Fingerprint())

	provider, err := deskotel.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := deskotel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()
	audit.SetDB(db.DB())

	st := store.New(store.Options{
		Pricing: pricing.NewTable(cfg.Pricing),
		Logger:  logger,
		Metrics: metrics,
	})
	if err := persistence.Hydrate(ctx, db, st, logger); err != nil {
		return fmt.Errorf("hydrate state: %w", err)
	}

	policyPath := config.PolicyPath(cfg.HomeDir)
	rules, err := policy.Load(policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	lp := policy.NewLivePolicy(rules, policyPath)
	logger.InfoContext(ctx, "policy loaded", "version", lp.PolicyVersion())

	debounce := persistence.DefaultDebounce
	if cfg.DebounceMillis > 0 {
		debounce = time.Duration(cfg.DebounceMillis) * time.Millisecond
	}
	saver := persistence.NewSaver(st, db, debounce, logger, metrics)
	saver.Start()
	defer func() {
		if err := saver.Close(); err != nil {
			logger.Error("final state flush failed", "error", err)
		}
	}()

	if cfg.CheckpointSchedule != "" {
		cp, err := persistence.NewCheckpointer(cfg.CheckpointSchedule, saver, logger)
		if err != nil {
			return fmt.Errorf("checkpoint schedule: %w", err)
		}
		cp.Start()
		defer cp.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchReloads(ctx, watcher, lp, logger)
	}

	tr, err := connectBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if tr == nil {
		// No backend configured. Stay up for state inspection until a
		// signal arrives; the store still serves hydrated sessions.
		logger.InfoContext(ctx, "no backend configured, running idle")
		<-ctx.Done()
		return nil
	}
	defer tr.Close()

	gw := approval.New(st, lp, tr, logger, metrics)
	logger.InfoContext(ctx, "backend connected", "kind", cfg.Backend.Kind)

	if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.InfoContext(ctx, "deskcore stopping")
	return nil
}

// connectBackend builds the transport named by the config. A stdio backend
// with no command returns nil, which puts the core in idle mode.
func connectBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Backend.Kind {
	case config.BackendWebSocket:
		tr, err := transport.DialWS(ctx, cfg.Backend.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("dial backend: %w", err)
		}
		return tr, nil
	default:
		if cfg.Backend.Command == "" {
			return nil, nil
		}
		tr, err := transport.Spawn(ctx, logger, cfg.Backend.Command, cfg.Backend.Args...)
		if err != nil {
			return nil, fmt.Errorf("spawn backend: %w", err)
		}
		return tr, nil
	}
}

// watchReloads applies policy.yaml edits to the live policy without a
// restart. config.yaml edits only log a notice since most settings bind at
// startup.
func watchReloads(ctx context.Context, w *config.Watcher, lp *policy.LivePolicy, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "policy.yaml":
				if err := policy.ReloadFromFile(lp, ev.Path); err != nil {
					logger.Error("policy reload failed, keeping previous rules", "error", err)
					continue
				}
				logger.Info("policy reloaded", "version", lp.PolicyVersion())
			case "config.yaml":
				logger.Info("config.yaml changed, restart to apply")
			}
		}
	}
}
