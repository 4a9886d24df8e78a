// Command schedulerd is the demo binary wiring a Config, a JobStore
// (memory or SurrealDB-backed), the event Bus/Bridge, and a Supervisor
// into a runnable process. It follows vire-server/main.go's
// init/start/signal.Notify/graceful-shutdown-with-context.WithTimeout
// structure.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/events"
	"github.com/corelock/jobrunner/internal/interfaces"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/corelock/jobrunner/internal/storage/docstore"
	"github.com/corelock/jobrunner/internal/storage/memory"
	"github.com/corelock/jobrunner/internal/supervisor"
	"github.com/corelock/jobrunner/internal/worker"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
)

func main() {
	common.LoadVersionFromFile()

	configPath := os.Getenv("SCHEDULERD_CONFIG")
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize job store")
	}
	defer closeStore()

	bus := events.NewBus(logger)
	bridge := events.NewBridge(logger)
	bus.Subscribe(bridge.Listener())
	go bridge.Run()
	defer bridge.Stop()

	bus.Subscribe(func(ev models.Event) {
		logEvent(logger, ev)
	})

	handlers := sampleHandlers()

	sup := supervisor.New(store, bus, handlers.Handle, supervisor.Config{
		ID:              "schedulerd",
		WorkerCount:     cfg.Scheduler.WorkerCount,
		PollInterval:    cfg.Scheduler.GetPollInterval(),
		LockTimeout:     cfg.Scheduler.GetLockTimeout(),
		DefaultTimezone: cfg.Scheduler.GetDefaultTimezone(),
		MaxAcquireRate:  cfg.Scheduler.MaxAcquireRate,
	}, logger)

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("supervisor failed to start")
	}

	common.PrintBanner(cfg, logger)

	mux := buildMux(bridge)
	srv := &http.Server{
		Addr:         "127.0.0.1:8099",
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("observability endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("observability HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	common.PrintShutdownBanner(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	sup.Stop(supervisor.StopOptions{Graceful: true, TimeoutMs: cfg.Scheduler.GetShutdownTimeout().Milliseconds()})
	logger.Info().Msg("scheduler stopped")
}

// buildStore constructs the configured JobStore implementation and
// returns a no-op or real close function.
func buildStore(cfg *common.Config, logger *common.Logger) (interfaces.JobStore, func(), error) {
	switch cfg.Store.Driver {
	case "surrealdb":
		ctx := context.Background()
		db, err := surrealdb.New(cfg.Store.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		if cfg.Store.Username != "" {
			if _, err := db.SignIn(ctx, map[string]interface{}{
				"user": cfg.Store.Username,
				"pass": cfg.Store.Password,
			}); err != nil {
				return nil, nil, fmt.Errorf("surrealdb signin: %w", err)
			}
		}
		if err := db.Use(ctx, cfg.Store.Namespace, cfg.Store.Database); err != nil {
			return nil, nil, fmt.Errorf("select surrealdb namespace/database: %w", err)
		}
		docStore := docstore.New(db, logger)
		if err := docStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure surrealdb schema: %w", err)
		}
		return docStore, func() { db.Close(ctx) }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// sampleHandlers is a minimal registry demonstrating the handler
// contract; real deployments register their own job-name handlers.
func sampleHandlers() worker.Registry {
	return worker.Registry{
		"noop": func(_ context.Context, job *models.Job) error {
			return nil
		},
		"echo": func(_ context.Context, job *models.Job) error {
			fmt.Fprintf(os.Stderr, "echo job %s: %s\n", job.ID, string(job.Data))
			return nil
		},
	}
}

func logEvent(logger *common.Logger, ev models.Event) {
	entry := logger.Debug().Str("event", string(ev.Type)).Str("worker_id", ev.WorkerID)
	if ev.Job != nil {
		entry = entry.Str("job_id", ev.Job.ID).Str("job_name", ev.Job.Name)
	}
	if ev.Err != nil {
		entry = entry.Err(ev.Err)
	}
	entry.Msg(ev.Message)
}

func buildMux(bridge *events.Bridge) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", healthHandler)
	mux.HandleFunc("/api/version", versionHandler)
	mux.HandleFunc("/ws/events", bridge.ServeWS)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
		"id":      uuid.NewString(),
	})
}
