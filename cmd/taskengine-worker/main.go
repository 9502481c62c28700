// Command taskengine-worker boots one Task Engine worker: it resolves
// configuration, wires the persistence backend (in-memory or PostgreSQL),
// starts the Engine's polling loop (with no handlers of its own registered),
// exposes Prometheus metrics, and shuts down gracefully on SIGINT/SIGTERM — the same
// resolve-config/wire-deps/run/graceful-shutdown shape as
// infrastructure/service/runner.go's Run, generalized away from the
// marble/TEE bootstrap that function otherwise performs.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	database "github.com/R3E-Network/taskengine/internal/platform/database"
	storagemem "github.com/R3E-Network/taskengine/internal/app/storage/taskengine/memory"
	storagepg "github.com/R3E-Network/taskengine/internal/app/storage/taskengine/postgres"
	"github.com/R3E-Network/taskengine/internal/app/taskengine"
	"github.com/R3E-Network/taskengine/pkg/logger"
	"github.com/R3E-Network/taskengine/pkg/taskengineconfig"
)

func main() {
	cfg, err := taskengineconfig.Load()
	if err != nil {
		log.Fatalf("taskengine-worker: load config: %v", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	adapter := logger.NewAdapter(log)

	tasks, events, closeDB := mustOpenStorage(cfg, adapter)
	if closeDB != nil {
		defer closeDB()
	}

	var registerer prometheus.Registerer
	if cfg.Metrics.Enabled {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := taskengine.NewMetrics(cfg.WorkerID, registerer)

	engine := taskengine.NewEngine(cfg.ToEngineConfig(), tasks, events, adapter,
		taskengine.WithMetrics(metrics))

	// Handlers are registered against engine.Registry() by the operator's
	// own package before Start is called; this binary ships no handlers
	// of its own.

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, adapter)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("taskengine-worker: engine start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	adapter.Info("taskengine-worker: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		adapter.Warn("taskengine-worker: engine stop reported an error", "err", err)
	}
	adapter.Info("taskengine-worker: stopped")
}

// mustOpenStorage wires the TaskRepository/EventRepository pair from
// configuration: PostgreSQL when a DSN is configured, the in-memory backend
// otherwise (the shape local development and tests use).
func mustOpenStorage(cfg *taskengineconfig.Config, log taskengine.Logger) (taskengine.TaskRepository, taskengine.EventRepository, func()) {
	if cfg.Database.DSN == "" {
		log.Info("taskengine-worker: no database DSN configured, using in-memory storage")
		return storagemem.NewTaskStore(), storagemem.NewEventStore(), nil
	}

	db, err := database.Open(context.Background(), cfg.Database.DSN)
	if err != nil {
		log.Error("taskengine-worker: open postgres failed, falling back to in-memory storage", "err", err)
		return storagemem.NewTaskStore(), storagemem.NewEventStore(), nil
	}

	if cfg.Database.MigrateOnStart {
		if err := storagepg.Migrate(db); err != nil {
			log.Error("taskengine-worker: migration failed", "err", err)
		}
	}

	return storagepg.NewTaskStore(db), storagepg.NewEventStore(db), func() { _ = db.Close() }
}

func serveMetrics(addr string, log taskengine.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error("taskengine-worker: metrics server stopped", "err", err)
	}
}
