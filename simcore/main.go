package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/populus-labs/populus-go/internal/platform/env"
	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/platform/postgres"
	"github.com/populus-labs/populus-go/internal/platform/schema"
	pgrepo "github.com/populus-labs/populus-go/internal/repo/postgres"
	"github.com/populus-labs/populus-go/internal/sim"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("POPULUS_SIMCORE_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("POPULUS_SIMCORE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	reclaimInterval, err := env.Duration("POPULUS_SIMCORE_RECLAIM_INTERVAL", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	validators, err := schema.Compile()
	if err != nil {
		logger.Error("schema compile failed", "error", err)
		os.Exit(2)
	}

	registry := metrics.New("simcore")

	simCfg, err := sim.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sim config", "error", err)
		os.Exit(2)
	}
	simService, err := sim.NewService(simCfg, sim.ServiceDeps{
		Projects:  pgrepo.NewProjectStore(db),
		Configs:   pgrepo.NewRunConfigStore(db),
		Runs:      pgrepo.NewRunStore(db),
		Manifests: pgrepo.NewManifestStore(db),
		Queue:     pgrepo.NewJobStore(db),
		Metrics:   registry,
		AuditDB:   db,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("invalid sim config", "error", err)
		os.Exit(2)
	}

	// Runs whose worker stops heartbeating are failed by this loop, not by
	// the worker itself.
	go reclaimLoop(ctx, logger, simService, reclaimInterval)

	api := newSimcoreAPI(
		logger,
		db,
		simService,
		pgrepo.NewProjectStore(db),
		pgrepo.NewTraceStore(db),
		pgrepo.NewCapabilityStore(db),
		pgrepo.NewLeakageStore(db),
		validators,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("simcore"))
	mux.HandleFunc("/readyz", httpserver.Readyz("simcore", httpserver.ReadinessCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, dbCfg.PingTimeout)
			defer cancel()
			return db.PingContext(pingCtx)
		},
	}))
	mux.Handle("/metrics", registry.Handler())
	api.register(mux)

	err = httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "simcore",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, "simcore", mux))
	if err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func reclaimLoop(ctx context.Context, logger *slog.Logger, simService *sim.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := simService.ReclaimTimedOut(ctx)
			if err != nil {
				logger.Error("reclaim pass failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				logger.Info("reclaimed timed out runs", "count", reclaimed)
			}
		}
	}
}
