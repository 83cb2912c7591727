package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/populus-labs/populus-go/internal/graph"
	"github.com/populus-labs/populus-go/internal/platform/env"
	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/platform/postgres"
	pgrepo "github.com/populus-labs/populus-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("POPULUS_UNIVERSEMAP_HTTP_ADDR", ":8083")
	shutdownTimeout, err := env.Duration("POPULUS_UNIVERSEMAP_SHUTDOWN_TIMEOUT", 10*time.Second)
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

	registry := metrics.New("universemap")
	edges := pgrepo.NewEdgeStore(db)
	outcomes := pgrepo.NewOutcomeStore(db)
	graphService := graph.NewService(pgrepo.NewNodeStore(db), edges, outcomes, registry, logger)

	api := newUniverseAPI(logger, db, graphService, edges, outcomes)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("universemap"))
	mux.HandleFunc("/readyz", httpserver.Readyz("universemap", httpserver.ReadinessCheck{
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
		Service:         "universemap",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, "universemap", mux))
	if err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
