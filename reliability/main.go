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
	"github.com/populus-labs/populus-go/internal/reliability"
	pgrepo "github.com/populus-labs/populus-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("POPULUS_RELIABILITY_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("POPULUS_RELIABILITY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	cfg, err := engineConfigFromEnv()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
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

	registry := metrics.New("reliability")
	artifacts := pgrepo.NewArtifactStore(db)
	engine := reliability.NewService(pgrepo.NewOutcomeStore(db), artifacts, cfg)

	api := newReliabilityAPI(logger, engine, artifacts)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("reliability"))
	mux.HandleFunc("/readyz", httpserver.Readyz("reliability", httpserver.ReadinessCheck{
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
		Service:         "reliability",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, httpserver.Wrap(logger, "reliability", mux))
	if err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func engineConfigFromEnv() (reliability.Config, error) {
	cfg := reliability.DefaultConfig()
	var err error
	if cfg.MinRuns, err = env.Int("POPULUS_RELIABILITY_MIN_RUNS", cfg.MinRuns); err != nil {
		return reliability.Config{}, err
	}
	if cfg.BinCount, err = env.Int("POPULUS_RELIABILITY_BIN_COUNT", cfg.BinCount); err != nil {
		return reliability.Config{}, err
	}
	if cfg.NBootstrap, err = env.Int("POPULUS_RELIABILITY_N_BOOTSTRAP", cfg.NBootstrap); err != nil {
		return reliability.Config{}, err
	}
	if cfg.Confidence, err = env.Float("POPULUS_RELIABILITY_CONFIDENCE", cfg.Confidence); err != nil {
		return reliability.Config{}, err
	}
	if cfg.PSIBins, err = env.Int("POPULUS_RELIABILITY_PSI_BINS", cfg.PSIBins); err != nil {
		return reliability.Config{}, err
	}
	seed, err := env.Int("POPULUS_RELIABILITY_BOOTSTRAP_SEED", int(cfg.BootstrapSeed))
	if err != nil {
		return reliability.Config{}, err
	}
	cfg.BootstrapSeed = uint64(seed)
	return cfg, nil
}
