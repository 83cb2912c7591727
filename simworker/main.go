package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/populus-labs/populus-go/internal/graph"
	"github.com/populus-labs/populus-go/internal/platform/env"
	"github.com/populus-labs/populus-go/internal/platform/httpserver"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/platform/objectstore"
	"github.com/populus-labs/populus-go/internal/platform/postgres"
	"github.com/populus-labs/populus-go/internal/queue"
	"github.com/populus-labs/populus-go/internal/reliability"
	"github.com/populus-labs/populus-go/internal/repo"
	pgrepo "github.com/populus-labs/populus-go/internal/repo/postgres"
	"github.com/populus-labs/populus-go/internal/sim"
	"github.com/populus-labs/populus-go/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	workerID := env.String("POPULUS_WORKER_ID", fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]))
	addr := env.String("POPULUS_WORKER_HTTP_ADDR", ":8082")
	concurrency, err := env.Int("POPULUS_WORKER_CONCURRENCY", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	pollInterval, err := env.Duration("POPULUS_WORKER_POLL_INTERVAL", time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	keyframes, err := env.Bool("POPULUS_WORKER_KEYFRAMES", false)
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

	simCfg, err := sim.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sim config", "error", err)
		os.Exit(2)
	}
	registry := metrics.New("simworker")

	// Keyframe blobs are optional: a worker without an object store still
	// persists sampled trace rows.
	var blobs sim.BlobWriter
	if keyframes {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		client, err := objectstore.NewClient(storeCfg)
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		if err := objectstore.EnsureBuckets(ctx, client, storeCfg); err != nil {
			logger.Error("ensure buckets failed", "error", err)
			os.Exit(1)
		}
		blobStore, err := telemetry.NewStore(client, storeCfg.BucketTelemetry)
		if err != nil {
			logger.Error("telemetry store init failed", "error", err)
			os.Exit(1)
		}
		blobs = blobStore
	}

	outcomes := pgrepo.NewOutcomeStore(db)
	graphService := graph.NewService(pgrepo.NewNodeStore(db), pgrepo.NewEdgeStore(db), outcomes, registry, logger)
	reliabilityService := reliability.NewService(outcomes, pgrepo.NewArtifactStore(db), reliability.DefaultConfig())

	simService, err := sim.NewService(simCfg, sim.ServiceDeps{
		Projects:     pgrepo.NewProjectStore(db),
		Configs:      pgrepo.NewRunConfigStore(db),
		Runs:         pgrepo.NewRunStore(db),
		Manifests:    pgrepo.NewManifestStore(db),
		Queue:        pgrepo.NewJobStore(db),
		Committer:    graphService,
		Executor:     sim.NewExecutor(pgrepo.NewTraceStore(db), blobs),
		Capabilities: pgrepo.NewCapabilityStore(db),
		Attempts:     pgrepo.NewLeakageStore(db),
		Metrics:      registry,
		AuditDB:      db,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("invalid sim config", "error", err)
		os.Exit(2)
	}

	handler := func(ctx context.Context, job repo.Job) error {
		switch job.Kind {
		case repo.JobKindExecuteRun:
			return simService.ExecuteRun(ctx, job.TenantID, job.RunID, workerID)
		case repo.JobKindCalibrateNode:
			// Calibration jobs carry the node id in the run id slot.
			_, _, err := reliabilityService.Score(ctx, job.TenantID, job.RunID, sim.MetricAdoptionShare)
			return err
		default:
			logger.Warn("unknown job kind dropped", "kind", job.Kind, "job_id", job.ID)
			return nil
		}
	}

	pool, err := queue.NewPool(queue.Config{
		WorkerID:     workerID,
		Concurrency:  concurrency,
		PollInterval: pollInterval,
		LeaseFor:     simCfg.HeartbeatTimeout,
		Heartbeat:    simCfg.HeartbeatInterval,
	}, queue.PoolDeps{
		Queue:   pgrepo.NewJobStore(db),
		Workers: pgrepo.NewWorkerStore(db),
		Handler: handler,
		Backoff: simService.RetryBackoff,
		DeadLetter: func(ctx context.Context, job repo.Job, _ error) error {
			if job.Kind != repo.JobKindExecuteRun {
				return nil
			}
			return simService.FailExhausted(ctx, job.TenantID, job.RunID)
		},
		Metrics: registry,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("invalid pool config", "error", err)
		os.Exit(2)
	}

	// Liveness endpoint and metrics only; the worker has no request API.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("simworker"))
	mux.HandleFunc("/readyz", httpserver.Readyz("simworker", httpserver.ReadinessCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, dbCfg.PingTimeout)
			defer cancel()
			return db.PingContext(pingCtx)
		},
	}))
	mux.Handle("/metrics", registry.Handler())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpserver.Run(ctx, logger, httpserver.Config{
			Service: "simworker",
			Addr:    addr,
		}, httpserver.Wrap(logger, "simworker", mux))
	}()

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool exited", "error", err)
		os.Exit(1)
	}
	if err := <-serverErr; err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
