// Package queue runs the worker pool that drains the job queue: claim,
// dispatch, ack or release with backoff, plus worker liveness heartbeats.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/platform/metrics"
	"github.com/populus-labs/populus-go/internal/repo"
)

// Handler processes one claimed job. A nil return acknowledges the job; an
// error releases it for redelivery with backoff.
type Handler func(ctx context.Context, job repo.Job) error

type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	LeaseFor     time.Duration
	Heartbeat    time.Duration
}

func (c Config) Validate() error {
	if c.WorkerID == "" {
		return errors.New("worker id is required")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.LeaseFor <= c.PollInterval {
		return errors.New("job lease must exceed the poll interval")
	}
	if c.Heartbeat <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	return nil
}

// DeadLetter fires when a job's final attempt fails and the queue is about
// to discard it, so the owning record can be marked failed instead of
// silently stranding.
type DeadLetter func(ctx context.Context, job repo.Job, cause error) error

// Pool drains the job queue with a fixed number of claim loops. Delivery is
// at-least-once: handlers must tolerate redelivery of completed work.
type Pool struct {
	cfg        Config
	queue      repo.JobQueue
	workers    repo.WorkerRepository
	handler    Handler
	backoff    func(attempts int) time.Duration
	deadLetter DeadLetter
	metrics    *metrics.Registry
	logger     *slog.Logger
	now        func() time.Time

	executed atomic.Int64
	failed   atomic.Int64
	active   atomic.Int64

	// lastBeat is touched only from the heartbeat loop.
	lastBeat time.Time
}

type PoolDeps struct {
	Queue   repo.JobQueue
	Workers repo.WorkerRepository
	Handler Handler
	// Backoff maps a job's attempt count to its redelivery delay.
	Backoff func(attempts int) time.Duration
	// DeadLetter is invoked once per job when its attempts are exhausted.
	DeadLetter DeadLetter
	Metrics    *metrics.Registry
	Logger     *slog.Logger
}

func NewPool(cfg Config, deps PoolDeps) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	if deps.Queue == nil || deps.Handler == nil {
		return nil, errors.New("queue and handler are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := deps.Backoff
	if backoff == nil {
		backoff = func(int) time.Duration { return 10 * time.Second }
	}
	return &Pool{
		cfg:        cfg,
		queue:      deps.Queue,
		workers:    deps.Workers,
		handler:    deps.Handler,
		backoff:    backoff,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run blocks until ctx is canceled, supervising the claim loops and the
// heartbeat ticker. On shutdown the worker row is marked drained so the
// reclaimer does not count it as dead.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		group.Go(func() error { return p.claimLoop(ctx) })
	}
	if p.workers != nil {
		group.Go(func() error { return p.heartbeatLoop(ctx) })
	}
	p.logger.InfoContext(ctx, "worker pool started",
		slog.String("worker_id", p.cfg.WorkerID),
		slog.Int("concurrency", p.cfg.Concurrency))

	err := group.Wait()
	p.drain()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) claimLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := p.queue.ClaimNext(ctx, p.cfg.WorkerID, p.cfg.LeaseFor)
		if errors.Is(err, repo.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			p.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.dispatch(ctx, job)
	}
}

func (p *Pool) dispatch(ctx context.Context, job repo.Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	if err := p.handler(ctx, job); err != nil {
		p.failed.Add(1)
		if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
			// Final attempt: the queue discards the job, so the owner must
			// be marked failed before the work disappears.
			p.logger.ErrorContext(ctx, "job attempts exhausted",
				slog.String("job_id", job.ID),
				slog.String("kind", job.Kind),
				slog.String("run_id", job.RunID),
				slog.Int("attempts", job.Attempts),
				slog.String("error", err.Error()))
			if p.deadLetter != nil {
				if dlErr := p.deadLetter(ctx, job, err); dlErr != nil {
					p.logger.ErrorContext(ctx, "dead-letter failed",
						slog.String("job_id", job.ID), slog.String("error", dlErr.Error()))
				}
			}
			if failErr := p.queue.Fail(ctx, job.ID, 0); failErr != nil {
				p.logger.ErrorContext(ctx, "job discard failed",
					slog.String("job_id", job.ID), slog.String("error", failErr.Error()))
			}
			return
		}
		retryAfter := p.backoff(job.Attempts)
		p.logger.ErrorContext(ctx, "job failed",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
			slog.String("run_id", job.RunID),
			slog.Int("attempts", job.Attempts),
			slog.Duration("retry_after", retryAfter),
			slog.String("error", err.Error()))
		if failErr := p.queue.Fail(ctx, job.ID, retryAfter); failErr != nil {
			p.logger.ErrorContext(ctx, "job release failed",
				slog.String("job_id", job.ID), slog.String("error", failErr.Error()))
		}
		return
	}

	p.executed.Add(1)
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		// The lease expires and the job redelivers; the handler must absorb
		// the duplicate.
		p.logger.WarnContext(ctx, "job ack failed, expect redelivery",
			slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Pool) beat(ctx context.Context) {
	status := domain.WorkerStatusIdle
	if p.active.Load() > 0 {
		status = domain.WorkerStatusRunning
	}
	if err := p.workers.UpsertHeartbeat(ctx, p.heartbeat(status)); err != nil {
		p.logger.ErrorContext(ctx, "heartbeat upsert failed", slog.String("error", err.Error()))
	}
	now := p.now()
	if p.metrics != nil {
		if depth, err := p.queue.Depth(ctx); err == nil {
			p.metrics.QueueDepth.Set(float64(depth))
		}
		if !p.lastBeat.IsZero() {
			p.metrics.HeartbeatAge.Set(now.Sub(p.lastBeat).Seconds())
		}
	}
	p.lastBeat = now
}

// drain records the final heartbeat with drained status. Uses a fresh
// context: the pool context is already canceled by the time we get here.
func (p *Pool) drain() {
	if p.workers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.workers.UpsertHeartbeat(ctx, p.heartbeat(domain.WorkerStatusDrained)); err != nil {
		p.logger.Error("drain heartbeat failed", slog.String("error", err.Error()))
	}
	p.logger.Info("worker pool drained",
		slog.String("worker_id", p.cfg.WorkerID),
		slog.Int64("executed", p.executed.Load()),
		slog.Int64("failed", p.failed.Load()))
}

func (p *Pool) heartbeat(status string) domain.WorkerHeartbeat {
	hostname, _ := os.Hostname()
	return domain.WorkerHeartbeat{
		WorkerID:     p.cfg.WorkerID,
		Hostname:     hostname,
		PID:          os.Getpid(),
		LastSeenAt:   p.now(),
		Status:       status,
		RunsExecuted: p.executed.Load(),
		RunsFailed:   p.failed.Load(),
	}
}
