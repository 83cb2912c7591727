package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
	"github.com/populus-labs/populus-go/internal/rules"
)

// ErrCanceled is returned when a run is stopped at a tick boundary by a
// cancel request. It is not a failure: the run transitions to canceled.
var ErrCanceled = errors.New("run canceled at tick boundary")

// ErrBudgetExceeded is returned when the tick loop exhausts the execution
// budget.
var ErrBudgetExceeded = errors.New("execution budget exceeded")

// TraceSink receives sampled execution traces.
type TraceSink interface {
	AppendTrace(ctx context.Context, trace domain.RunTrace) error
}

// BlobWriter persists full-tick keyframe payloads; nil disables keyframes.
type BlobWriter interface {
	PutTickEvents(ctx context.Context, tenantID, runID string, tick int, payload any) (domain.BlobPointer, error)
}

// CancelCheck is polled at every tick boundary. Returning true stops the
// run cleanly; in-flight ticks always finish.
type CancelCheck func(ctx context.Context) (bool, error)

// Executor runs one run's tick loop: deterministic population genesis, the
// rule engine per tick, trace sampling, and outcome extraction.
type Executor struct {
	traces TraceSink
	blobs  BlobWriter
	now    func() time.Time
}

func NewExecutor(traces TraceSink, blobs BlobWriter) *Executor {
	return &Executor{
		traces: traces,
		blobs:  blobs,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteRequest carries everything a single run execution needs. The
// executor itself never touches the database beyond the trace sink.
type ExecuteRequest struct {
	Run      domain.Run
	Config   domain.RunConfig
	WorldEnv rules.Environment
	WorkerID string
	// OnTick fires after every completed tick; the worker uses it to refresh
	// heartbeats. Errors from OnTick abort the run as infrastructure
	// failures.
	OnTick func(ctx context.Context, tick int) error
	// Canceled is polled at tick boundaries; nil means never canceled.
	Canceled CancelCheck
	// Budget caps wall-clock execution time; zero means no cap.
	Budget time.Duration
}

// ExecuteResult is the executor's summary of a finished run.
type ExecuteResult struct {
	TicksExecuted  int
	AgentsModeled  int
	FinalTelemetry map[string]float64
	Population     *rules.Population
}

// Execute runs the full tick loop. Identical (seed, config, versions)
// inputs produce identical populations, telemetry, and outcomes.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := req.Config.Validate(); err != nil {
		return ExecuteResult{}, fmt.Errorf("run config: %w", err)
	}

	engine := rules.NewEngine()
	if err := rules.DefaultRuleSet(engine); err != nil {
		return ExecuteResult{}, fmt.Errorf("register rules: %w", err)
	}

	pop := GenesisPopulation(req.Config.Seed, req.Config.AgentCount)
	started := e.now()

	if err := e.emitTrace(ctx, req, domain.StageRunStart, 0, len(pop.Agents), 0, 0); err != nil {
		return ExecuteResult{}, err
	}

	result := ExecuteResult{AgentsModeled: len(pop.Agents), FinalTelemetry: map[string]float64{}}
	for tick := 1; tick <= req.Config.HorizonTicks; tick++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("tick %d: %w", tick, err)
		}
		if req.Canceled != nil {
			canceled, err := req.Canceled(ctx)
			if err != nil {
				return result, fmt.Errorf("cancel check at tick %d: %w", tick, err)
			}
			if canceled {
				return result, ErrCanceled
			}
		}
		if req.Budget > 0 && e.now().Sub(started) > req.Budget {
			return result, ErrBudgetExceeded
		}

		tickStart := e.now()
		tickResult, err := engine.Tick(tick, req.Config.Seed, pop, req.WorldEnv)
		if err != nil {
			return result, fmt.Errorf("tick %d: %w", tick, err)
		}
		duration := e.now().Sub(tickStart)

		result.TicksExecuted = tick
		result.FinalTelemetry = tickResult.Telemetry

		if e.sampleTick(req.Config.TraceSampleEvery, tick, req.Config.HorizonTicks) {
			if err := e.emitTickTrace(ctx, req, tick, tickResult, duration); err != nil {
				return result, err
			}
		}
		if req.OnTick != nil {
			if err := req.OnTick(ctx, tick); err != nil {
				return result, fmt.Errorf("tick callback at %d: %w", tick, err)
			}
		}
	}

	result.Population = pop
	if err := e.emitTrace(ctx, req, domain.StageRunEnd, result.TicksExecuted, len(pop.Agents), 0, e.now().Sub(started).Milliseconds()); err != nil {
		return result, err
	}
	return result, nil
}

// sampleTick decides whether a tick emits a trace row. The first and last
// ticks are always sampled regardless of the stride, so a run's trace is
// never empty in the middle of its lifetime.
func (e *Executor) sampleTick(every, tick, horizon int) bool {
	if tick == 1 || tick == horizon {
		return true
	}
	if every <= 0 {
		return false
	}
	return tick%every == 0
}

func (e *Executor) emitTickTrace(ctx context.Context, req ExecuteRequest, tick int, tickResult rules.TickResult, duration time.Duration) error {
	trace := domain.RunTrace{
		RunID:           req.Run.ID,
		TenantID:        req.Run.TenantID,
		Timestamp:       e.now(),
		WorkerID:        req.WorkerID,
		ExecutionStage:  domain.StageTick,
		TickNumber:      tick,
		AgentsProcessed: tickResult.AgentsProcessed,
		EventsCount:     tickResult.EventsCount,
		DurationMs:      duration.Milliseconds(),
	}
	if e.blobs != nil {
		pointer, err := e.blobs.PutTickEvents(ctx, req.Run.TenantID, req.Run.ID, tick, tickResult.Telemetry)
		if err != nil {
			return fmt.Errorf("store tick keyframe: %w", err)
		}
		trace.BlobPointer = &pointer
	}
	if e.traces == nil {
		return nil
	}
	if err := e.traces.AppendTrace(ctx, trace); err != nil {
		return fmt.Errorf("append tick trace: %w", err)
	}
	return nil
}

func (e *Executor) emitTrace(ctx context.Context, req ExecuteRequest, stage string, tick, agents, events int, durationMs int64) error {
	if e.traces == nil {
		return nil
	}
	err := e.traces.AppendTrace(ctx, domain.RunTrace{
		RunID:           req.Run.ID,
		TenantID:        req.Run.TenantID,
		Timestamp:       e.now(),
		WorkerID:        req.WorkerID,
		ExecutionStage:  stage,
		TickNumber:      tick,
		AgentsProcessed: agents,
		EventsCount:     events,
		DurationMs:      durationMs,
	})
	if err != nil {
		return fmt.Errorf("append %s trace: %w", stage, err)
	}
	return nil
}

// GenesisPopulation derives the initial agent population from the run seed.
// Every attribute comes from the derived RNG at tick 0, so two runs with the
// same seed start from bit-identical populations. Agents are wired in a ring
// with two neighbors per side.
func GenesisPopulation(seed uint64, agentCount int) *rules.Population {
	agents := make([]rules.AgentState, agentCount)
	neighbors := make(map[string][]string, agentCount)
	ids := make([]string, agentCount)
	for i := 0; i < agentCount; i++ {
		ids[i] = fmt.Sprintf("agent-%06d", i)
	}
	for i := 0; i < agentCount; i++ {
		id := ids[i]
		agents[i] = rules.AgentState{
			AgentID: id,
			Attributes: map[string]float64{
				rules.AttrOpinion:       rules.DeriveRandom(seed, id, 0, "genesis", "opinion")*2 - 1,
				rules.AttrMediaExposure: rules.DeriveRandom(seed, id, 0, "genesis", "media_exposure"),
				rules.AttrRiskTolerance: rules.DeriveRandom(seed, id, 0, "genesis", "risk_tolerance"),
				rules.AttrInfluence:     rules.DeriveRandom(seed, id, 0, "genesis", "influence"),
			},
			Memory: map[string]float64{},
		}
		if agentCount > 1 {
			// Offsets alias on rings of four or fewer agents; each peer is
			// listed once so signals are not double-delivered.
			seen := make(map[string]bool, 4)
			for _, offset := range []int{-2, -1, 1, 2} {
				peer := ids[((i+offset)%agentCount+agentCount)%agentCount]
				if peer == id || seen[peer] {
					continue
				}
				seen[peer] = true
				neighbors[id] = append(neighbors[id], peer)
			}
		}
	}
	return rules.NewPopulation(agents, neighbors)
}
