// Package guard enforces temporal isolation: no external data timestamped
// after a backtest's cutoff may ever reach a caller. Every blocked attempt
// is recorded for audit and never scrubbed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/populus-labs/populus-go/internal/domain"
)

// ErrLeakageViolation is raised in strict mode when a caller requests data
// newer than the cutoff. The orchestrator treats it as a run failure.
var ErrLeakageViolation = errors.New("temporal leakage violation")

// ErrSourceRefused is raised when a source's capability entry excludes the
// project's isolation level. Refusal is unconditional, not a warning.
var ErrSourceRefused = errors.New("source refused for isolation level")

// Attempt is the audit record of one access decision.
type Attempt struct {
	Timestamp     time.Time
	RunID         string
	DataType      string
	Source        string
	RequestedTime time.Time
	CutoffTime    time.Time
	Allowed       bool
	Reason        string
}

// Recorder persists access attempts. Implementations must be append-only.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Guard holds the temporal isolation state for one run.
type Guard struct {
	cutoff     time.Time
	enabled    bool
	strictMode bool

	runID          string
	isolationLevel domain.IsolationLevel
	capabilities   map[string]domain.SourceCapability
	recorder       Recorder
	now            func() time.Time
}

type Config struct {
	RunID          string
	Cutoff         time.Time
	Enabled        bool
	StrictMode     bool
	IsolationLevel domain.IsolationLevel
	Capabilities   []domain.SourceCapability
	Recorder       Recorder
	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(cfg Config) (*Guard, error) {
	if cfg.Enabled && cfg.Cutoff.IsZero() {
		return nil, errors.New("enabled guard requires a cutoff time")
	}
	if cfg.Enabled && !cfg.IsolationLevel.Valid() {
		return nil, fmt.Errorf("unsupported isolation level: %d", cfg.IsolationLevel)
	}
	caps := make(map[string]domain.SourceCapability, len(cfg.Capabilities))
	for _, capability := range cfg.Capabilities {
		if err := capability.Validate(); err != nil {
			return nil, fmt.Errorf("capability %q: %w", capability.Source, err)
		}
		caps[capability.Source] = capability
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Guard{
		cutoff:         cfg.Cutoff.UTC(),
		enabled:        cfg.Enabled,
		strictMode:     cfg.StrictMode,
		runID:          cfg.RunID,
		isolationLevel: cfg.IsolationLevel,
		capabilities:   caps,
		recorder:       cfg.Recorder,
		now:            now,
	}, nil
}

// CheckAccess decides whether data timestamped dataTime from source may be
// returned to the caller. The decision is always recorded. When the data is
// too new, strict mode returns ErrLeakageViolation; otherwise false is
// returned so the caller may substitute a safe fallback.
func (g *Guard) CheckAccess(ctx context.Context, dataTime time.Time, dataType, source string) (bool, error) {
	if g == nil {
		return false, errors.New("guard not initialized")
	}

	if !g.enabled || g.cutoff.IsZero() {
		g.record(ctx, dataTime, dataType, source, true, "guard_disabled")
		return true, nil
	}

	if err := g.CheckSource(source); err != nil {
		g.record(ctx, dataTime, dataType, source, false, "source_refused")
		return false, err
	}

	if dataTime.After(g.cutoff) {
		g.record(ctx, dataTime, dataType, source, false, "after_cutoff")
		if g.strictMode {
			return false, fmt.Errorf("%w: %s from %s at %s is after cutoff %s",
				ErrLeakageViolation, dataType, source,
				dataTime.UTC().Format(time.RFC3339), g.cutoff.Format(time.RFC3339))
		}
		return false, nil
	}

	g.record(ctx, dataTime, dataType, source, true, "within_cutoff")
	return true, nil
}

// CheckSource verifies the source's capability entry against the project's
// isolation level. Unknown sources and sources whose safe levels exclude the
// level are refused outright.
func (g *Guard) CheckSource(source string) error {
	if !g.enabled {
		return nil
	}
	capability, ok := g.capabilities[source]
	if !ok {
		return fmt.Errorf("%w: source %q has no capability entry", ErrSourceRefused, source)
	}
	if !capability.SafeFor(g.isolationLevel) {
		return fmt.Errorf("%w: source %q is not safe at isolation level %d (%s)",
			ErrSourceRefused, source, g.isolationLevel, g.isolationLevel)
	}
	if capability.TimestampSupport == domain.TimestampsNone && g.isolationLevel >= domain.IsolationStrict {
		return fmt.Errorf("%w: source %q has no timestamps and cannot be cutoff-filtered",
			ErrSourceRefused, source)
	}
	return nil
}

// FilterDataset returns the records whose timeField is at or before the
// cutoff plus the count of removals. The input slice is never mutated.
// Records with a missing or unparseable time field are removed under an
// enabled guard: unknown age is treated as too new.
func (g *Guard) FilterDataset(records []Record, timeField string) ([]Record, int, error) {
	if g == nil {
		return nil, 0, errors.New("guard not initialized")
	}
	if !g.enabled || g.cutoff.IsZero() {
		out := make([]Record, len(records))
		copy(out, records)
		return out, 0, nil
	}

	kept := make([]Record, 0, len(records))
	removed := 0
	for _, record := range records {
		ts, err := record.Time(timeField)
		if err != nil || ts.After(g.cutoff) {
			removed++
			continue
		}
		kept = append(kept, record)
	}
	return kept, removed, nil
}

// VerifySources preflights every source against the capability registry
// before a run touches data. Each decision is recorded; the first refusal
// aborts the check.
func (g *Guard) VerifySources(ctx context.Context, sources []string) error {
	if g == nil {
		return errors.New("guard not initialized")
	}
	if !g.enabled {
		return nil
	}
	for _, source := range sources {
		if err := g.CheckSource(source); err != nil {
			g.record(ctx, time.Time{}, "source_preflight", source, false, "source_refused")
			return err
		}
		g.record(ctx, time.Time{}, "source_preflight", source, true, "source_allowed")
	}
	return nil
}

func (g *Guard) record(ctx context.Context, dataTime time.Time, dataType, source string, allowed bool, reason string) {
	if g.recorder == nil {
		return
	}
	// Recording failures must not mask the access decision; the attempt
	// recorder is itself audited at the store layer.
	_ = g.recorder.RecordAttempt(ctx, Attempt{
		Timestamp:     g.now(),
		RunID:         g.runID,
		DataType:      dataType,
		Source:        source,
		RequestedTime: dataTime.UTC(),
		CutoffTime:    g.cutoff,
		Allowed:       allowed,
		Reason:        reason,
	})
}

// Record is one external-data row passing through the guard.
type Record map[string]any

// Time extracts the named field as a timestamp. Accepts time.Time values
// and RFC 3339 strings.
func (r Record) Time(field string) (time.Time, error) {
	raw, ok := r[field]
	if !ok {
		return time.Time{}, fmt.Errorf("record missing time field %q", field)
	}
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time field %q: %w", field, err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("time field %q has unsupported type %T", field, raw)
	}
}
