package domain

import "time"

// Metadata is an unstructured metadata container for domain entities.
type Metadata map[string]any

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Base holds common fields shared by tenant-scoped entities.
type Base struct {
	ID        string
	TenantID  string
	CreatedAt time.Time
	CreatedBy string
	Metadata  Metadata
}

// TemporalMode distinguishes live simulations from backtests.
type TemporalMode string

const (
	TemporalModeLive     TemporalMode = "live"
	TemporalModeBacktest TemporalMode = "backtest"
)

// IsolationLevel is the numeric temporal-isolation contract persisted on
// projects and consulted by the leakage guard. The numeric values are part
// of the wire contract and must not change.
type IsolationLevel int

const (
	IsolationBasic      IsolationLevel = 1
	IsolationStrict     IsolationLevel = 2
	IsolationAuditFirst IsolationLevel = 3
)

func (l IsolationLevel) Valid() bool {
	return l == IsolationBasic || l == IsolationStrict || l == IsolationAuditFirst
}

func (l IsolationLevel) String() string {
	switch l {
	case IsolationBasic:
		return "basic"
	case IsolationStrict:
		return "strict"
	case IsolationAuditFirst:
		return "audit_first"
	default:
		return "unknown"
	}
}
