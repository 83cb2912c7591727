package sim

import (
	"fmt"
	"time"

	"github.com/populus-labs/populus-go/internal/platform/env"
)

// Config tunes the orchestrator's liveness and retry behavior.
type Config struct {
	// HeartbeatInterval is how often an executing worker refreshes the run's
	// heartbeat column.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a running run may go without a heartbeat
	// before the reclaimer declares the worker dead.
	HeartbeatTimeout time.Duration
	// MaxInfraRetries bounds redelivery of a run that failed on transient
	// infrastructure errors.
	MaxInfraRetries int
	// RetryBackoffBase is the first retry delay; each attempt doubles it.
	RetryBackoffBase time.Duration
	// ExecutionBudget caps wall-clock time for a single run's tick loop.
	ExecutionBudget time.Duration
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	var err error
	if cfg.HeartbeatInterval, err = env.Duration("POPULUS_SIM_HEARTBEAT_INTERVAL", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = env.Duration("POPULUS_SIM_HEARTBEAT_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxInfraRetries, err = env.Int("POPULUS_SIM_MAX_INFRA_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoffBase, err = env.Duration("POPULUS_SIM_RETRY_BACKOFF_BASE", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionBudget, err = env.Duration("POPULUS_SIM_EXECUTION_BUDGET", 30*time.Minute); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout must exceed the interval")
	}
	if c.MaxInfraRetries < 0 {
		return fmt.Errorf("max infra retries must be >= 0")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.ExecutionBudget <= 0 {
		return fmt.Errorf("execution budget must be positive")
	}
	return nil
}
