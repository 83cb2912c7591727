package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampAvailability describes how reliably a source timestamps its
// records.
type TimestampAvailability string

const (
	TimestampsFull    TimestampAvailability = "full"
	TimestampsPartial TimestampAvailability = "partial"
	TimestampsNone    TimestampAvailability = "none"
)

func (a TimestampAvailability) Valid() bool {
	switch a {
	case TimestampsFull, TimestampsPartial, TimestampsNone:
		return true
	}
	return false
}

// SourceCapability is the registry entry for one external data source. The
// leakage guard refuses to route data from a source whose safe isolation
// levels exclude the project's configured level. Every change bumps
// PolicyVersion and leaves an audit trail.
type SourceCapability struct {
	Source              string
	TimestampSupport    TimestampAvailability
	SafeIsolationLevels []IsolationLevel
	PolicyVersion       int
	UpdatedAt           time.Time
	UpdatedBy           string
}

func (c SourceCapability) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("source name is required")
	}
	if !c.TimestampSupport.Valid() {
		return fmt.Errorf("unsupported timestamp availability: %q", c.TimestampSupport)
	}
	if len(c.SafeIsolationLevels) == 0 {
		return errors.New("at least one safe isolation level is required")
	}
	for _, level := range c.SafeIsolationLevels {
		if !level.Valid() {
			return fmt.Errorf("unsupported isolation level: %d", level)
		}
	}
	if c.PolicyVersion < 1 {
		return errors.New("policy version must be >= 1")
	}
	return nil
}

// SafeFor reports whether the source may serve a project at the given
// isolation level.
func (c SourceCapability) SafeFor(level IsolationLevel) bool {
	for _, safe := range c.SafeIsolationLevels {
		if safe == level {
			return true
		}
	}
	return false
}
