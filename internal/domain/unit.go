package domain

import (
	"fmt"
	"regexp"
	"time"
)

var unitIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Unit is one queued item of work executed opaquely by an external executor
type Unit struct {
	ID    string `yaml:"id"`
	Path  string `yaml:"path"`
	Title string `yaml:"title,omitempty"`
}

// Validate checks the unit id against the naming grammar
func (u Unit) Validate() error {
	if !unitIDRegex.MatchString(u.ID) {
		return fmt.Errorf("invalid unit id %q (expected lowercase alphanumeric with ._-)", u.ID)
	}
	if u.Path == "" {
		return fmt.Errorf("unit %s: path is required", u.ID)
	}
	return nil
}

// ValidUnitID reports whether s conforms to the unit id grammar
func ValidUnitID(s string) bool {
	return unitIDRegex.MatchString(s)
}

// ProgressRecord tracks one queued unit across continuations. Records are
// created when the queue is initialized and never deleted; they survive for
// the final summary and for resume.
type ProgressRecord struct {
	Position    int
	UnitID      string
	Path        string
	Status      UnitStatus
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	// ExecutionSessionID correlates the record back to the session that
	// dispatched it
	ExecutionSessionID string
}
