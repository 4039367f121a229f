// Package queue loads the ordered unit queue from its YAML file. Any
// smarter reordering happens here, at enqueue time; the loop itself
// dispatches strictly FIFO.
package queue

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-batch-orchestrator/internal/domain"
)

// Queue is the ordered list of units a batch works through
type Queue struct {
	Units []domain.Unit `yaml:"units"`
}

// Load reads and validates a queue file
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading queue file: %w", err)
	}

	var q Queue
	if err := yaml.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parsing queue file: %w", err)
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate checks every unit and rejects duplicate ids
func (q *Queue) Validate() error {
	if len(q.Units) == 0 {
		return fmt.Errorf("queue is empty")
	}
	seen := make(map[string]bool, len(q.Units))
	for _, u := range q.Units {
		if err := u.Validate(); err != nil {
			return err
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate unit id %q", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}

// Len returns the number of queued units
func (q *Queue) Len() int {
	return len(q.Units)
}
