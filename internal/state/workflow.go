// Package state persists everything that crosses a continuation boundary:
// the per-workflow state file and the sqlite progress ledger.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrCorruptState marks a state file that cannot be parsed. Callers treat
// it identically to "no state": delete and fail open.
var ErrCorruptState = errors.New("corrupt workflow state")

// Workflow is the single active record for one workflow kind in one
// repository. Presence of its file on disk is the signal that work remains.
type Workflow struct {
	Active        int // 1 active, 0 finished; kept numeric for the well-formedness guard
	Iteration     int
	MaxIterations int
	TotalUnits    int
	InstallRoot   string
	OwnerPID      int
	SessionID     string
	QueueRef      string
	ProgressRef   string
	MergeMode     bool
	StartedAt     time.Time
}

// IsActive reports whether the batch is still running
func (w *Workflow) IsActive() bool {
	return w.Active == 1
}

// Marshal renders the flat key/value header plus a human-readable body the
// parser ignores
func (w *Workflow) Marshal() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "active: %d\n", w.Active)
	fmt.Fprintf(&b, "iteration: %d\n", w.Iteration)
	fmt.Fprintf(&b, "max_iterations: %d\n", w.MaxIterations)
	fmt.Fprintf(&b, "total_units: %d\n", w.TotalUnits)
	fmt.Fprintf(&b, "installation_root: %s\n", w.InstallRoot)
	fmt.Fprintf(&b, "owner_process_id: %d\n", w.OwnerPID)
	fmt.Fprintf(&b, "session_id: %s\n", w.SessionID)
	fmt.Fprintf(&b, "queue_ref: %s\n", w.QueueRef)
	fmt.Fprintf(&b, "progress_ref: %s\n", w.ProgressRef)
	fmt.Fprintf(&b, "merge_mode: %t\n", w.MergeMode)
	fmt.Fprintf(&b, "started_at: %s\n", w.StartedAt.UTC().Format(time.RFC3339))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Batch in progress: unit %d of %d. Delete this file to cancel.\n",
		w.Iteration, w.TotalUnits)
	return []byte(b.String())
}

// Unmarshal parses the flat header block, ignoring unknown keys and
// everything after the first blank line
func Unmarshal(data []byte) (*Workflow, error) {
	w := &Workflow{Active: -1, Iteration: -1, MaxIterations: -1, TotalUnits: -1, OwnerPID: -1}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrCorruptState, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch key {
		case "active":
			w.Active, err = parseBoundedInt(value, 0, 1)
		case "iteration":
			w.Iteration, err = parseBoundedInt(value, 0, 1<<30)
		case "max_iterations":
			w.MaxIterations, err = parseBoundedInt(value, 1, 1<<30)
		case "total_units":
			w.TotalUnits, err = parseBoundedInt(value, 1, 1<<30)
		case "installation_root":
			w.InstallRoot = value
		case "owner_process_id":
			w.OwnerPID, err = parseBoundedInt(value, 1, 1<<30)
		case "session_id":
			w.SessionID = value
		case "queue_ref":
			w.QueueRef = value
		case "progress_ref":
			w.ProgressRef = value
		case "merge_mode":
			w.MergeMode = value == "true"
		case "started_at":
			w.StartedAt, err = time.Parse(time.RFC3339, value)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrCorruptState, key, err)
		}
	}

	if missing := w.missingFields(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing fields %s", ErrCorruptState, strings.Join(missing, ", "))
	}
	return w, nil
}

func (w *Workflow) missingFields() []string {
	missing := map[string]bool{
		"active":            w.Active < 0,
		"iteration":         w.Iteration < 0,
		"max_iterations":    w.MaxIterations < 0,
		"total_units":       w.TotalUnits < 0,
		"installation_root": w.InstallRoot == "",
		"owner_process_id":  w.OwnerPID < 0,
		"progress_ref":      w.ProgressRef == "",
	}
	var names []string
	for name, isMissing := range missing {
		if isMissing {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func parseBoundedInt(s string, min, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, min, max)
	}
	return n, nil
}
