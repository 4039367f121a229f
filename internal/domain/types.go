package domain

// UnitStatus represents the lifecycle state of a queued work unit
type UnitStatus string

const (
	StatusPending    UnitStatus = "pending"
	StatusInProgress UnitStatus = "in_progress"
	StatusCompleted  UnitStatus = "completed"
	StatusFailed     UnitStatus = "failed"
)

// statusRank orders statuses along the lifecycle; transitions may only
// move to a strictly higher rank
var statusRank = map[UnitStatus]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
}

// IsValidTransition reports whether a progress record may move from one
// status to another. Transitions are monotonic and never regress.
func IsValidTransition(from, to UnitStatus) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// IsTerminal returns true once a unit can no longer change status
func (s UnitStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DirectiveAction identifies the kind of directive emitted per continuation
type DirectiveAction string

const (
	ActionContinue DirectiveAction = "continue"
	ActionSummary  DirectiveAction = "summary"
)
