package domain

// BranchClaim names a worker branch awaiting integration, gathered from a
// finished wave
type BranchClaim struct {
	Branch    string `json:"branch"`
	UnitID    string `json:"unit_id"`
	Workspace string `json:"workspace,omitempty"`
}

// UnitResult is the completion report from the opaque executor. The branch
// travels over two channels because the primary message can be truncated:
// the message field wins, then the metadata field, then any branch name
// discovered by pattern matching against the repository refs.
type UnitResult struct {
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Branch   string            `json:"branch,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// DiscoveredBranch is filled in by the caller from ref enumeration
	// when both structured channels came back empty
	DiscoveredBranch string `json:"-"`
}

// ResolveBranch applies the dual-channel precedence and returns the branch
// name, or empty when no channel carried one
func (r UnitResult) ResolveBranch() string {
	if r.Branch != "" {
		return r.Branch
	}
	if b := r.Metadata["branch"]; b != "" {
		return b
	}
	return r.DiscoveredBranch
}

// CheckinPayload is the structured input delivered by the host on each
// continuation event
type CheckinPayload struct {
	SessionID string        `json:"session_id,omitempty"`
	Result    UnitResult    `json:"result"`
	Workers   []BranchClaim `json:"workers,omitempty"`
}

// Failed reports whether the just-finished unit should be marked failed
func (p CheckinPayload) Failed() bool {
	return p.Result.Status == "failed"
}
