package domain

// UnitRef identifies the next unit to dispatch in a continue directive
type UnitRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Summary is the terminal rollup emitted when the queue is exhausted
type Summary struct {
	Total     int              `json:"total"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Records   []ProgressRecord `json:"-"`
}

// Directive is the single output of one continuation: continue with the
// next unit, produce a terminal summary, or (represented by a nil
// *Directive) nothing at all when a guard fails open.
type Directive struct {
	Action    DirectiveAction `json:"action"`
	Unit      *UnitRef        `json:"unit,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	MergeMode bool            `json:"merge_mode,omitempty"`
	Summary   *Summary        `json:"summary,omitempty"`
}

// ContinueDirective builds a continue directive for the next unit
func ContinueDirective(unit Unit, iteration int, mergeMode bool) *Directive {
	return &Directive{
		Action:    ActionContinue,
		Unit:      &UnitRef{ID: unit.ID, Path: unit.Path},
		Iteration: iteration,
		MergeMode: mergeMode,
	}
}

// SummaryDirective builds the terminal summary directive
func SummaryDirective(sum Summary) *Directive {
	return &Directive{Action: ActionSummary, Summary: &sum}
}
