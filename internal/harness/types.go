package harness

// Event types recorded in the trace.
const (
	EventAction  = "action"
	EventOutcome = "outcome"
)

// TraceEvent is one entry of a scenario trace. Every scenario step adds an
// action event followed by an outcome event.
type TraceEvent struct {
	Type   string `json:"type"` // "action" or "outcome"
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
	Seq    int64  `json:"seq"`

	// Outcome events only.
	Result    string `json:"result,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Synced    []int  `json:"synced,omitempty"`
	Conflicts []int  `json:"conflicts,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains the action and outcome of every step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddActionTrace adds an action event to the trace.
func (r *Result) AddActionTrace(action, detail string, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventAction,
		Action: action,
		Detail: detail,
		Seq:    seq,
	})
}

// AddOutcomeTrace adds an outcome event to the trace.
func (r *Result) AddOutcomeTrace(action string, o StepOutcome, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventOutcome,
		Action:    action,
		Seq:       seq,
		Result:    o.Result,
		Attempts:  o.Attempts,
		Synced:    o.Synced,
		Conflicts: o.Conflicts,
	})
}

// StepOutcome summarizes what one scenario step did.
type StepOutcome struct {
	Result    string
	Attempts  int
	Synced    []int
	Conflicts []int
}
