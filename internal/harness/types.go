package harness

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Detail any    `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as declared and every expect
	// clause matched.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace event.
func (r *Result) AddTrace(step int, action string, detail any) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Action: action, Detail: detail})
}
