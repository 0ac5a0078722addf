package harness

import "github.com/roach88/qtinav/internal/ir"

// TraceEvent is the outcome of one flow step.
type TraceEvent struct {
	Step    int                    `json:"step"`
	Action  string                 `json:"action"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Outcome string                 `json:"outcome"` // "ok" or the error code
	Item    string                 `json:"item,omitempty"`
	State   string                 `json:"state,omitempty"`
	Pos     int                    `json:"position"`
	Version int64                  `json:"version"`
}

// OutcomeOK marks a step that succeeded.
const OutcomeOK = "ok"

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains one event per flow step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final is the online test context after the last step.
	Final ir.TestContext `json:"final"`

	// Offline holds the offline run when the scenario asked for one.
	Offline *OfflineResult `json:"offline,omitempty"`
}

// OfflineResult summarises the offline replay of a scenario.
type OfflineResult struct {
	Queued int            `json:"queued"`
	Synced int            `json:"synced"`
	Final  ir.TestContext `json:"final"`
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

// AddTrace records a step outcome.
func (r *Result) AddTrace(step int, action string, args map[string]interface{}, tc ir.TestContext, err error) {
	ev := TraceEvent{
		Step:    step,
		Action:  action,
		Args:    args,
		Outcome: outcomeOf(err),
		Item:    tc.ItemSessionID,
		State:   string(tc.State),
		Pos:     tc.Position,
		Version: tc.Version,
	}
	r.Trace = append(r.Trace, ev)
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := ir.CodeOf(err); code != "" {
		return string(code)
	}
	return string(ir.ErrCodeInternal)
}
