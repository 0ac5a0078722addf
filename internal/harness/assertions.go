package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s at %s\n", event.Step, event.Action, event.Outcome, event.Item)
		}
	}

	return buf.String()
}

// assertFinalContext checks the final context against the expected fields
// (subset match on the JSON form). Fields omitted from the JSON because
// they hold their zero value match an expected zero value.
func assertFinalContext(final ir.TestContext, trace []TraceEvent, assertion Assertion) error {
	actual, err := contextRecord(final)
	if err != nil {
		return err
	}

	var mismatches []string
	for _, key := range sortedKeys(assertion.Expect) {
		want, err := ir.FromAny(assertion.Expect[key])
		if err != nil {
			return fmt.Errorf("final_context: expect.%s: %w", key, err)
		}
		got, ok := actual[key]
		if !ok {
			if isZero(want) {
				continue
			}
			mismatches = append(mismatches, fmt.Sprintf("%s missing (want %s)", key, render(want)))
			continue
		}
		if !ir.Equal(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s = %s (want %s)", key, render(got), render(want)))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalContext,
		Expected: fmt.Sprintf("%v", assertion.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Trace:    trace,
	}
}

// assertVisited checks the sequence of item sessions entered by successful
// steps. Steps that stay on the same item (flag, comment) do not repeat it.
func assertVisited(start string, trace []TraceEvent, assertion Assertion) error {
	visited := []string{}
	last := ""
	if start != "" {
		visited = append(visited, start)
		last = start
	}
	for _, ev := range trace {
		if ev.Outcome != OutcomeOK || ev.Item == "" || ev.Item == last {
			continue
		}
		visited = append(visited, ev.Item)
		last = ev.Item
	}

	if strings.Join(visited, ",") == strings.Join(assertion.Items, ",") {
		return nil
	}
	return &AssertionError{
		Type:     AssertVisited,
		Expected: strings.Join(assertion.Items, " → "),
		Actual:   strings.Join(visited, " → "),
		Trace:    trace,
	}
}

// assertTraceCount checks that an action appears exactly N times,
// optionally restricted to one outcome.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Action != assertion.Action {
			continue
		}
		if assertion.Outcome != "" && ev.Outcome != assertion.Outcome {
			continue
		}
		count++
	}
	if count == assertion.Count {
		return nil
	}

	what := assertion.Action
	if assertion.Outcome != "" {
		what += " (" + assertion.Outcome + ")"
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s exactly %d times", what, assertion.Count),
		Actual:   fmt.Sprintf("found %d times", count),
		Trace:    trace,
	}
}

// assertAuditCount checks the server audit log of the execution.
func assertAuditCount(ctx context.Context, st *store.Store, executionID string, assertion Assertion) error {
	records, err := st.ReadTrace(ctx, executionID)
	if err != nil {
		return fmt.Errorf("audit_count: %w", err)
	}
	count := 0
	for _, r := range records {
		if r.Kind == assertion.Kind {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertAuditCount,
		Expected: fmt.Sprintf("%d %q audit records", assertion.Count, assertion.Kind),
		Actual:   fmt.Sprintf("found %d", count),
	}
}

func contextRecord(tc ir.TestContext) (ir.Record, error) {
	data, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("final_context: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("final_context: %w", err)
	}
	return ir.RecordFromMap(raw)
}

func isZero(v ir.Value) bool {
	switch val := v.(type) {
	case ir.Null:
		return true
	case ir.String:
		return val == ""
	case ir.Int:
		return val == 0
	case ir.Bool:
		return !bool(val)
	case ir.List:
		return len(val) == 0
	}
	return false
}

func render(v ir.Value) string {
	b, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx         context.Context
	Store       *store.Store
	ExecutionID string
	// Start is the item session entered by Start, the first visited item.
	Start string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for audit_count assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalContext:
			err = assertFinalContext(result.Final, result.Trace, assertion)
		case AssertVisited:
			start := ""
			if actx != nil {
				start = actx.Start
			}
			err = assertVisited(start, result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertAuditCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: audit_count requires database context", i)
			} else {
				err = assertAuditCount(actx.Ctx, actx.Store, actx.ExecutionID, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
