package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/qtinav/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	ExecutionID  string       `json:"execution_id"`
	Trace        []TraceEvent `json:"trace"`
	Final        TraceEvent   `json:"final"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// ir.MarshalCanonical only handles IR values and JSON primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		traceList[i] = eventMap(event)
	}
	final := eventMap(s.Final)
	delete(final, "step")
	delete(final, "action")
	delete(final, "outcome")

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"execution_id":  s.ExecutionID,
		"trace":         traceList,
		"final":         final,
	}
}

func eventMap(event TraceEvent) map[string]any {
	m := map[string]any{
		"step":     event.Step,
		"action":   event.Action,
		"outcome":  event.Outcome,
		"position": event.Pos,
		"version":  event.Version,
	}
	if event.Args != nil {
		m["args"] = event.Args
	}
	if event.Item != "" {
		m["item"] = event.Item
	}
	if event.State != "" {
		m["state"] = event.State
	}
	return m
}

// Snapshot builds the trace snapshot of a result.
func Snapshot(scenario *Scenario, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: scenario.Name,
		ExecutionID:  scenario.ExecutionID,
		Trace:        result.Trace,
		Final: TraceEvent{
			Item:    result.Final.ItemSessionID,
			State:   string(result.Final.State),
			Pos:     result.Final.Position,
			Version: result.Final.Version,
		},
	}
}

// MarshalSnapshot renders a snapshot as canonical JSON.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, WithWorkDir(t.TempDir()))
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(Snapshot(scenario, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
