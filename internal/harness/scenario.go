package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/qtinav/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario starts one delivery execution of a compiled test map, drives
// it through a flow of candidate requests and asserts on the per-step
// outcomes and the final test context.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE files or directories holding testmap and item
	// definitions. Paths are relative to the scenario file location.
	Specs []string `yaml:"specs"`

	// TestMap is the id of the compiled test map to deliver.
	TestMap string `yaml:"test_map"`

	// ExecutionID is the delivery execution id. Defaults to DefaultExecutionID
	// so traces are deterministic.
	ExecutionID string `yaml:"execution_id,omitempty"`

	// Offline also runs the flow through the offline jump table, requires
	// every step to match the online outcome, then synchronises the queued
	// actions to a fresh server and requires the same final context there.
	Offline bool `yaml:"offline,omitempty"`

	// Flow contains the candidate requests, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and the final context.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultExecutionID is used when a scenario does not name one.
const DefaultExecutionID = "exec-1"

// Flow step actions.
const (
	ActionNavigate = "navigate"
	ActionExit     = "exit"
	ActionSuspend  = "suspend"
	ActionResume   = "resume"
	ActionPause    = "pause"
	ActionComment  = "comment"
	ActionFlag     = "flag"
)

// FlowStep is one candidate (or proctor) request.
type FlowStep struct {
	// Action is one of navigate, exit, suspend, resume, pause, comment, flag.
	// pause is the administrative pause and has no offline equivalent.
	Action string `yaml:"action"`

	// Direction, Scope and Target parameterise navigate.
	Direction string `yaml:"direction,omitempty"`
	Scope     string `yaml:"scope,omitempty"`
	Target    string `yaml:"target,omitempty"`

	// Responses maps response identifiers of the current item to values.
	Responses map[string]interface{} `yaml:"responses,omitempty"`

	// Comment is the text for comment.
	Comment string `yaml:"comment,omitempty"`

	// Flagged is the flag value for flag.
	Flagged *bool `yaml:"flagged,omitempty"`

	// Expect checks the step outcome. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of one step.
type ExpectClause struct {
	// Error is the expected error code. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Item is the expected item session id ("Q3.0") or item identifier ("Q3").
	Item string `yaml:"item,omitempty"`

	// State is the expected test session state.
	State string `yaml:"state,omitempty"`

	// Position is the expected route position.
	Position *int `yaml:"position,omitempty"`
}

// Assertion validates the trace or the final context.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_context": subset match on the final TestContext JSON
	// - "visited": item session ids entered by successful steps, in order
	// - "trace_count": a step action occurs exactly N times (optionally with an outcome)
	// - "audit_count": the server audit log holds exactly N records of a kind
	Type string `yaml:"type"`

	// Expect contains expected field values (used by final_context).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Items is the expected visit order (used by visited).
	Items []string `yaml:"items,omitempty"`

	// Action and Outcome filter trace_count. Outcome is "ok" or an error code.
	Action  string `yaml:"action,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Kind is the audit record kind (used by audit_count).
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalContext = "final_context"
	AssertVisited      = "visited"
	AssertTraceCount   = "trace_count"
	AssertAuditCount   = "audit_count"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving spec paths relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, specPath := range scenario.Specs {
		if !filepath.IsAbs(specPath) && basePath != "" {
			scenario.Specs[i] = filepath.Join(basePath, specPath)
		}
	}
	if scenario.ExecutionID == "" {
		scenario.ExecutionID = DefaultExecutionID
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Specs) == 0 {
		return fmt.Errorf("specs list is required and must be non-empty")
	}
	if s.TestMap == "" {
		return fmt.Errorf("test_map is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for _, specPath := range s.Specs {
		if _, err := os.Stat(specPath); os.IsNotExist(err) {
			return fmt.Errorf("spec path not found: %s", specPath)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step, s.Offline); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *FlowStep, offline bool) error {
	switch step.Action {
	case ActionNavigate:
		if !ir.Direction(step.Direction).Valid() {
			return fmt.Errorf("flow[%d]: invalid direction %q", index, step.Direction)
		}
		if step.Scope != "" && !ir.Scope(step.Scope).Valid() {
			return fmt.Errorf("flow[%d]: invalid scope %q", index, step.Scope)
		}
		if _, err := ir.RecordFromMap(step.Responses); err != nil {
			return fmt.Errorf("flow[%d]: responses: %w", index, err)
		}
	case ActionFlag:
		if step.Flagged == nil {
			return fmt.Errorf("flow[%d]: flagged is required for flag", index)
		}
	case ActionPause:
		if offline {
			return fmt.Errorf("flow[%d]: pause is a proctor action and cannot run offline", index)
		}
	case ActionExit, ActionSuspend, ActionResume, ActionComment:
	case "":
		return fmt.Errorf("flow[%d]: action is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown action %q", index, step.Action)
	}
	if step.Action != ActionNavigate && (step.Direction != "" || step.Target != "" || step.Responses != nil) {
		return fmt.Errorf("flow[%d]: direction, target and responses only apply to navigate", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalContext:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_context", index)
		}
	case AssertVisited:
		if len(a.Items) == 0 {
			return fmt.Errorf("assertions[%d]: items list is required for visited", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertAuditCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for audit_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
