package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenario writes a scenario file next to a placeholder spec named
// spec.cue and returns its path.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spec.cue"), []byte("package x\n"), 0644))
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalScenario = `
name: minimal
description: "One step"
specs: [spec.cue]
test_map: branching
flow:
  - action: exit
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: test_scenario
description: "Test scenario for validation"
specs:
  - spec.cue
test_map: branching
flow:
  - action: navigate
    direction: next
    responses:
      RESPONSE: a
    expect:
      item: Q3
      position: 2
  - action: flag
    flagged: true
assertions:
  - type: visited
    items: [Q1.0, Q3.0]
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "branching", scenario.TestMap)
	assert.Equal(t, DefaultExecutionID, scenario.ExecutionID)
	assert.False(t, scenario.Offline)
	require.Len(t, scenario.Specs, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "spec.cue"), scenario.Specs[0])

	require.Len(t, scenario.Flow, 2)
	step := scenario.Flow[0]
	assert.Equal(t, ActionNavigate, step.Action)
	assert.Equal(t, "next", step.Direction)
	assert.Equal(t, "a", step.Responses["RESPONSE"])
	require.NotNil(t, step.Expect)
	assert.Equal(t, "Q3", step.Expect.Item)
	require.NotNil(t, step.Expect.Position)
	assert.Equal(t, 2, *step.Expect.Position)

	require.NotNil(t, scenario.Flow[1].Flagged)
	assert.True(t, *scenario.Flow[1].Flagged)

	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, []string{"Q1.0", "Q3.0"}, scenario.Assertions[0].Items)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_ExplicitExecutionID(t *testing.T) {
	path := writeScenario(t, minimalScenario+"execution_id: delivery-42\n")
	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "delivery-42", scenario.ExecutionID)
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	path := writeScenario(t, "name: [unterminated\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_UnknownFieldsRejected(t *testing.T) {
	path := writeScenario(t, minimalScenario+"flow_token: abc\n")
	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow_token")
}

func TestLoadScenario_InvalidScenarios(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing name",
			content: "description: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: exit}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			content: "name: n\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: exit}]\n",
			wantErr: "description is required",
		},
		{
			name:    "missing specs",
			content: "name: n\ndescription: d\ntest_map: m\nflow: [{action: exit}]\n",
			wantErr: "specs list is required",
		},
		{
			name:    "missing test map",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\nflow: [{action: exit}]\n",
			wantErr: "test_map is required",
		},
		{
			name:    "missing flow",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\n",
			wantErr: "flow list is required",
		},
		{
			name:    "spec not found",
			content: "name: n\ndescription: d\nspecs: [missing.cue]\ntest_map: m\nflow: [{action: exit}]\n",
			wantErr: "spec path not found",
		},
		{
			name:    "missing action",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{comment: hi}]\n",
			wantErr: "flow[0]: action is required",
		},
		{
			name:    "unknown action",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: teleport}]\n",
			wantErr: `unknown action "teleport"`,
		},
		{
			name:    "invalid direction",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: navigate, direction: sideways}]\n",
			wantErr: `invalid direction "sideways"`,
		},
		{
			name:    "invalid scope",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: navigate, direction: next, scope: chapter}]\n",
			wantErr: `invalid scope "chapter"`,
		},
		{
			name:    "float response",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: navigate, direction: next, responses: {SCORE: 1.5}}]\n",
			wantErr: "floats are not allowed",
		},
		{
			name:    "flag without value",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: flag}]\n",
			wantErr: "flagged is required",
		},
		{
			name:    "direction on exit",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\nflow: [{action: exit, direction: next}]\n",
			wantErr: "only apply to navigate",
		},
		{
			name:    "pause offline",
			content: "name: n\ndescription: d\nspecs: [spec.cue]\ntest_map: m\noffline: true\nflow: [{action: pause}]\n",
			wantErr: "cannot run offline",
		},
		{
			name:    "assertion without type",
			content: minimalScenario + "assertions: [{count: 1}]\n",
			wantErr: "assertions[0]: type is required",
		},
		{
			name:    "unknown assertion type",
			content: minimalScenario + "assertions: [{type: trace_contains}]\n",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "final_context without expect",
			content: minimalScenario + "assertions: [{type: final_context}]\n",
			wantErr: "expect is required",
		},
		{
			name:    "visited without items",
			content: minimalScenario + "assertions: [{type: visited}]\n",
			wantErr: "items list is required",
		},
		{
			name:    "trace_count without action",
			content: minimalScenario + "assertions: [{type: trace_count, count: 1}]\n",
			wantErr: "action is required",
		},
		{
			name:    "trace_count negative",
			content: minimalScenario + "assertions: [{type: trace_count, action: exit, count: -1}]\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "audit_count without kind",
			content: minimalScenario + "assertions: [{type: audit_count, count: 1}]\n",
			wantErr: "kind is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenario_TraceCountZeroAllowed(t *testing.T) {
	path := writeScenario(t, minimalScenario+"assertions: [{type: trace_count, action: navigate, count: 0}]\n")
	scenario, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 0, scenario.Assertions[0].Count)
}

func TestLoadScenarioWithBasePath(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "spec.cue"), []byte("package x\n"), 0644))

	other := t.TempDir()
	path := filepath.Join(other, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenarioWithBasePath(path, base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "spec.cue"), scenario.Specs[0])

	_, err = LoadScenario(path)
	assert.ErrorContains(t, err, "spec path not found")
}

func TestLoadScenarioWithBasePath_AbsoluteSpecPath(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "abs.cue")
	require.NoError(t, os.WriteFile(spec, []byte("package x\n"), 0644))

	content := "name: n\ndescription: d\nspecs: [" + spec + "]\ntest_map: m\nflow: [{action: exit}]\n"
	scenario, err := ParseScenario([]byte(content), "/somewhere/else")
	require.NoError(t, err)
	assert.Equal(t, spec, scenario.Specs[0])
}

func TestAssertionConstants(t *testing.T) {
	assert.Equal(t, "final_context", AssertFinalContext)
	assert.Equal(t, "visited", AssertVisited)
	assert.Equal(t, "trace_count", AssertTraceCount)
	assert.Equal(t, "audit_count", AssertAuditCount)
}

func TestLoadExampleScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, scenario.Flow)
			assert.NotEmpty(t, scenario.Assertions)
		})
	}
}
