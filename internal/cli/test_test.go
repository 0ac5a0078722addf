package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scenariosDir = filepath.Join("..", "harness", "testdata", "scenarios")

func TestTestCommandUpdateThenCompare(t *testing.T) {
	golden := t.TempDir()

	out, err := execute(t, "test", scenariosDir, "--filter", "branching*", "--golden", golden, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ branching_correct (golden updated)")
	assert.FileExists(t, filepath.Join(golden, "branching_correct.golden"))
	assert.FileExists(t, filepath.Join(golden, "branching_incorrect.golden"))

	out, err = execute(t, "test", scenariosDir, "--filter", "branching*", "--golden", golden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "branching_correct.golden"), []byte("stale\n"), 0644))

	out, err := execute(t, "test", scenariosDir, "--filter", "branching_correct", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommandOfflineScenario(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", scenariosDir, "--filter", "mixed_offline", "--golden", t.TempDir())
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.True(t, resp.Data.Scenarios[0].Pass)
	assert.True(t, resp.Data.Scenarios[0].Offline)
}

func TestTestCommandNoScenarios(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandMissingDirectory(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFindScenarioFilesFilter(t *testing.T) {
	files, err := findScenarioFiles(scenariosDir, "mixed_*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	_, err = findScenarioFiles(scenariosDir, "[")
	require.Error(t, err)
}

func TestGoldenPath(t *testing.T) {
	opts := &TestOptions{}
	assert.Equal(t, filepath.Join("s", "golden", "a.golden"), opts.goldenPath(filepath.Join("s", "a.yaml")))

	opts.GoldenDir = "g"
	assert.Equal(t, filepath.Join("g", "a.golden"), opts.goldenPath(filepath.Join("s", "a.yaml")))
}
