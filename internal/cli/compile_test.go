package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

func TestCompileText(t *testing.T) {
	out, err := execute(t, "compile", specsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 2 test map(s), 6 item(s)")
	assert.Contains(t, out, "branching: 1 part(s), 3 route position(s), 1 branch rule(s)")
	assert.Contains(t, out, "mixed: 2 part(s), 6 route position(s), 2 branch rule(s)")
}

func TestCompileWritesIR(t *testing.T) {
	output := filepath.Join(t.TempDir(), "ir.json")
	out, err := execute(t, "compile", specsDir, "-o", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote IR to "+output)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var result CompilationResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, ir.MapFormatVersion, result.Format)
	assert.Len(t, result.TestMaps, 2)
	assert.Len(t, result.Items, 6)
}

func TestCompilePublish(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "server.db")
	out, err := execute(t, "compile", specsDir, "--publish", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Published to the server database")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	tm, err := st.LoadTestMap(ctx, "mixed")
	require.NoError(t, err)
	assert.Len(t, tm.Parts, 2)

	def, err := st.LoadItem(ctx, "Q6")
	require.NoError(t, err)
	assert.Equal(t, "Q6", def.Title)
}

func TestCompilePublishRefusesInvalidSpecs(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "specs.cue", brokenBranchSpec)
	dbPath := filepath.Join(t.TempDir(), "server.db")
	_, err := execute(t, "compile", dir, "--publish", "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeInvalidSpecs)
}

func TestCompileJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "compile", specsDir)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   CompilationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data.TestMaps, 2)
}

func TestCompileMissingDirectory(t *testing.T) {
	_, err := execute(t, "compile", "/nonexistent/specs")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
