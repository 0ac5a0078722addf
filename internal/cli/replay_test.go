package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath, _ := newServerDB(t)
	out, err := execute(t, "replay", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No executions found in database.")
}

func TestReplayDeterministic(t *testing.T) {
	dbPath, be := newServerDB(t)
	runBranchingExecution(t, be)

	out, err := execute(t, "replay", "--db", dbPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ e1 (test map branching): 5 request(s), 1 branch(es), ends closed at position 3")
	assert.Contains(t, out, "✓ 1 execution(s) replayed identically")
}

func TestReplaySuspendedExecutionJSON(t *testing.T) {
	ctx := context.Background()
	dbPath, be := newServerDB(t)
	_, err := be.ctrl.Start(ctx, "e2", "branching")
	require.NoError(t, err)
	_, err = be.ctrl.Navigate(ctx, "e2", next("wrong"))
	require.NoError(t, err)
	_, err = be.ctrl.Suspend(ctx, "e2")
	require.NoError(t, err)
	_, err = be.ctrl.Resume(ctx, "e2")
	require.NoError(t, err)
	_, err = be.ctrl.Pause(ctx, "e2")
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "replay", "--db", dbPath, "--exec", "e2")
	require.NoError(t, err, out)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Executions, 1)
	e := resp.Data.Executions[0]
	assert.Equal(t, 5, e.Requests)
	assert.Equal(t, 0, e.Branches)
	assert.Equal(t, 1, e.Position)
}

func TestReplayUnknownExecution(t *testing.T) {
	dbPath, _ := newServerDB(t)
	_, err := execute(t, "replay", "--db", dbPath, "--exec", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, ir.IsSessionNotFound(err))
}

func TestApplyRecordUnknownKind(t *testing.T) {
	_, be := newServerDB(t)
	err := applyRecord(context.Background(), be.ctrl, "e1", "branching", store.TraceRecord{Kind: "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestDiffTraces(t *testing.T) {
	want := []store.TraceRecord{
		{Seq: 1, Kind: engine.KindStart},
		{Seq: 2, Kind: engine.KindNavigate, From: 0, To: 2, Branch: "Q3"},
	}
	assert.Empty(t, diffTraces(want, want))

	got := []store.TraceRecord{
		{Seq: 1, Kind: engine.KindStart},
		{Seq: 2, Kind: engine.KindNavigate, From: 0, To: 1},
	}
	diffs := diffTraces(want, got)
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0], `branch "Q3"`)

	assert.Len(t, diffTraces(want, want[:1]), 1)
}

func TestDiffContextsIgnoresVersion(t *testing.T) {
	want := ir.TestContext{State: ir.TestInteracting, Position: 1, ItemSessionID: "Q2.0", Version: 7}
	got := want
	got.Version = 3
	assert.Empty(t, diffContexts(want, got))

	got.Position = 2
	got.ItemSessionID = "Q3.0"
	assert.Len(t, diffContexts(want, got), 2)
}
