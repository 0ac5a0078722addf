package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/config"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/testutil"
)

var specsDir = filepath.Join("..", "compiler", "testdata", "assessment")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func next(answer string) engine.Request {
	return engine.Request{Direction: ir.DirectionNext, Scope: ir.ScopeItem, Params: testutil.Answer(answer)}
}

// newServerDB seeds a server database with the branching fixtures and returns
// its path together with a backend on it. The backend is closed by cleanup.
func newServerDB(t *testing.T) (string, *backend) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "server.db")

	be, err := openBackend(ctx, config.Default(), dbPath, quietLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	_, err = be.store.PutTestMap(ctx, testutil.BranchingMap())
	require.NoError(t, err)
	for _, def := range testutil.BranchingItems() {
		require.NoError(t, be.store.PutItem(ctx, def))
	}
	return dbPath, be
}

// runBranchingExecution delivers e1 on the branching map: a correct answer on
// Q1 branches to Q3, which is flagged and commented before the test ends.
func runBranchingExecution(t *testing.T, be *backend) {
	t.Helper()
	ctx := context.Background()
	_, err := be.ctrl.Start(ctx, "e1", "branching")
	require.NoError(t, err)
	tc, err := be.ctrl.Navigate(ctx, "e1", next("a"))
	require.NoError(t, err)
	require.Equal(t, "Q3", tc.ItemIdentifier)
	_, err = be.ctrl.Flag(ctx, "e1", true)
	require.NoError(t, err)
	_, err = be.ctrl.Comment(ctx, "e1", "looked fine")
	require.NoError(t, err)
	tc, err = be.ctrl.Navigate(ctx, "e1", next("a"))
	require.NoError(t, err)
	require.Equal(t, ir.TestClosed, tc.State)
}
