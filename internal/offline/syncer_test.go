package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/offline/localstore"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/syncsvc"
	"github.com/roach88/qtinav/internal/testutil"
)

func TestFlushReplaysQueueOnServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.MixedMap(), testutil.MixedItems())

	for _, answer := range []string{"a", "z", "a"} {
		_, err := f.table.Navigate(ctx, next(answer))
		require.NoError(t, err)
	}
	_, err := f.table.Flag(ctx, true)
	require.NoError(t, err)
	_, err = f.table.Comment(ctx, "ok")
	require.NoError(t, err)

	assert.Len(t, f.table.notify.signal, 1)

	syncer := NewSyncer(f.table, f.transport, WithBatchSize(2))
	rep, err := syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 5, Synced: 5}, rep)
	assert.Empty(t, f.table.notify.signal, "the flush served the pending wake-up")
	assert.Equal(t, []int{2, 2, 1}, f.transport.batchSizes())

	server, err := f.ctrl.Context(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, server, f.table.Context())
	assert.Equal(t, server.Version, f.table.ServerVersion())

	actions, err := f.local.Actions(ctx, execID)
	require.NoError(t, err)
	for _, a := range actions {
		assert.Equal(t, localstore.StatusSynced, a.Status, "sequence %d", a.Sequence)
		assert.NotEmpty(t, a.Result)
	}

	// Nothing left: a second flush sends nothing.
	rep, err = syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestFlushAdoptsServerSessionAfterRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.BranchingMap(), testutil.BranchingItems())

	// The server session moves on while the client is offline.
	_, err := f.ctrl.Exit(ctx, execID)
	require.NoError(t, err)

	_, err = f.table.Navigate(ctx, next("b"))
	require.NoError(t, err)
	_, err = f.table.Flag(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "Q3", f.table.Context().ItemIdentifier)

	rep, err := NewSyncer(f.table, f.transport).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Rejected)
	assert.True(t, rep.Adopted)

	server, err := f.ctrl.Context(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, ir.TestClosed, f.table.Context().State)
	assert.Equal(t, server, f.table.Context())

	actions, err := f.local.Actions(ctx, execID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, localstore.StatusRejected, actions[0].Status)
	assert.Equal(t, string(ir.ErrCodeSessionClosed), actions[0].ErrorCode)

	// The adopted session has no Q1 answer, so the local response store
	// must not either.
	_, ok, err := response.NewPersistent(f.local.KV(execID)).GetResponse(ctx, "Q1.RESPONSE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushStopsOnDeferral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.BranchingMap(), testutil.BranchingItems())

	_, err := f.ctrl.Pause(ctx, execID)
	require.NoError(t, err)

	_, err = f.table.Navigate(ctx, next("z"))
	require.NoError(t, err)
	_, err = f.table.Navigate(ctx, next("a"))
	require.NoError(t, err)

	syncer := NewSyncer(f.table, f.transport)
	rep, err := syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 2, Pending: 2}, rep)

	_, err = f.ctrl.Resume(ctx, execID)
	require.NoError(t, err)

	rep, err = syncer.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Synced)
	assert.Equal(t, 0, rep.Pending)

	server, err := f.ctrl.Context(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "Q3", server.ItemIdentifier)
	// The server applied pause and resume the client never saw.
	assert.True(t, rep.Adopted)
	assert.Equal(t, server, f.table.Context())
}

func TestFlushTransportFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.BranchingMap(), testutil.BranchingItems())

	_, err := f.table.Navigate(ctx, next("a"))
	require.NoError(t, err)

	f.transport.fail = errors.New("network down")
	_, err = NewSyncer(f.table, f.transport).Flush(ctx)
	require.ErrorContains(t, err, "network down")

	pending, err := f.table.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	f.transport.fail = nil
	rep, err := NewSyncer(f.table, f.transport).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
}

func TestFlushIsIdempotentAfterLostResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testutil.BranchingMap(), testutil.BranchingItems())

	_, err := f.table.Navigate(ctx, next("b"))
	require.NoError(t, err)

	// The server applies the batch but the reply is lost.
	pending, err := f.table.Pending(ctx)
	require.NoError(t, err)
	entries := make([]syncsvc.Entry, 0, len(pending))
	for _, q := range pending {
		e, err := syncsvc.EntryFor(q.PendingAction)
		require.NoError(t, err)
		entries = append(entries, e)
	}
	f.transport.svc.Process(ctx, execID, entries)

	rep, err := NewSyncer(f.table, f.transport).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1, Synced: 1}, rep)

	trace, err := f.ctrl.Store().ReadTrace(ctx, execID)
	require.NoError(t, err)
	assert.Len(t, trace, 2, "start and one move")
}

func TestRunFlushesOnNewActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, testutil.BranchingMap(), testutil.BranchingItems())
	syncer := NewSyncer(f.table, f.transport, WithInterval(time.Hour))

	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	_, err := f.table.Navigate(ctx, next("b"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		tc, err := f.ctrl.Context(context.Background(), execID)
		return err == nil && tc.ItemIdentifier == "Q3"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
