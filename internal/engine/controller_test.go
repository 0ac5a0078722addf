package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/store"
	"github.com/roach88/qtinav/internal/testutil"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestController(t *testing.T, tm *ir.TestMap, items []*ir.ItemDefinition, opts ...Option) *Controller {
	t.Helper()
	ctx := context.Background()
	s := setupTestStore(t)
	_, err := s.PutTestMap(ctx, tm)
	require.NoError(t, err)
	for _, def := range items {
		require.NoError(t, s.PutItem(ctx, def))
	}
	maps, err := itemstore.NewMaps(4, s, nil)
	require.NoError(t, err)
	cache, err := itemstore.New(16, s)
	require.NoError(t, err)
	return NewController(s, maps, cache, opts...)
}

type recordedRequest struct {
	kind, outcome string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (r *fakeRecorder) ObserveRequest(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recordedRequest{kind, outcome})
}

func TestControllerBranchScenario(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		answer string
		want   string
		branch string
	}{
		{"b", "Q3", "Q3"},
		{"z", "Q2", ""},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems())

			tc, err := c.Start(ctx, "exec-1", "branching")
			require.NoError(t, err)
			assert.Equal(t, "Q1", tc.ItemIdentifier)

			tc, err = c.Navigate(ctx, "exec-1", next(tt.answer))
			require.NoError(t, err)
			assert.Equal(t, tt.want, tc.ItemIdentifier)
			assert.Equal(t, int64(2), tc.Version)

			trace, err := c.Store().ReadTrace(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, trace, 2)
			assert.Equal(t, KindStart, trace[0].Kind)
			assert.Equal(t, KindNavigate, trace[1].Kind)
			assert.Equal(t, tt.branch, trace[1].Branch)
			assert.Equal(t, 0, trace[1].From)

			got, ok, err := response.NewPersistent(c.Store().ResponseKV("exec-1")).GetResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ir.String(tt.answer), got)
		})
	}
}

func TestControllerBlockedRequestChangesNothing(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems())
	_, err := c.Start(ctx, "exec-1", "branching")
	require.NoError(t, err)
	_, err = c.Pause(ctx, "exec-1")
	require.NoError(t, err)

	before, err := c.Session(ctx, "exec-1")
	require.NoError(t, err)

	_, err = c.Navigate(ctx, "exec-1", next("b"))
	require.Error(t, err)
	assert.True(t, ir.IsSessionPaused(err))

	after, err := c.Session(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, ok, err := c.Store().ResponseKV("exec-1").Get(ctx, response.BucketResponse, "Q1.RESPONSE")
	require.NoError(t, err)
	assert.False(t, ok, "responses of a rejected request are discarded")

	tc, err := c.Resume(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, tc.Paused)

	tc, err = c.Navigate(ctx, "exec-1", next("b"))
	require.NoError(t, err)
	assert.Equal(t, "Q3", tc.ItemIdentifier)
}

func TestControllerSuspendBlocksUntilResume(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.MixedMap(), testutil.MixedItems())
	_, err := c.Start(ctx, "exec-1", "mixed")
	require.NoError(t, err)

	tc, err := c.Suspend(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ir.TestSuspended, tc.State)
	assert.Equal(t, ir.ItemSuspended, tc.ItemState)

	_, err = c.Navigate(ctx, "exec-1", next("a"))
	assert.True(t, ir.IsSessionPaused(err))
	_, err = c.Flag(ctx, "exec-1", true)
	assert.True(t, ir.IsSessionPaused(err))

	tc, err = c.Resume(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ir.TestInteracting, tc.State)
	assert.Equal(t, ir.ItemInteracting, tc.ItemState)
}

func TestControllerExitCommentFlag(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.MixedMap(), testutil.MixedItems())
	_, err := c.Start(ctx, "exec-1", "mixed")
	require.NoError(t, err)

	tc, err := c.Flag(ctx, "exec-1", true)
	require.NoError(t, err)
	assert.True(t, tc.Flagged)

	_, err = c.Comment(ctx, "exec-1", "hard one")
	require.NoError(t, err)

	tc, err = c.Exit(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ir.TestClosed, tc.State)
	assert.Equal(t, 6, tc.Position)

	sess, err := c.Session(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hard one"}, sess.Comments)
	assert.Equal(t, ir.ItemClosed, sess.Item("Q1.0").State)

	_, err = c.Navigate(ctx, "exec-1", next("a"))
	assert.True(t, ir.IsSessionClosed(err))

	trace, err := c.Store().ReadTrace(ctx, "exec-1")
	require.NoError(t, err)
	kinds := make([]string, len(trace))
	for i, r := range trace {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []string{KindStart, KindFlag, KindComment, KindExit}, kinds)
	assert.Equal(t, 6, trace[3].To)
}

func TestControllerItemWritesFollowItemMachine(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems())
	_, err := c.Start(ctx, "exec-1", "branching")
	require.NoError(t, err)

	_, err = c.StoreItemResponse(ctx, "exec-1", "Q1.0", "RESPONSE", ir.String("b"))
	require.NoError(t, err)
	got, ok, err := response.NewPersistent(c.Store().ResponseKV("exec-1")).GetResponse(ctx, ir.VariableID("Q1", "RESPONSE"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("b"), got)

	tc, err := c.Navigate(ctx, "exec-1", next("z"))
	require.NoError(t, err)
	assert.Equal(t, "Q2", tc.ItemIdentifier)

	tests := []struct {
		name      string
		submitted session.ItemSession
	}{
		{"closed item reopened", session.ItemSession{ID: "Q1.0", State: ir.ItemInteracting}},
		{"navigation-owned close", session.ItemSession{ID: "Q2.0", State: ir.ItemClosed}},
		{"responses on closed item", session.ItemSession{ID: "Q1.0", Responses: ir.Record{"RESPONSE": ir.String("a")}}},
		{"not on the route", session.ItemSession{ID: "BOGUS.7", State: ir.ItemInteracting}},
		{"not reached", session.ItemSession{ID: "Q3.0", State: ir.ItemInteracting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := c.Session(ctx, "exec-1")
			require.NoError(t, err)

			_, err = c.SubmitItemState(ctx, "exec-1", &tt.submitted)
			assert.True(t, ir.IsIllegalNavigation(err), "got %v", err)

			after, err := c.Session(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}

	_, err = c.StoreItemResponse(ctx, "exec-1", "Q1.0", "RESPONSE", ir.String("a"))
	assert.True(t, ir.IsIllegalNavigation(err), "got %v", err)

	// Feedback on the current item and review of a closed one are legal.
	tc, err = c.SubmitItemState(ctx, "exec-1", &session.ItemSession{ID: "Q2.0", State: ir.ItemModalFeedback})
	require.NoError(t, err)
	assert.Equal(t, ir.ItemModalFeedback, tc.ItemState)
	_, err = c.SubmitItemState(ctx, "exec-1", &session.ItemSession{ID: "Q2.0", State: ir.ItemInteracting, Flagged: true})
	require.NoError(t, err)
	_, err = c.SubmitItemState(ctx, "exec-1", &session.ItemSession{ID: "Q1.0", State: ir.ItemSolution})
	require.NoError(t, err)

	sess, err := c.Session(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ir.ItemSolution, sess.Item("Q1.0").State)
	assert.Equal(t, ir.String("z"), sess.Item("Q1.0").Responses["RESPONSE"])
	assert.True(t, sess.Item("Q2.0").Flagged)
	assert.Nil(t, sess.Item("BOGUS.7"))

	trace, err := c.Store().ReadTrace(ctx, "exec-1")
	require.NoError(t, err)
	kinds := make([]string, len(trace))
	for i, r := range trace {
		kinds[i] = r.Kind
	}
	assert.Equal(t, []string{KindStart, KindResponse, KindNavigate, KindItem, KindItem, KindItem}, kinds)
}

func TestControllerItemWritesRejectedWhenBlocked(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		block func(*Controller) error
		check func(error) bool
	}{
		{"paused", func(c *Controller) error { _, err := c.Pause(ctx, "exec-1"); return err }, ir.IsSessionPaused},
		{"suspended", func(c *Controller) error { _, err := c.Suspend(ctx, "exec-1"); return err }, ir.IsSessionPaused},
		{"closed", func(c *Controller) error { _, err := c.Exit(ctx, "exec-1"); return err }, ir.IsSessionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems())
			_, err := c.Start(ctx, "exec-1", "branching")
			require.NoError(t, err)
			_, err = c.Navigate(ctx, "exec-1", next("z"))
			require.NoError(t, err)
			require.NoError(t, tt.block(c))

			before, err := c.Session(ctx, "exec-1")
			require.NoError(t, err)

			_, err = c.StoreItemResponse(ctx, "exec-1", "Q1.0", "RESPONSE", ir.String("a"))
			assert.True(t, tt.check(err), "got %v", err)
			_, err = c.SubmitItemState(ctx, "exec-1", &session.ItemSession{ID: "Q1.0", State: ir.ItemInteracting})
			assert.True(t, tt.check(err), "got %v", err)
			_, err = c.SubmitItemState(ctx, "exec-1", &session.ItemSession{ID: "BOGUS.7", State: ir.ItemInteracting})
			assert.True(t, tt.check(err), "got %v", err)

			after, err := c.Session(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, ir.String("z"), after.Item("Q1.0").Responses["RESPONSE"])
			assert.Nil(t, after.Item("BOGUS.7"))
		})
	}
}

func TestControllerStartErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems()[:2])

	_, err := c.Start(ctx, "exec-1", "branching")
	assert.True(t, ir.IsItemNotFound(err), "got %v", err)

	_, err = c.Start(ctx, "exec-1", "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.Context(ctx, "exec-1")
	assert.True(t, ir.IsSessionNotFound(err))
}

func TestControllerStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems(),
		WithIDGenerator(NewFixedGenerator("gen-1", "gen-1")))

	tc, err := c.Start(ctx, "", "branching")
	require.NoError(t, err)
	assert.Equal(t, "gen-1", tc.ExecutionID)

	_, err = c.Start(ctx, "", "branching")
	assert.True(t, ir.IsSessionExists(err))
}

func TestControllerPhases(t *testing.T) {
	ctx := context.Background()
	phases := NewPhases()
	var mu sync.Mutex
	var events []string
	phases.On(PhaseBeforeMove, func(_ context.Context, ev PhaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "before:"+ev.Kind)
		if ev.Move != nil && ev.Move.To == 1 {
			return errors.New("Q2 is closed for maintenance")
		}
		return nil
	})
	phases.On(PhaseAfterMove, func(_ context.Context, ev PhaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		branch := ""
		if ev.Move != nil {
			branch = ev.Move.Branch
		}
		events = append(events, fmt.Sprintf("after:%s:%s:%s", ev.Kind, ev.Context.ItemIdentifier, branch))
		return nil
	})
	phases.On(PhaseOnError, func(_ context.Context, ev PhaseEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "error:"+ev.Kind)
		return nil
	})

	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems(), WithPhases(phases))
	_, err := c.Start(ctx, "exec-1", "branching")
	require.NoError(t, err)

	_, err = c.Navigate(ctx, "exec-1", next("z"))
	require.Error(t, err, "hook vetoes the move to Q2")

	tc, err := c.Navigate(ctx, "exec-1", next("a"))
	require.NoError(t, err)
	assert.Equal(t, "Q3", tc.ItemIdentifier)

	assert.Equal(t, []string{
		"after:start:Q1:",
		"before:navigate",
		"error:navigate",
		"before:navigate",
		"after:navigate:Q3:Q3",
	}, events)
}

func TestControllerStaleCommit(t *testing.T) {
	ctx := context.Background()
	phases := NewPhases()
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems(), WithPhases(phases))
	_, err := c.Start(ctx, "exec-1", "branching")
	require.NoError(t, err)

	// Another process writes between load and commit.
	maps, err := itemstore.NewMaps(4, c.Store(), nil)
	require.NoError(t, err)
	items, err := itemstore.New(16, c.Store())
	require.NoError(t, err)
	other := NewController(c.Store(), maps, items)
	phases.On(PhaseBeforeMove, func(ctx context.Context, ev PhaseEvent) error {
		_, err := other.StoreItemResponse(ctx, ev.ExecutionID, "Q1.0", "NOTE", ir.String("x"))
		return err
	})

	_, err = c.Navigate(ctx, "exec-1", next("b"))
	require.Error(t, err)
	assert.True(t, ir.IsStaleSession(err), "got %v", err)

	tc, err := c.Context(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "Q1", tc.ItemIdentifier)
}

func TestControllerSerializesPerExecution(t *testing.T) {
	ctx := context.Background()
	items := make([]ir.ItemRef, 10)
	defs := make([]*ir.ItemDefinition, 10)
	for i := range items {
		id := fmt.Sprintf("I%d", i)
		items[i] = ir.ItemRef{ID: id}
		defs[i] = testutil.Item(id, "a")
	}
	tm := &ir.TestMap{ID: "long", Parts: []ir.TestPart{{
		ID:             "P1",
		NavigationMode: ir.NavigationNonlinear,
		Sections:       []ir.Section{{ID: "S1", Items: items}},
	}}}
	c := newTestController(t, tm, defs)
	_, err := c.Start(ctx, "exec-1", "long")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 9)
	for range 9 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Navigate(ctx, "exec-1", next("a"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	tc, err := c.Context(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "I9", tc.ItemIdentifier)
	assert.Equal(t, int64(10), tc.Version)
}

func TestControllerRecordsReplayedAction(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	c := newTestController(t, testutil.BranchingMap(), testutil.BranchingItems(), WithRecorder(rec))
	_, err := c.Start(ctx, "exec-1", "branching")
	require.NoError(t, err)

	actx := WithAction(ctx, ActionRef{Sequence: 1, ID: "act-1", Type: "move"})
	tc, err := c.Navigate(actx, "exec-1", next("b"))
	require.NoError(t, err)

	applied, err := c.Store().LookupApplied(ctx, "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "act-1", applied.ActionID)
	var recorded ir.TestContext
	require.NoError(t, json.Unmarshal(applied.Result, &recorded))
	assert.Equal(t, tc, recorded)

	// The same sequence again is rejected and changes nothing.
	_, err = c.Navigate(actx, "exec-1", next("z"))
	require.ErrorIs(t, err, store.ErrActionApplied)
	now, err := c.Context(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, tc, now)

	assert.Equal(t, []recordedRequest{
		{KindStart, "ok"},
		{KindNavigate, "ok"},
		{KindNavigate, "duplicate"},
	}, rec.seen)
}
