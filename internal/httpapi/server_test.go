package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/metrics"
	"github.com/roach88/qtinav/internal/offline"
	"github.com/roach88/qtinav/internal/offline/localstore"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/store"
	"github.com/roach88/qtinav/internal/syncsvc"
	"github.com/roach88/qtinav/internal/testutil"
)

type testServer struct {
	*httptest.Server
	ctrl *engine.Controller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, tm := range []*ir.TestMap{testutil.BranchingMap(), testutil.MixedMap()} {
		_, err := s.PutTestMap(ctx, tm)
		require.NoError(t, err)
	}
	for _, def := range testutil.MixedItems() {
		require.NoError(t, s.PutItem(ctx, def))
	}
	// Branching Q1 accepts "b" too.
	require.NoError(t, s.PutItem(ctx, testutil.BranchingItems()[0]))

	col := metrics.New()
	maps, err := itemstore.NewMaps(4, s, col)
	require.NoError(t, err)
	items, err := itemstore.New(16, s, itemstore.WithObserver(col))
	require.NoError(t, err)
	ctrl := engine.NewController(s, maps, items, engine.WithRecorder(col))
	svc := syncsvc.New(ctrl, s, syncsvc.WithRecorder(col))

	ts := httptest.NewServer(New(ctrl, svc, WithMetrics(col.Handler())).Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, ctrl: ctrl}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeContext(t *testing.T, raw []byte) ir.TestContext {
	t.Helper()
	var tc ir.TestContext
	require.NoError(t, json.Unmarshal(raw, &tc), string(raw))
	return tc
}

func decodeError(t *testing.T, raw []byte) ir.Error {
	t.Helper()
	var e ir.Error
	require.NoError(t, json.Unmarshal(raw, &e), string(raw))
	return e
}

func next(answer string) engine.Request {
	return engine.Request{Direction: ir.DirectionNext, Scope: ir.ScopeItem, Params: testutil.Answer(answer)}
}

func TestStartNavigateContext(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.Equal(t, "Q1", decodeContext(t, body).ItemIdentifier)

	code, body = ts.do(t, http.MethodPost, "/executions/e1/navigate", next("b"))
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, "Q3", decodeContext(t, body).ItemIdentifier)

	code, body = ts.do(t, http.MethodGet, "/executions/e1/context", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Q3", decodeContext(t, body).ItemIdentifier)

	code, body = ts.do(t, http.MethodGet, "/executions/e1/session", nil)
	require.Equal(t, http.StatusOK, code)
	var sess session.TestSession
	require.NoError(t, json.Unmarshal(body, &sess))
	assert.Equal(t, int64(2), sess.Version)
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})
	require.Equal(t, http.StatusCreated, code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   ir.ErrorCode
	}{
		{"unknown execution", http.MethodGet, "/executions/nope/context", nil, http.StatusNotFound, ir.ErrCodeSessionNotFound},
		{"illegal move", http.MethodPost, "/executions/e1/navigate",
			engine.Request{Direction: ir.DirectionPrevious, Scope: ir.ScopeItem}, http.StatusUnprocessableEntity, ir.ErrCodeIllegalNavigation},
		{"start twice", http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"},
			http.StatusConflict, ir.ErrCodeSessionExists},
		{"malformed body", http.MethodPost, "/executions/e1/navigate", `{"direction":`, http.StatusBadRequest, "BAD_REQUEST"},
		{"unknown field", http.MethodPost, "/executions/e1/navigate", `{"direction":"next","bogus":1}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"missing map id", http.MethodPost, "/executions", `{}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"flag without value", http.MethodPost, "/executions/e1/flag", `{}`, http.StatusBadRequest, "BAD_REQUEST"},
		{"empty comment", http.MethodPost, "/executions/e1/comment", map[string]string{"comment": ""},
			http.StatusUnprocessableEntity, ir.ErrCodeInvalidActionPayload},
		{"missing item", http.MethodGet, "/executions/e1/items/Q9.0", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code, string(body))
			assert.Equal(t, tt.code, decodeError(t, body).Code)
		})
	}
}

func TestPauseBlocksNavigation(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})

	code, body := ts.do(t, http.MethodPost, "/executions/e1/pause", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decodeContext(t, body).Paused)

	code, body = ts.do(t, http.MethodPost, "/executions/e1/navigate", next("a"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, ir.ErrCodeSessionPaused, decodeError(t, body).Code)

	code, _ = ts.do(t, http.MethodPost, "/executions/e1/resume", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPost, "/executions/e1/navigate", next("a"))
	assert.Equal(t, http.StatusOK, code)
}

func TestCommentFlagExit(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})

	code, body := ts.do(t, http.MethodPost, "/executions/e1/flag", map[string]bool{"flagged": true})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decodeContext(t, body).Flagged)

	code, _ = ts.do(t, http.MethodPost, "/executions/e1/comment", map[string]string{"comment": "unclear wording"})
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/executions/e1/exit", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, ir.TestClosed, decodeContext(t, body).State)

	sess, err := ts.ctrl.Session(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"unclear wording"}, sess.Comments)
}

func TestItemStateEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})

	code, body := ts.do(t, http.MethodGet, "/executions/e1/items/Q1.0", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var is session.ItemSession
	require.NoError(t, json.Unmarshal(body, &is))
	assert.Equal(t, "Q1", is.ItemIdentifier)

	code, body = ts.do(t, http.MethodPut, "/executions/e1/items/Q1.0/responses/RESPONSE", `"b"`)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, ir.ItemInteracting, decodeContext(t, body).ItemState)

	code, body = ts.do(t, http.MethodGet, "/executions/e1/items/Q1.0", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &is))
	assert.Equal(t, ir.String("b"), is.Responses["RESPONSE"])

	is.Flagged = true
	code, body = ts.do(t, http.MethodPut, "/executions/e1/items/Q1.0", is)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decodeContext(t, body).Flagged)

	code, _ = ts.do(t, http.MethodPut, "/executions/e1/items/Q2.0", is)
	assert.Equal(t, http.StatusBadRequest, code, "body id must match the path")

	code, _ = ts.do(t, http.MethodPut, "/executions/e1/items/Q1.0/responses/RESPONSE", `1.5`)
	assert.Equal(t, http.StatusBadRequest, code, "floats are not response values")

	code, body = ts.do(t, http.MethodPut, "/executions/e1/items/BOGUS.7", session.ItemSession{State: ir.ItemInteracting})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))
	assert.Equal(t, ir.ErrCodeIllegalNavigation, decodeError(t, body).Code)
}

func TestItemWritesRejectedWhilePaused(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})
	code, _ := ts.do(t, http.MethodPost, "/executions/e1/navigate", next("z"))
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.do(t, http.MethodPost, "/executions/e1/pause", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, http.MethodPut, "/executions/e1/items/Q1.0/responses/RESPONSE", `"a"`)
	assert.Equal(t, http.StatusConflict, code, string(body))
	assert.Equal(t, ir.ErrCodeSessionPaused, decodeError(t, body).Code)

	code, body = ts.do(t, http.MethodPut, "/executions/e1/items/Q1.0", session.ItemSession{State: ir.ItemInteracting})
	assert.Equal(t, http.StatusConflict, code, string(body))

	sess, err := ts.ctrl.Session(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, ir.ItemClosed, sess.Item("Q1.0").State)
	assert.Equal(t, ir.String("z"), sess.Item("Q1.0").Responses["RESPONSE"])
}

func TestSyncEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})

	payload, err := syncsvc.MovePayload(next("b"))
	require.NoError(t, err)
	good, err := syncsvc.EntryFor(ir.PendingAction{Sequence: 1, Type: ir.ActionMove, Payload: payload})
	require.NoError(t, err)

	batch := syncsvc.Batch{Entries: []syncsvc.Entry{good, {Channel: "navigation", Message: json.RawMessage(`"x"`)}}}
	code, body := ts.do(t, http.MethodPost, "/executions/e1/sync", batch)
	require.Equal(t, http.StatusOK, code, string(body))

	var out syncsvc.BatchResult
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	assert.Equal(t, "Q3", out.Results[0].Context.ItemIdentifier)
	assert.Equal(t, ir.ErrCodeInvalidActionPayload, out.Results[1].Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "branching"})

	code, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `qtinav_navigation_requests_total{kind="start",outcome="ok"} 1`)
	assert.Contains(t, string(body), `qtinav_cache_events_total{cache="maps",event="miss"}`)
}

// An offline client seeded over HTTP ends in the same state as the server
// after synchronising.
func TestOfflineRoundTripOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	code, _ := ts.do(t, http.MethodPost, "/executions", map[string]string{"execution_id": "e1", "test_map_id": "mixed"})
	require.Equal(t, http.StatusCreated, code)

	transport := offline.NewHTTPTransport(ts.URL+"/", ts.Client())
	snap, err := transport.FetchSnapshot(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, snap.Items, 6)

	local, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	defer local.Close()
	require.NoError(t, offline.Seed(ctx, local, snap))
	table, err := offline.Open(ctx, local, "e1")
	require.NoError(t, err)

	for _, answer := range []string{"a", "a", "a", "a"} {
		_, err := table.Navigate(ctx, next(answer))
		require.NoError(t, err)
	}
	_, err = table.Flag(ctx, true)
	require.NoError(t, err)

	rep, err := offline.NewSyncer(table, transport).Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Synced)
	assert.False(t, rep.Adopted)

	code, body := ts.do(t, http.MethodGet, "/executions/e1/context", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, decodeContext(t, body), table.Context())

	_, err = transport.FetchSession(ctx, "nope")
	require.Error(t, err)
	assert.True(t, ir.IsSessionNotFound(err))
}
