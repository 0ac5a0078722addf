package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/qtinav/internal/branch"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/offline/localstore"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// Snapshot is everything a client needs to deliver an execution without
// the network, as served by the delivery server.
type Snapshot = engine.Snapshot

// Seed stores a snapshot in the local store: the compiled map, every item
// definition, their correct responses and the session itself.
func Seed(ctx context.Context, local *localstore.Store, snap Snapshot) error {
	if snap.Session == nil || snap.Map == nil {
		return errors.New("seed: snapshot needs a session and a test map")
	}
	if snap.Session.TestMapID != snap.Map.ID {
		return fmt.Errorf("seed: session uses map %q, snapshot has %q", snap.Session.TestMapID, snap.Map.ID)
	}
	if err := local.PutTestMap(ctx, snap.Map); err != nil {
		return err
	}
	responses := response.NewPersistent(local.KV(snap.Session.ExecutionID))
	for _, def := range snap.Items {
		if err := local.PutItem(ctx, def); err != nil {
			return err
		}
		if err := response.LoadCorrect(ctx, responses, def); err != nil {
			return fmt.Errorf("seed: correct responses for %s: %w", def.ID, err)
		}
	}
	if err := rebuildResponses(ctx, responses, snap.Session); err != nil {
		return err
	}
	serverVersion := snap.ServerVersion
	if serverVersion == 0 {
		serverVersion = snap.Session.Version
	}
	return local.SaveState(ctx, localstore.State{Session: snap.Session, ServerVersion: serverVersion})
}

// JumpTable navigates one execution on the client with no server round
// trip. It runs the same routing and branch evaluation as the server and
// queues every accepted action for synchronisation.
//
// Safe for concurrent use; requests are applied one at a time.
type JumpTable struct {
	local  *localstore.Store
	exec   string
	route  *ir.Route
	items  *itemstore.Store
	rules  *branch.Engine
	phases *engine.Phases
	clock  *engine.Clock
	now    func() int64
	logger *slog.Logger
	notify *notifier

	mu    sync.Mutex
	state localstore.State
}

// Option configures a JumpTable.
type Option func(*JumpTable)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(j *JumpTable) { j.logger = l }
}

// WithPhases installs lifecycle observers.
func WithPhases(p *engine.Phases) Option {
	return func(j *JumpTable) { j.phases = p }
}

// WithNow overrides the client timestamp source, in milliseconds.
func WithNow(now func() int64) Option {
	return func(j *JumpTable) { j.now = now }
}

// WithBranchEngine overrides the branch rule evaluator.
func WithBranchEngine(e *branch.Engine) Option {
	return func(j *JumpTable) { j.rules = e }
}

// Open loads a seeded execution from the local store. Every item on the
// route is loaded into memory up front; a missing definition fails Open
// rather than a later navigation.
func Open(ctx context.Context, local *localstore.Store, executionID string, opts ...Option) (*JumpTable, error) {
	j := &JumpTable{
		local:  local,
		exec:   executionID,
		phases: engine.NewPhases(),
		now:    func() int64 { return time.Now().UnixMilli() },
		logger: slog.Default(),
		notify: newNotifier(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.rules == nil {
		j.rules = branch.New(branch.WithLogger(j.logger))
	}

	st, err := local.LoadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	tm, err := local.LoadTestMap(ctx, st.Session.TestMapID)
	if err != nil {
		return nil, err
	}
	j.state = st
	j.route = ir.NewRoute(tm)

	j.items, err = itemstore.NewForRoute(j.route, local, itemstore.WithLogger(j.logger))
	if err != nil {
		return nil, err
	}
	if err := j.items.Prefetch(ctx, j.route.DistinctItems()); err != nil {
		return nil, fmt.Errorf("prefetch items: %w", err)
	}

	last, err := local.LastSequence(ctx, executionID)
	if err != nil {
		return nil, err
	}
	j.clock = engine.NewClockAt(last)

	pending, err := local.Pending(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		j.notify.Notify()
	}
	j.logger.Info("offline session opened",
		"execution", executionID,
		"route_length", j.route.Len(),
		"pending", len(pending),
		"last_sequence", last,
	)
	return j, nil
}

// ExecutionID returns the execution this table navigates.
func (j *JumpTable) ExecutionID() string { return j.exec }

// Phases returns the lifecycle observers.
func (j *JumpTable) Phases() *engine.Phases { return j.phases }

// Local returns the backing local store.
func (j *JumpTable) Local() *localstore.Store { return j.local }

// Navigate runs a navigation request locally and queues it. A rejected
// request changes nothing and queues nothing.
func (j *JumpTable) Navigate(ctx context.Context, req engine.Request) (ir.TestContext, error) {
	payload, err := syncsvc.MovePayload(req)
	if err != nil {
		return ir.TestContext{}, err
	}
	return j.mutate(ctx, engine.KindNavigate, syncsvc.ActionForRequest(req), payload, &req,
		func(ctx context.Context, m *mutation) error {
			move, err := engine.Decide(ctx, j.route, m.sess, req, m.responses, j.rules)
			if err != nil {
				return err
			}
			m.move = &move
			return engine.Apply(j.route, m.sess, move, req.Params)
		})
}

// Exit ends the test from the current position.
func (j *JumpTable) Exit(ctx context.Context) (ir.TestContext, error) {
	return j.mutate(ctx, engine.KindExit, ir.ActionExit, nil, nil, func(_ context.Context, m *mutation) error {
		return engine.Exit(j.route, m.sess)
	})
}

// Suspend suspends the session. It is queued as a "pause" action.
func (j *JumpTable) Suspend(ctx context.Context) (ir.TestContext, error) {
	return j.mutate(ctx, engine.KindSuspend, ir.ActionPause, nil, nil, func(_ context.Context, m *mutation) error {
		return engine.Suspend(j.route, m.sess)
	})
}

// Resume lifts a suspension.
func (j *JumpTable) Resume(ctx context.Context) (ir.TestContext, error) {
	return j.mutate(ctx, engine.KindResume, ir.ActionResume, nil, nil, func(_ context.Context, m *mutation) error {
		return engine.Resume(j.route, m.sess)
	})
}

// Comment stores a candidate comment.
func (j *JumpTable) Comment(ctx context.Context, text string) (ir.TestContext, error) {
	payload := ir.Record{syncsvc.ParamComment: ir.String(text)}
	return j.mutate(ctx, engine.KindComment, ir.ActionComment, payload, nil, func(_ context.Context, m *mutation) error {
		return engine.Comment(m.sess, text)
	})
}

// Flag sets or clears the flag of the current item.
func (j *JumpTable) Flag(ctx context.Context, flagged bool) (ir.TestContext, error) {
	payload := ir.Record{syncsvc.ParamFlagged: ir.Bool(flagged)}
	return j.mutate(ctx, engine.KindFlag, ir.ActionFlag, payload, nil, func(_ context.Context, m *mutation) error {
		return engine.Flag(j.route, m.sess, flagged)
	})
}

// Context returns the current local test context.
func (j *JumpTable) Context() ir.TestContext {
	j.mu.Lock()
	defer j.mu.Unlock()
	return engine.BuildContext(j.route, j.state.Session)
}

// Session returns a copy of the local session.
func (j *JumpTable) Session() *session.TestSession {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Session.Clone()
}

// ServerVersion returns the authoritative version last adopted.
func (j *JumpTable) ServerVersion() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.ServerVersion
}

// CurrentItem returns the definition of the item at the current position.
// It is served from memory.
func (j *JumpTable) CurrentItem(ctx context.Context) (*ir.ItemDefinition, error) {
	tc := j.Context()
	if tc.ItemIdentifier == "" {
		return nil, ir.NewSessionClosedError(j.exec)
	}
	return j.items.Get(ctx, tc.ItemIdentifier)
}

// Pending returns the actions waiting for synchronisation, in sequence order.
func (j *JumpTable) Pending(ctx context.Context) ([]localstore.QueuedAction, error) {
	return j.local.Pending(ctx, j.exec)
}

// SetServerVersion records that the server acknowledged the queue up to a
// session version.
func (j *JumpTable) SetServerVersion(ctx context.Context, version int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	next := localstore.State{Session: j.state.Session, ServerVersion: version}
	if err := j.local.SaveState(ctx, next); err != nil {
		return err
	}
	j.state = next
	return nil
}

// Adopt replaces the local session with the authoritative one, after the
// server rejected queued actions. Local responses are rebuilt from the
// adopted item sessions.
func (j *JumpTable) Adopt(ctx context.Context, sess *session.TestSession) error {
	if sess.ExecutionID != j.exec {
		return fmt.Errorf("adopt: session is for %q, not %q", sess.ExecutionID, j.exec)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	kv := j.local.KV(j.exec)
	if err := kv.Clear(ctx, response.BucketResponse); err != nil {
		return fmt.Errorf("adopt: %w", err)
	}
	if err := rebuildResponses(ctx, response.NewPersistent(kv), sess); err != nil {
		return fmt.Errorf("adopt: %w", err)
	}
	next := localstore.State{Session: sess.Clone(), ServerVersion: sess.Version}
	if err := j.local.SaveState(ctx, next); err != nil {
		return fmt.Errorf("adopt: %w", err)
	}
	j.logger.Warn("adopted server session",
		"execution", j.exec,
		"local_version", j.state.Session.Version,
		"server_version", sess.Version,
	)
	j.state = next
	return nil
}

// rebuildResponses replays the responses recorded on item sessions into s
// in route order, so a later occurrence of an item wins.
func rebuildResponses(ctx context.Context, s response.Store, sess *session.TestSession) error {
	for _, id := range sess.SortedItemIDs() {
		is := sess.ItemSessions[id]
		if len(is.Responses) == 0 {
			continue
		}
		if err := response.SubmitItem(ctx, s, is.ItemIdentifier, is.Responses); err != nil {
			return err
		}
	}
	return nil
}

type mutation struct {
	sess      *session.TestSession
	responses *response.Overlay
	move      *engine.Move
}

func (j *JumpTable) mutate(ctx context.Context, kind string, typ ir.ActionType, payload ir.Record,
	req *engine.Request, fn func(context.Context, *mutation) error) (ir.TestContext, error) {
	m, tc, seq, err := j.mutateLocked(ctx, kind, typ, payload, req, fn)

	ev := engine.PhaseEvent{ExecutionID: j.exec, Kind: kind, Request: req, Err: err}
	if m != nil {
		ev.Move = m.move
	}
	if err != nil {
		j.logger.Info("offline request rejected", "execution", j.exec, "kind", kind, "error", err)
		if herr := j.phases.Fire(ctx, engine.PhaseOnError, ev); herr != nil {
			j.logger.Warn("onError hook failed", "execution", j.exec, "error", herr)
		}
		return tc, err
	}
	j.logger.Debug("offline request queued",
		"execution", j.exec,
		"kind", kind,
		"sequence", seq,
		"position", tc.Position,
		"version", tc.Version,
	)
	ev.Context = &tc
	if herr := j.phases.Fire(ctx, engine.PhaseAfterMove, ev); herr != nil {
		j.logger.Warn("afterMove hook failed", "execution", j.exec, "error", herr)
	}
	return tc, nil
}

func (j *JumpTable) mutateLocked(ctx context.Context, kind string, typ ir.ActionType, payload ir.Record,
	req *engine.Request, fn func(context.Context, *mutation) error) (*mutation, ir.TestContext, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	m := &mutation{
		sess:      j.state.Session.Clone(),
		responses: response.NewOverlay(response.NewPersistent(j.local.KV(j.exec))),
	}
	if err := fn(ctx, m); err != nil {
		return m, ir.TestContext{}, 0, err
	}
	tc := engine.BuildContext(j.route, m.sess)
	if err := j.phases.Fire(ctx, engine.PhaseBeforeMove, engine.PhaseEvent{
		ExecutionID: j.exec,
		Kind:        kind,
		Request:     req,
		Move:        m.move,
		Context:     &tc,
	}); err != nil {
		return m, ir.TestContext{}, 0, fmt.Errorf("%s vetoed: %w", kind, err)
	}

	// The clock only advances once the action is durable, so a failed
	// commit leaves no gap in the queue.
	action := ir.PendingAction{
		Sequence:        j.clock.Current() + 1,
		Type:            typ,
		Payload:         payload,
		ClientTimestamp: j.now(),
	}
	id, err := action.ID(j.exec)
	if err != nil {
		return m, ir.TestContext{}, 0, err
	}
	next := localstore.State{Session: m.sess, ServerVersion: j.state.ServerVersion}
	if err := j.local.Commit(ctx, localstore.Commit{
		State:     next,
		Responses: m.responses.Pending(),
		Action:    &action,
		ActionID:  id,
	}); err != nil {
		return m, ir.TestContext{}, 0, err
	}
	j.clock.Next()
	j.state = next
	j.notify.Notify()
	return m, tc, action.Sequence, nil
}
