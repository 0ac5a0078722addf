package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/qtinav/internal/branch"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/store"
)

// Request kinds recorded in the trace and reported to the Recorder.
const (
	KindStart    = "start"
	KindNavigate = "navigate"
	KindExit     = "exit"
	KindSuspend  = "suspend"
	KindResume   = "resume"
	KindPause    = "pause"
	KindComment  = "comment"
	KindFlag     = "flag"
	KindItem     = "item"
	KindResponse = "response"
)

// Recorder observes completed controller requests. outcome is "ok" or the
// error code of the failure.
type Recorder interface {
	ObserveRequest(kind, outcome string, elapsed time.Duration)
}

// Controller is the online navigation controller. It owns the authoritative
// session of every delivery execution in its store.
//
// Thread-safety model:
//   - requests for the same execution are serialized by a keyed mutex
//   - requests for different executions run in parallel
//   - every commit is version-checked, so a writer outside this process
//     makes an in-flight request fail with STALE_SESSION instead of
//     applying a stale result
type Controller struct {
	store    *store.Store
	maps     *itemstore.Maps
	items    *itemstore.Store
	rules    *branch.Engine
	phases   *Phases
	locks    *keyedMutex
	ids      IDGenerator
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithIDGenerator sets the execution id generator used when Start is
// called without an id. Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Controller) { c.ids = g }
}

// WithPhases attaches lifecycle hooks.
func WithPhases(p *Phases) Option {
	return func(c *Controller) { c.phases = p }
}

// WithRecorder reports request outcomes, typically to metrics.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithBranchEngine replaces the branch rule evaluator.
func WithBranchEngine(e *branch.Engine) Option {
	return func(c *Controller) { c.rules = e }
}

// NewController creates a controller over the server store, the test map
// cache and the item cache.
func NewController(s *store.Store, maps *itemstore.Maps, items *itemstore.Store, opts ...Option) *Controller {
	c := &Controller{
		store:  s,
		maps:   maps,
		items:  items,
		phases: NewPhases(),
		locks:  newKeyedMutex(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rules == nil {
		c.rules = branch.New(branch.WithLogger(c.logger))
	}
	return c
}

// Phases returns the lifecycle hooks so collaborators can register.
func (c *Controller) Phases() *Phases {
	return c.phases
}

// Store returns the underlying server store.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Start launches a delivery execution of test map mapID and enters the first
// route position. An empty executionID is generated.
//
// Correct responses of every item on the route are registered in the
// execution's response store before the session exists, so branch rules can
// be evaluated from the first navigation on.
func (c *Controller) Start(ctx context.Context, executionID, mapID string) (ir.TestContext, error) {
	if executionID == "" {
		executionID = c.ids.Generate()
	}
	begin := time.Now()
	tc, err := c.start(ctx, executionID, mapID)
	c.finish(ctx, KindStart, executionID, nil, nil, tc, err, begin)
	return tc, err
}

func (c *Controller) start(ctx context.Context, executionID, mapID string) (ir.TestContext, error) {
	unlock := c.locks.Lock(executionID)
	defer unlock()

	entry, err := c.maps.Get(ctx, mapID)
	if err != nil {
		return ir.TestContext{}, err
	}
	if _, err := c.store.LoadSession(ctx, executionID); err == nil {
		return ir.TestContext{}, ir.NewSessionExistsError(executionID)
	} else if !ir.IsSessionNotFound(err) {
		return ir.TestContext{}, err
	}

	responses := response.NewPersistent(c.store.ResponseKV(executionID))
	for _, id := range entry.Route.DistinctItems() {
		def, err := c.items.Get(ctx, id)
		if err != nil {
			return ir.TestContext{}, err
		}
		if err := response.LoadCorrect(ctx, responses, def); err != nil {
			return ir.TestContext{}, fmt.Errorf("register correct responses for %s: %w", id, err)
		}
	}

	sess := session.New(executionID, mapID)
	sess.MapHash = entry.Hash
	if err := Start(entry.Route, sess); err != nil {
		return ir.TestContext{}, err
	}
	tc := BuildContext(entry.Route, sess)

	commit := store.Commit{
		Session: sess,
		Trace:   store.TraceRecord{Kind: KindStart, To: sess.Position},
	}
	if err := c.attachAction(ctx, &commit, tc); err != nil {
		return ir.TestContext{}, err
	}
	if err := c.store.CreateSession(ctx, commit); err != nil {
		return ir.TestContext{}, err
	}
	return tc, nil
}

// Navigate runs one navigation request and returns the new context. A
// failed request leaves the session and its responses unchanged.
func (c *Controller) Navigate(ctx context.Context, executionID string, req Request) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindNavigate, &req, func(ctx context.Context, m *mutation) error {
		move, err := Decide(ctx, m.route, m.sess, req, m.responses, c.rules)
		if err != nil {
			return err
		}
		m.move = &move
		if err := Apply(m.route, m.sess, move, req.Params); err != nil {
			return err
		}
		m.trace.From = move.From
		m.trace.To = move.To
		m.trace.Branch = move.Branch
		return nil
	})
}

// Exit ends the test from the current position.
func (c *Controller) Exit(ctx context.Context, executionID string) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindExit, nil, func(_ context.Context, m *mutation) error {
		return Exit(m.route, m.sess)
	})
}

// Suspend suspends the test session. Navigation fails with SESSION_PAUSED
// until Resume.
func (c *Controller) Suspend(ctx context.Context, executionID string) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindSuspend, nil, func(_ context.Context, m *mutation) error {
		return Suspend(m.route, m.sess)
	})
}

// Pause pauses the delivery execution.
func (c *Controller) Pause(ctx context.Context, executionID string) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindPause, nil, func(_ context.Context, m *mutation) error {
		return Pause(m.sess)
	})
}

// Resume lifts a pause or a suspension.
func (c *Controller) Resume(ctx context.Context, executionID string) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindResume, nil, func(_ context.Context, m *mutation) error {
		return Resume(m.route, m.sess)
	})
}

// Comment stores a candidate comment on the session.
func (c *Controller) Comment(ctx context.Context, executionID, text string) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindComment, nil, func(_ context.Context, m *mutation) error {
		if err := Comment(m.sess, text); err != nil {
			return err
		}
		return m.annotate(Annotation{Comment: text})
	})
}

// Flag sets or clears the flag of the current item.
func (c *Controller) Flag(ctx context.Context, executionID string, flagged bool) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindFlag, nil, func(_ context.Context, m *mutation) error {
		if err := Flag(m.route, m.sess, flagged); err != nil {
			return err
		}
		return m.annotate(Annotation{Flagged: &flagged})
	})
}

// SubmitItemState applies an item session submitted by an item-level
// collaborator, such as a feedback or review transition.
func (c *Controller) SubmitItemState(ctx context.Context, executionID string, submitted *session.ItemSession) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindItem, nil, func(ctx context.Context, m *mutation) error {
		is, err := SubmitItemState(m.route, m.sess, submitted)
		if err != nil {
			return err
		}
		if err := response.SubmitItem(ctx, m.responses, is.ItemIdentifier, submitted.Responses); err != nil {
			return err
		}
		return m.annotate(Annotation{
			Item:      is.ID,
			State:     submitted.State,
			Responses: submitted.Responses,
			Flagged:   &submitted.Flagged,
		})
	})
}

// StoreItemResponse records one response variable of an interacting item in
// both its item session and the execution's response store.
func (c *Controller) StoreItemResponse(ctx context.Context, executionID, itemSessionID, responseID string, value ir.Value) (ir.TestContext, error) {
	return c.mutate(ctx, executionID, KindResponse, nil, func(ctx context.Context, m *mutation) error {
		is, err := StoreItemResponse(m.route, m.sess, itemSessionID, responseID, value)
		if err != nil {
			return err
		}
		record := ir.Record{responseID: value}
		if err := response.SubmitItem(ctx, m.responses, is.ItemIdentifier, record); err != nil {
			return err
		}
		return m.annotate(Annotation{Item: is.ID, Responses: record})
	})
}

// Context returns the current test context without changing anything.
func (c *Controller) Context(ctx context.Context, executionID string) (ir.TestContext, error) {
	sess, entry, err := c.load(ctx, executionID)
	if err != nil {
		return ir.TestContext{}, err
	}
	return BuildContext(entry.Route, sess), nil
}

// Session returns a copy of the authoritative session.
func (c *Controller) Session(ctx context.Context, executionID string) (*session.TestSession, error) {
	sess, _, err := c.load(ctx, executionID)
	return sess, err
}

func (c *Controller) load(ctx context.Context, executionID string) (*session.TestSession, *itemstore.MapEntry, error) {
	sess, err := c.store.LoadSession(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	entry, err := c.maps.Get(ctx, sess.TestMapID)
	if err != nil {
		return nil, nil, err
	}
	if sess.MapHash != "" && sess.MapHash != entry.Hash {
		c.logger.Warn("test map changed since launch",
			"execution", executionID,
			"test_map", sess.TestMapID,
			"launched", sess.MapHash,
			"current", entry.Hash,
		)
	}
	return sess, entry, nil
}

// mutation is the working set of one request. fn mutates sess, a clone of
// the stored session, and stages responses; nothing is visible until the
// controller commits.
type mutation struct {
	route     *ir.Route
	sess      *session.TestSession
	responses *response.Overlay
	move      *Move
	trace     store.TraceRecord
}

// Annotation is the trace payload of comment, flag and item requests.
type Annotation struct {
	Comment   string       `json:"comment,omitempty"`
	Flagged   *bool        `json:"flagged,omitempty"`
	Item      string       `json:"item,omitempty"`
	State     ir.ItemState `json:"state,omitempty"`
	Responses ir.Record    `json:"responses,omitempty"`
}

func (m *mutation) annotate(a Annotation) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	m.trace.Request = raw
	return nil
}

func (c *Controller) mutate(ctx context.Context, executionID, kind string, req *Request,
	fn func(context.Context, *mutation) error) (ir.TestContext, error) {
	begin := time.Now()
	m, tc, err := c.mutateLocked(ctx, executionID, kind, req, fn)
	var move *Move
	if m != nil {
		move = m.move
	}
	c.finish(ctx, kind, executionID, req, move, tc, err, begin)
	return tc, err
}

func (c *Controller) mutateLocked(ctx context.Context, executionID, kind string, req *Request,
	fn func(context.Context, *mutation) error) (*mutation, ir.TestContext, error) {
	unlock := c.locks.Lock(executionID)
	defer unlock()

	current, entry, err := c.load(ctx, executionID)
	if err != nil {
		return nil, ir.TestContext{}, err
	}

	m := &mutation{
		route:     entry.Route,
		sess:      current.Clone(),
		responses: response.NewOverlay(response.NewPersistent(c.store.ResponseKV(executionID))),
		trace:     store.TraceRecord{Kind: kind, From: current.Position, To: current.Position},
	}
	if err := fn(ctx, m); err != nil {
		return m, ir.TestContext{}, err
	}
	if kind != KindNavigate {
		m.trace.To = m.sess.Position
	}
	if req != nil {
		raw, err := json.Marshal(req)
		if err != nil {
			return m, ir.TestContext{}, fmt.Errorf("encode request: %w", err)
		}
		m.trace.Request = raw
	}

	tc := BuildContext(m.route, m.sess)
	if err := c.phases.Fire(ctx, PhaseBeforeMove, PhaseEvent{
		ExecutionID: executionID,
		Kind:        kind,
		Request:     req,
		Move:        m.move,
		Context:     &tc,
	}); err != nil {
		return m, ir.TestContext{}, fmt.Errorf("%s vetoed: %w", kind, err)
	}

	commit := store.Commit{
		Session:         m.sess,
		ExpectedVersion: current.Version,
		Responses:       m.responses.Pending(),
		Trace:           m.trace,
	}
	if err := c.attachAction(ctx, &commit, tc); err != nil {
		return m, ir.TestContext{}, err
	}
	if err := c.store.Commit(ctx, commit); err != nil {
		return m, ir.TestContext{}, err
	}
	return m, tc, nil
}

// attachAction records the replayed action carried by ctx, with tc as its
// result, in the same commit.
func (c *Controller) attachAction(ctx context.Context, commit *store.Commit, tc ir.TestContext) error {
	ref, ok := ActionFrom(ctx)
	if !ok {
		return nil
	}
	result, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("encode action result: %w", err)
	}
	commit.Trace.ActionSeq = ref.Sequence
	commit.Action = &store.AppliedAction{
		ExecutionID: commit.Session.ExecutionID,
		Sequence:    ref.Sequence,
		ActionID:    ref.ID,
		Action:      ref.Type,
		Result:      result,
	}
	return nil
}

// finish fires afterMove or onError, logs and records the outcome.
func (c *Controller) finish(ctx context.Context, kind, executionID string, req *Request, move *Move,
	tc ir.TestContext, err error, begin time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if code := ir.CodeOf(err); code != "" {
			outcome = string(code)
		} else if errors.Is(err, store.ErrActionApplied) {
			outcome = "duplicate"
		}
	}
	if c.recorder != nil {
		c.recorder.ObserveRequest(kind, outcome, time.Since(begin))
	}

	ev := PhaseEvent{ExecutionID: executionID, Kind: kind, Request: req, Move: move, Err: err}
	if err != nil {
		c.logger.Info("request rejected",
			"execution", executionID,
			"kind", kind,
			"outcome", outcome,
			"error", err,
		)
		if herr := c.phases.Fire(ctx, PhaseOnError, ev); herr != nil {
			c.logger.Warn("onError hook failed", "execution", executionID, "error", herr)
		}
		return
	}

	attrs := []any{"execution", executionID, "kind", kind, "position", tc.Position, "version", tc.Version}
	if move != nil {
		attrs = append(attrs,
			"direction", move.Direction,
			"scope", move.Scope,
			"from", move.From,
			"to", move.To,
			"branch", move.Branch,
		)
	}
	c.logger.Info("request committed", attrs...)

	ev.Context = &tc
	if herr := c.phases.Fire(ctx, PhaseAfterMove, ev); herr != nil {
		c.logger.Warn("afterMove hook failed", "execution", executionID, "error", herr)
	}
}
