package syncsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

// DefaultMaxBatch is the default number of entries processed per request.
const DefaultMaxBatch = 500

// Navigator is the server-side navigation pipeline actions are replayed
// through. *engine.Controller implements it.
type Navigator interface {
	Navigate(ctx context.Context, executionID string, req engine.Request) (ir.TestContext, error)
	Exit(ctx context.Context, executionID string) (ir.TestContext, error)
	Suspend(ctx context.Context, executionID string) (ir.TestContext, error)
	Resume(ctx context.Context, executionID string) (ir.TestContext, error)
	Comment(ctx context.Context, executionID, text string) (ir.TestContext, error)
	Flag(ctx context.Context, executionID string, flagged bool) (ir.TestContext, error)
}

// Ledger remembers the outcome of every applied sequence number.
// *store.Store implements it.
type Ledger interface {
	LookupApplied(ctx context.Context, executionID string, sequence int64) (store.AppliedAction, error)
	RecordApplied(ctx context.Context, a store.AppliedAction) (store.AppliedAction, bool, error)
}

// Recorder observes per-entry outcomes.
type Recorder interface {
	ObserveSync(action, outcome string, elapsed time.Duration)
}

// Handler executes one validated action.
type Handler func(ctx context.Context, executionID string, a ir.PendingAction) (ir.TestContext, error)

// Service replays batches of queued client actions against the
// authoritative sessions.
type Service struct {
	nav      Navigator
	ledger   Ledger
	handlers map[ir.ActionType]Handler
	maxBatch int
	logger   *slog.Logger
	recorder Recorder
}

// Option configures a Service.
type Option func(*Service)

// WithMaxBatch caps the entries processed per request. Excess slots get a
// BATCH_LIMIT_EXCEEDED descriptor.
func WithMaxBatch(n int) Option {
	return func(s *Service) { s.maxBatch = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRecorder reports per-entry outcomes.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithHandler registers or replaces the handler of an action type.
func WithHandler(t ir.ActionType, h Handler) Option {
	return func(s *Service) { s.handlers[t] = h }
}

// New creates a Service. The handler registry is built here, once.
func New(nav Navigator, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		nav:      nav,
		ledger:   ledger,
		maxBatch: DefaultMaxBatch,
		logger:   slog.Default(),
	}
	s.handlers = map[ir.ActionType]Handler{
		ir.ActionMove:    s.move,
		ir.ActionSkip:    s.move,
		ir.ActionExit:    s.exit,
		ir.ActionComment: s.comment,
		ir.ActionFlag:    s.flag,
		ir.ActionPause:   s.pause,
		ir.ActionResume:  s.resume,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBatch <= 0 {
		s.maxBatch = DefaultMaxBatch
	}
	return s
}

type parsed struct {
	index  int
	action ir.PendingAction
}

// Process validates entries, executes the valid ones in ascending sequence
// order and returns one result per entry, at the entry's index.
//
// A malformed entry or a rejected action fills its own slot and processing
// continues. A retryable failure (paused, stale, internal) defers every
// later action of the batch, so the client resends them in order.
func (s *Service) Process(ctx context.Context, executionID string, entries []Entry) []Result {
	results := make([]Result, len(entries))
	valid := make([]parsed, 0, len(entries))
	seen := make(map[int64]bool, len(entries))

	for i, e := range entries {
		if i >= s.maxBatch {
			results[i] = failed(0, "", ir.NewBatchLimitError(i, s.maxBatch))
			continue
		}
		a, err := s.validate(i, e)
		if err != nil {
			results[i] = failed(a.Sequence, a.Type, err)
			s.observe(string(a.Type), err, 0)
			continue
		}
		if seen[a.Sequence] {
			results[i] = failed(a.Sequence, a.Type, ir.NewInvalidActionPayloadError(i, fmt.Sprintf("sequence %d appears twice in the batch", a.Sequence)))
			continue
		}
		seen[a.Sequence] = true
		valid = append(valid, parsed{index: i, action: a})
	}

	slices.SortStableFunc(valid, func(a, b parsed) int {
		switch {
		case a.action.Sequence < b.action.Sequence:
			return -1
		case a.action.Sequence > b.action.Sequence:
			return 1
		}
		return 0
	})

	var blocker *Result
	for _, p := range valid {
		if blocker != nil {
			results[p.index] = failed(p.action.Sequence, p.action.Type,
				ir.NewActionDeferredError(executionID, blocker.Sequence, blocker.Error.Code))
			continue
		}
		begin := time.Now()
		r := s.apply(ctx, executionID, p.action)
		results[p.index] = r
		if r.Error != nil {
			s.observe(string(p.action.Type), r.Error, time.Since(begin))
			if r.Error.Retryable() {
				blocker = &r
			}
		} else {
			s.observe(string(p.action.Type), nil, time.Since(begin))
		}
	}

	s.logger.Info("sync batch processed",
		"execution", executionID,
		"entries", len(entries),
		"valid", len(valid),
		"deferred", blocker != nil,
	)
	return results
}

func (s *Service) validate(index int, e Entry) (ir.PendingAction, error) {
	var a ir.PendingAction
	if e.Channel == "" {
		return a, ir.NewInvalidActionPayloadError(index, "missing channel")
	}
	if e.Channel != ChannelNavigation {
		return a, ir.NewInvalidActionPayloadError(index, fmt.Sprintf("unknown channel %q", e.Channel))
	}
	msg := bytes.TrimSpace(e.Message)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) || bytes.Equal(msg, []byte(`""`)) || bytes.Equal(msg, []byte("{}")) {
		return a, ir.NewInvalidActionPayloadError(index, "empty message")
	}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return ir.PendingAction{}, ir.NewInvalidActionPayloadError(index, fmt.Sprintf("decode message: %v", err))
	}
	if a.Sequence <= 0 {
		return a, ir.NewInvalidActionPayloadError(index, "sequence must be positive")
	}
	if _, ok := s.handlers[a.Type]; !ok {
		return a, ir.NewInvalidActionPayloadError(index, fmt.Sprintf("unknown action %q", a.Type))
	}
	return a, nil
}

// apply executes one action exactly once. A sequence number seen before
// returns the recorded outcome without executing again.
func (s *Service) apply(ctx context.Context, executionID string, a ir.PendingAction) Result {
	id, err := a.ID(executionID)
	if err != nil {
		return failed(a.Sequence, a.Type, ir.NewInvalidActionPayloadError(-1, err.Error()))
	}

	if r, ok, err := s.recorded(ctx, executionID, a, id); err != nil {
		return failed(a.Sequence, a.Type, ir.AsError(executionID, err))
	} else if ok {
		return r
	}

	actx := engine.WithAction(ctx, engine.ActionRef{Sequence: a.Sequence, ID: id, Type: string(a.Type)})
	tc, err := s.handlers[a.Type](actx, executionID, a)
	if errors.Is(err, store.ErrActionApplied) {
		// Another request applied the same sequence first.
		r, ok, lerr := s.recorded(ctx, executionID, a, id)
		if lerr != nil {
			return failed(a.Sequence, a.Type, ir.AsError(executionID, lerr))
		}
		if ok {
			return r
		}
	}
	if err != nil {
		e := ir.AsError(executionID, err)
		if !e.Retryable() {
			if _, _, rerr := s.ledger.RecordApplied(ctx, store.AppliedAction{
				ExecutionID:  executionID,
				Sequence:     a.Sequence,
				ActionID:     id,
				Action:       string(a.Type),
				ErrorCode:    string(e.Code),
				ErrorMessage: e.Message,
			}); rerr != nil {
				s.logger.Warn("record rejected action failed", "execution", executionID, "sequence", a.Sequence, "error", rerr)
			}
		}
		s.logger.Info("sync action rejected", "execution", executionID, "sequence", a.Sequence, "action", a.Type, "code", e.Code)
		return failed(a.Sequence, a.Type, e)
	}
	return Result{Sequence: a.Sequence, Action: a.Type, Success: true, Context: &tc}
}

// recorded returns the stored outcome of a sequence number. A sequence
// reused for a different action is rejected.
func (s *Service) recorded(ctx context.Context, executionID string, a ir.PendingAction, id string) (Result, bool, error) {
	rec, err := s.ledger.LookupApplied(ctx, executionID, a.Sequence)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if rec.ActionID != id {
		return failed(a.Sequence, a.Type, ir.NewInvalidActionPayloadError(-1,
			fmt.Sprintf("sequence %d was already used by a different action", a.Sequence))), true, nil
	}
	r := Result{Sequence: a.Sequence, Action: a.Type, Replayed: true}
	if rec.ErrorCode != "" {
		r.Error = &ir.Error{Code: ir.ErrorCode(rec.ErrorCode), Message: rec.ErrorMessage, ExecutionID: executionID}
		return r, true, nil
	}
	var tc ir.TestContext
	if err := json.Unmarshal(rec.Result, &tc); err != nil {
		return Result{}, false, fmt.Errorf("decode recorded result: %w", err)
	}
	r.Success = true
	r.Context = &tc
	return r, true, nil
}

func (s *Service) observe(action string, err error, elapsed time.Duration) {
	if s.recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(ir.AsError("", err).Code)
	}
	s.recorder.ObserveSync(action, outcome, elapsed)
}

func failed(seq int64, t ir.ActionType, err error) Result {
	return Result{Sequence: seq, Action: t, Error: ir.AsError("", err)}
}
