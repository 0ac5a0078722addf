package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/qtinav/internal/compiler"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/itemstore"
	"github.com/roach88/qtinav/internal/offline"
	"github.com/roach88/qtinav/internal/offline/localstore"
	"github.com/roach88/qtinav/internal/store"
	"github.com/roach88/qtinav/internal/syncsvc"
	"github.com/roach88/qtinav/internal/testutil"
)

// Option configures a harness run.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	workDir string
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorkDir sets the directory for the offline client database. A
// temporary directory is created and removed when unset.
func WithWorkDir(dir string) Option {
	return func(o *options) { o.workDir = dir }
}

// Run executes a test scenario and returns the result.
//
// Each run uses a fresh in-memory server store. Execution flow:
//  1. compile the scenario's CUE specs and validate the test map
//  2. start the execution and run every flow step against the controller
//  3. when the scenario is offline, replay the flow through the jump table
//     and synchronise it to a second server
//  4. evaluate assertions
//
// The returned error covers setup failures only; step and assertion
// failures are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	tm, items, err := loadSpecs(scenario)
	if err != nil {
		return nil, err
	}

	srv, err := newServer(ctx, tm, items, o.logger)
	if err != nil {
		return nil, err
	}
	defer srv.Close()

	exec := scenario.ExecutionID
	if exec == "" {
		exec = DefaultExecutionID
	}
	start, err := srv.ctrl.Start(ctx, exec, tm.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	var snap engine.Snapshot
	if scenario.Offline {
		if snap, err = srv.ctrl.Snapshot(ctx, exec); err != nil {
			return nil, fmt.Errorf("failed to snapshot execution: %w", err)
		}
	}

	result := NewResult()
	online := &onlineNavigator{ctrl: srv.ctrl, exec: exec}
	for i, step := range scenario.Flow {
		tc, err := runStep(ctx, online, step)
		if err != nil {
			if tc, err2 := online.Context(ctx); err2 == nil {
				result.AddTrace(i, step.Action, stepArgs(step), tc, err)
			} else {
				result.AddTrace(i, step.Action, stepArgs(step), ir.TestContext{}, err)
			}
		} else {
			result.AddTrace(i, step.Action, stepArgs(step), tc, nil)
		}
		checkExpect(result, i, step, result.Trace[i])

		o.logger.Info("flow step completed",
			"step", i,
			"action", step.Action,
			"outcome", result.Trace[i].Outcome,
			"item", result.Trace[i].Item,
		)
	}

	if result.Final, err = srv.ctrl.Context(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to read final context: %w", err)
	}

	if scenario.Offline {
		if err := runOffline(ctx, scenario, snap, tm, items, result, o); err != nil {
			return nil, err
		}
	}

	actx := &AssertionContext{
		Ctx:         ctx,
		Store:       srv.store,
		ExecutionID: exec,
		Start:       start.ItemSessionID,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// runOffline replays the flow through the jump table, checks each step
// against the online trace, then flushes the queue to a fresh server.
func runOffline(ctx context.Context, scenario *Scenario, snap engine.Snapshot, tm *ir.TestMap,
	items []*ir.ItemDefinition, result *Result, o options) error {
	dir := o.workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "qtinav-harness-*")
		if err != nil {
			return fmt.Errorf("failed to create work dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	local, err := localstore.Open(ctx, filepath.Join(dir, scenario.Name+".offline.db"))
	if err != nil {
		return fmt.Errorf("failed to open offline store: %w", err)
	}
	defer local.Close()

	if err := offline.Seed(ctx, local, snap); err != nil {
		return fmt.Errorf("failed to seed offline store: %w", err)
	}
	clock := testutil.NewStepClock(1_700_000_000_000, 1_000)
	table, err := offline.Open(ctx, local, snap.Session.ExecutionID,
		offline.WithLogger(o.logger), offline.WithNow(clock.NowMs))
	if err != nil {
		return fmt.Errorf("failed to open jump table: %w", err)
	}

	nav := &offlineNavigator{table: table}
	for i, step := range scenario.Flow {
		tc, err := runStep(ctx, nav, step)
		if err != nil {
			tc = table.Context()
		}
		got, want := outcomeOf(err), result.Trace[i]
		switch {
		case got != want.Outcome:
			result.AddError(fmt.Sprintf("flow[%d] offline: outcome %s, online %s", i, got, want.Outcome))
		case tc.ItemSessionID != want.Item || tc.Position != want.Pos || string(tc.State) != want.State:
			result.AddError(fmt.Sprintf("flow[%d] offline: at %s (%d, %s), online at %s (%d, %s)",
				i, tc.ItemSessionID, tc.Position, tc.State, want.Item, want.Pos, want.State))
		}
	}

	queued, err := table.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read offline queue: %w", err)
	}

	// A second server that never saw the online flow receives the queue.
	remote, err := newServer(ctx, tm, items, o.logger)
	if err != nil {
		return err
	}
	defer remote.Close()
	if _, err := remote.ctrl.Start(ctx, snap.Session.ExecutionID, tm.ID); err != nil {
		return fmt.Errorf("failed to start remote execution: %w", err)
	}

	svc := syncsvc.New(remote.ctrl, remote.store, syncsvc.WithLogger(o.logger))
	syncer := offline.NewSyncer(table, offline.NewDirectTransport(svc, remote.ctrl), offline.WithSyncLogger(o.logger))
	rep, err := syncer.Flush(ctx)
	if err != nil {
		return fmt.Errorf("failed to synchronise: %w", err)
	}
	if rep.Rejected > 0 || rep.Pending > 0 {
		result.AddError(fmt.Sprintf("offline sync: %d rejected, %d pending", rep.Rejected, rep.Pending))
	}

	remoteFinal, err := remote.ctrl.Context(ctx, snap.Session.ExecutionID)
	if err != nil {
		return fmt.Errorf("failed to read remote context: %w", err)
	}
	result.Offline = &OfflineResult{
		Queued: len(queued),
		Synced: rep.Synced,
		Final:  table.Context(),
	}
	if !sameContext(remoteFinal, result.Final) {
		result.AddError(fmt.Sprintf("offline sync: server ended at %s (%s), online at %s (%s)",
			remoteFinal.ItemSessionID, remoteFinal.State, result.Final.ItemSessionID, result.Final.State))
	}
	if !sameContext(result.Offline.Final, result.Final) {
		result.AddError(fmt.Sprintf("offline: client ended at %s (%s), online at %s (%s)",
			result.Offline.Final.ItemSessionID, result.Offline.Final.State, result.Final.ItemSessionID, result.Final.State))
	}
	return nil
}

func sameContext(a, b ir.TestContext) bool {
	ab, errA := contextRecord(a)
	bb, errB := contextRecord(b)
	return errA == nil && errB == nil && ir.Equal(ab, bb)
}

func checkExpect(result *Result, i int, step FlowStep, ev TraceEvent) {
	exp := step.Expect
	if exp == nil {
		return
	}
	want := exp.Error
	if want == "" {
		want = OutcomeOK
	}
	if ev.Outcome != want {
		result.AddError(fmt.Sprintf("flow[%d] %s: outcome %s, expected %s", i, step.Action, ev.Outcome, want))
		return
	}
	if exp.Item != "" && ev.Item != exp.Item && !strings.HasPrefix(ev.Item, exp.Item+".") {
		result.AddError(fmt.Sprintf("flow[%d] %s: at item %s, expected %s", i, step.Action, ev.Item, exp.Item))
	}
	if exp.State != "" && ev.State != exp.State {
		result.AddError(fmt.Sprintf("flow[%d] %s: state %s, expected %s", i, step.Action, ev.State, exp.State))
	}
	if exp.Position != nil && ev.Pos != *exp.Position {
		result.AddError(fmt.Sprintf("flow[%d] %s: position %d, expected %d", i, step.Action, ev.Pos, *exp.Position))
	}
}

// loadSpecs compiles the scenario's CUE sources and returns the requested
// test map with every item definition, after validation.
func loadSpecs(scenario *Scenario) (*ir.TestMap, []*ir.ItemDefinition, error) {
	var maps []*ir.TestMap
	var items []*ir.ItemDefinition
	for _, path := range scenario.Specs {
		var b *compiler.Bundle
		var errs []error
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			b, errs = compiler.LoadDir(path, compiler.LoadModeCollectAll)
		} else {
			b, errs = compiler.LoadFiles([]string{path}, compiler.LoadModeCollectAll)
		}
		if len(errs) > 0 {
			return nil, nil, fmt.Errorf("failed to compile %s: %w", path, errors.Join(errs...))
		}
		maps = append(maps, b.Maps...)
		items = append(items, b.Items...)
	}

	var tm *ir.TestMap
	for _, m := range maps {
		if m.ID == scenario.TestMap {
			tm = m
		}
	}
	if tm == nil {
		return nil, nil, fmt.Errorf("test map %q not found in specs", scenario.TestMap)
	}

	if verrs := compiler.Validate(tm, items); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, v := range verrs {
			errs[i] = v
		}
		return nil, nil, fmt.Errorf("test map %q is invalid: %w", tm.ID, errors.Join(errs...))
	}
	return tm, items, nil
}

// server is an in-memory navigation backend.
type server struct {
	store *store.Store
	ctrl  *engine.Controller
}

func newServer(ctx context.Context, tm *ir.TestMap, items []*ir.ItemDefinition, logger *slog.Logger) (*server, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	if _, err := st.PutTestMap(ctx, tm); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to store test map: %w", err)
	}
	for _, def := range items {
		if err := st.PutItem(ctx, def); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to store item %s: %w", def.ID, err)
		}
	}

	maps, err := itemstore.NewMaps(4, st, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	cache, err := itemstore.New(len(items)+1, st, itemstore.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	ctrl := engine.NewController(st, maps, cache,
		engine.WithLogger(logger),
		engine.WithIDGenerator(testutil.NewFixedIDGenerator(DefaultExecutionID)))
	return &server{store: st, ctrl: ctrl}, nil
}

func (s *server) Close() error { return s.store.Close() }
