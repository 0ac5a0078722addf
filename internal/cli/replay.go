package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/config"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	Execution string // optional - one execution only
}

// ReplayExecutionResult holds the replay result for one execution.
type ReplayExecutionResult struct {
	ExecutionID   string   `json:"execution_id"`
	TestMap       string   `json:"test_map"`
	Requests      int      `json:"requests"`
	Branches      int      `json:"branches"`
	State         string   `json:"state"`
	Position      int      `json:"position"`
	Deterministic bool     `json:"deterministic"`
	Differences   []string `json:"differences,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Executions       []ReplayExecutionResult `json:"executions"`
	Total            int                     `json:"total"`
	AllDeterministic bool                    `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run recorded executions and verify routing",
		Long: `Re-run the audit trail of executions against a fresh in-memory engine.

Every recorded request is applied again in order, from the same test map and
item definitions. Each replayed request must move between the same route
positions and follow the same branch as the original, and the replayed
execution must end where the recorded one is now.

Exit codes:
  0 - All executions replay identically
  1 - A replay diverged
  2 - Command error (database not found, etc.)

Examples:
  qtinav replay --db ./qtinav.db
  qtinav replay --db ./qtinav.db --exec exec-1
  qtinav replay --db ./qtinav.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "server database (default from config)")
	cmd.Flags().StringVar(&opts.Execution, "exec", "", "replay one execution only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Storage.Database = opts.Database
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	original, err := openBackend(ctx, cfg, cfg.Storage.Database, quiet, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer original.Close()

	var executions []string
	if opts.Execution != "" {
		executions = []string{opts.Execution}
	} else {
		executions, err = original.store.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list executions", err)
		}
	}

	result := ReplayResult{
		Executions:       make([]ReplayExecutionResult, 0, len(executions)),
		Total:            len(executions),
		AllDeterministic: true,
	}
	if len(executions) == 0 {
		if opts.Format == "json" {
			return outputReplayJSON(formatter, result)
		}
		fmt.Fprintln(formatter.Writer, "No executions found in database.")
		return nil
	}

	for _, exec := range executions {
		formatter.VerboseLog("Replaying %s", exec)
		res, err := replayExecution(ctx, cfg, original, exec)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay execution %s", exec), err)
		}
		if !res.Deterministic {
			result.AllDeterministic = false
		}
		result.Executions = append(result.Executions, res)
	}

	if opts.Format == "json" {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result)
}

// replayExecution re-applies the trace of exec on an in-memory copy of its
// test map and items.
func replayExecution(ctx context.Context, cfg *config.Config, original *backend, exec string) (ReplayExecutionResult, error) {
	res := ReplayExecutionResult{ExecutionID: exec}

	sess, err := original.store.LoadSession(ctx, exec)
	if err != nil {
		return res, err
	}
	res.TestMap = sess.TestMapID

	entry, err := original.maps.Get(ctx, sess.TestMapID)
	if err != nil {
		return res, err
	}
	records, err := original.store.ReadTrace(ctx, exec)
	if err != nil {
		return res, err
	}
	want, err := original.ctrl.Context(ctx, exec)
	if err != nil {
		return res, err
	}

	// The in-memory copy serves items from its own catalog.
	memCfg := *cfg
	memCfg.Items.Source = config.SourceSQLite
	replay, err := openBackend(ctx, &memCfg, ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		return res, err
	}
	defer replay.Close()

	if _, err := replay.store.PutTestMap(ctx, entry.Map); err != nil {
		return res, err
	}
	for _, id := range entry.Route.DistinctItems() {
		def, err := original.items.Get(ctx, id)
		if err != nil {
			return res, err
		}
		if err := replay.store.PutItem(ctx, def); err != nil {
			return res, err
		}
	}

	for _, rec := range records {
		if err := applyRecord(ctx, replay.ctrl, exec, sess.TestMapID, rec); err != nil {
			res.Differences = append(res.Differences, fmt.Sprintf("#%d %s: %v", rec.Seq, rec.Kind, err))
			break
		}
		res.Requests++
		if rec.Branch != "" {
			res.Branches++
		}
	}

	replayed, err := replay.store.ReadTrace(ctx, exec)
	if err != nil {
		return res, err
	}
	res.Differences = append(res.Differences, diffTraces(records, replayed)...)

	got, err := replay.ctrl.Context(ctx, exec)
	if err == nil {
		res.Differences = append(res.Differences, diffContexts(want, got)...)
	} else if len(res.Differences) == 0 {
		res.Differences = append(res.Differences, fmt.Sprintf("final context: %v", err))
	}

	res.State = string(want.State)
	res.Position = want.Position
	res.Deterministic = len(res.Differences) == 0
	return res, nil
}

// applyRecord runs one recorded request through ctrl.
func applyRecord(ctx context.Context, ctrl *engine.Controller, exec, mapID string, rec store.TraceRecord) error {
	var err error
	switch rec.Kind {
	case engine.KindStart:
		_, err = ctrl.Start(ctx, exec, mapID)
	case engine.KindNavigate:
		var req engine.Request
		if err := json.Unmarshal(rec.Request, &req); err != nil {
			return fmt.Errorf("decode request: %w", err)
		}
		_, err = ctrl.Navigate(ctx, exec, req)
	case engine.KindExit:
		_, err = ctrl.Exit(ctx, exec)
	case engine.KindSuspend:
		_, err = ctrl.Suspend(ctx, exec)
	case engine.KindResume:
		_, err = ctrl.Resume(ctx, exec)
	case engine.KindPause:
		_, err = ctrl.Pause(ctx, exec)
	case engine.KindComment, engine.KindFlag, engine.KindItem, engine.KindResponse:
		var a engine.Annotation
		if err := json.Unmarshal(rec.Request, &a); err != nil {
			return fmt.Errorf("decode annotation: %w", err)
		}
		flagged := a.Flagged != nil && *a.Flagged
		switch rec.Kind {
		case engine.KindComment:
			_, err = ctrl.Comment(ctx, exec, a.Comment)
		case engine.KindFlag:
			_, err = ctrl.Flag(ctx, exec, flagged)
		case engine.KindItem:
			_, err = ctrl.SubmitItemState(ctx, exec, &session.ItemSession{
				ID:        a.Item,
				State:     a.State,
				Flagged:   flagged,
				Responses: a.Responses,
			})
		case engine.KindResponse:
			for _, k := range a.Responses.SortedKeys() {
				if _, err = ctrl.StoreItemResponse(ctx, exec, a.Item, k, a.Responses[k]); err != nil {
					break
				}
			}
		}
	default:
		return fmt.Errorf("unknown request kind %q", rec.Kind)
	}
	return err
}

// diffTraces compares routing decisions record by record.
func diffTraces(want, got []store.TraceRecord) []string {
	var diffs []string
	if len(want) != len(got) {
		diffs = append(diffs, fmt.Sprintf("trace has %d record(s), replay produced %d", len(want), len(got)))
	}
	for i := 0; i < len(want) && i < len(got); i++ {
		w, g := want[i], got[i]
		if w.Kind != g.Kind || w.From != g.From || w.To != g.To || w.Branch != g.Branch {
			diffs = append(diffs, fmt.Sprintf("#%d %s: recorded %d→%d branch %q, replayed %s %d→%d branch %q",
				w.Seq, w.Kind, w.From, w.To, w.Branch, g.Kind, g.From, g.To, g.Branch))
		}
	}
	return diffs
}

func diffContexts(want, got ir.TestContext) []string {
	var diffs []string
	check := func(field string, w, g interface{}) {
		if w != g {
			diffs = append(diffs, fmt.Sprintf("final %s: recorded %v, replayed %v", field, w, g))
		}
	}
	check("state", want.State, got.State)
	check("paused", want.Paused, got.Paused)
	check("position", want.Position, got.Position)
	check("item", want.ItemSessionID, got.ItemSessionID)
	check("flagged", want.Flagged, got.Flagged)
	return diffs
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY_DIVERGED",
			Message: "replay diverged from the recorded trace",
		}
	}
	if err := formatter.Report(response); err != nil {
		return err
	}
	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay diverged from the recorded trace")
	}
	return nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer

	for _, e := range result.Executions {
		mark := "✓"
		if !e.Deterministic {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s (test map %s): %d request(s), %d branch(es), ends %s at position %d\n",
			mark, e.ExecutionID, e.TestMap, e.Requests, e.Branches, e.State, e.Position)
		for _, d := range e.Differences {
			fmt.Fprintf(w, "    %s\n", d)
		}
	}

	fmt.Fprintln(w)
	if !result.AllDeterministic {
		fmt.Fprintln(w, "✗ Replay diverged")
		return NewExitError(ExitFailure, "replay diverged from the recorded trace")
	}
	fmt.Fprintf(w, "✓ %d execution(s) replayed identically\n", result.Total)
	return nil
}
