package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	Execution string
	Kind      string // optional filter on request kind
}

// TraceEntry is one committed request in the timeline.
type TraceEntry struct {
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	From      int             `json:"from"`
	To        int             `json:"to"`
	FromItem  string          `json:"from_item,omitempty"`
	ToItem    string          `json:"to_item,omitempty"`
	Branch    string          `json:"branch,omitempty"`
	Version   int64           `json:"version"`
	ActionSeq int64           `json:"action_seq,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Total       int `json:"total"`
	Navigations int `json:"navigations"`
	Branches    int `json:"branches"`
	Synced      int `json:"synced"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	ExecutionID string       `json:"execution_id"`
	TestMap     string       `json:"test_map"`
	State       ir.TestState `json:"state"`
	Version     int64        `json:"version"`
	Timeline    []TraceEntry `json:"timeline"`
	Stats       TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the audit trail of an execution",
		Long: `Show every committed request of a delivery execution.

Each entry names the request kind, the route positions and items it moved
between, the branch rule target that was followed, the session version it
produced and, for synchronised offline actions, the client sequence number.

Without --exec the executions in the database are listed.

Examples:
  qtinav trace --db ./qtinav.db
  qtinav trace --db ./qtinav.db --exec exec-1
  qtinav trace --db ./qtinav.db --exec exec-1 --kind navigate --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "server database (default from config)")
	cmd.Flags().StringVar(&opts.Execution, "exec", "", "execution id to trace")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one request kind")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	dbPath, err := databasePath(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Execution == "" {
		ids, err := st.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list executions", err)
		}
		if formatter.Format == "json" {
			return formatter.Success(map[string]interface{}{"executions": ids})
		}
		if len(ids) == 0 {
			fmt.Fprintln(formatter.Writer, "No executions found.")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(formatter.Writer, id)
		}
		return nil
	}

	sess, err := st.LoadSession(ctx, opts.Execution)
	if err != nil {
		return formatter.EngineError(err)
	}
	tm, err := st.LoadTestMap(ctx, sess.TestMapID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load test map", err)
	}
	records, err := st.ReadTrace(ctx, opts.Execution)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	result := buildTraceResult(ir.NewRoute(tm), records, opts.Kind)
	result.ExecutionID = opts.Execution
	result.TestMap = tm.ID
	result.State = sess.State
	result.Version = sess.Version

	if formatter.Format == "json" {
		return formatter.Report(CLIResponse{Status: "ok", Data: result, ExecutionID: opts.Execution})
	}
	return outputTraceText(formatter, result)
}

// databasePath resolves --db against the config.
func databasePath(opts *RootOptions, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return "", err
	}
	return cfg.Storage.Database, nil
}

// buildTraceResult turns audit records into timeline entries.
func buildTraceResult(route *ir.Route, records []store.TraceRecord, kind string) TraceResult {
	result := TraceResult{Timeline: []TraceEntry{}}
	for _, r := range records {
		if kind != "" && r.Kind != kind {
			continue
		}
		entry := TraceEntry{
			Seq:       r.Seq,
			Kind:      r.Kind,
			From:      r.From,
			To:        r.To,
			FromItem:  itemAt(route, r.From),
			ToItem:    itemAt(route, r.To),
			Branch:    r.Branch,
			Version:   r.Version,
			ActionSeq: r.ActionSeq,
		}
		if len(r.Request) > 0 {
			entry.Request = r.Request
		}
		result.Timeline = append(result.Timeline, entry)

		if r.Kind == engine.KindNavigate {
			result.Stats.Navigations++
		}
		if r.Branch != "" {
			result.Stats.Branches++
		}
		if r.ActionSeq > 0 {
			result.Stats.Synced++
		}
	}
	result.Stats.Total = len(result.Timeline)
	return result
}

func itemAt(route *ir.Route, pos int) string {
	if it, ok := route.At(pos); ok {
		return it.ItemSessionID()
	}
	return ""
}

func outputTraceText(formatter *OutputFormatter, result TraceResult) error {
	w := formatter.Writer

	fmt.Fprintf(w, "Execution %s (test map %s, %s, version %d)\n\n",
		result.ExecutionID, result.TestMap, result.State, result.Version)
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No trace records.")
		return nil
	}

	for _, e := range result.Timeline {
		var b strings.Builder
		fmt.Fprintf(&b, "  #%-3d v%-3d %-9s %s → %s", e.Seq, e.Version, e.Kind, posLabel(e.From, e.FromItem), posLabel(e.To, e.ToItem))
		if e.Branch != "" {
			fmt.Fprintf(&b, "  branch %s", e.Branch)
		}
		if e.ActionSeq > 0 {
			fmt.Fprintf(&b, "  (offline #%d)", e.ActionSeq)
		}
		if formatter.Verbose && len(e.Request) > 0 {
			fmt.Fprintf(&b, "  %s", e.Request)
		}
		fmt.Fprintln(w, b.String())
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d record(s), %d navigation(s), %d branch(es) followed, %d synchronised\n",
		result.Stats.Total, result.Stats.Navigations, result.Stats.Branches, result.Stats.Synced)
	return nil
}

func posLabel(pos int, item string) string {
	if item == "" {
		return fmt.Sprintf("%d (end)", pos)
	}
	return fmt.Sprintf("%d %s", pos, item)
}
