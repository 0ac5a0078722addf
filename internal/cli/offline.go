package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/config"
	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/offline"
	"github.com/roach88/qtinav/internal/offline/localstore"
)

// OfflineOptions holds flags shared by the offline subcommands.
type OfflineOptions struct {
	*RootOptions
	Database string // local database, default from config
	Server   string // server base URL, default from config
}

// NewOfflineCommand creates the offline command group.
func NewOfflineCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OfflineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Deliver an execution without a server connection",
		Long: `Download an execution, navigate it locally and synchronise later.

fetch stores the server's snapshot of an execution in a local database.
Navigation then runs entirely on the client, with the same routing and branch
rules as the server, and every accepted action is queued. sync sends the
queue to the server in sequence order.

Example:
  qtinav offline fetch exec-1 --server http://localhost:8080
  qtinav offline navigate exec-1 next --response RESPONSE=a
  qtinav offline status exec-1
  qtinav offline sync exec-1`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "local database (default from config)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server base URL (default from config)")

	cmd.AddCommand(newOfflineFetchCommand(opts))
	cmd.AddCommand(newOfflineNavigateCommand(opts))
	cmd.AddCommand(newOfflineSimpleCommand(opts, "exit", "End the test", func(ctx context.Context, t *offline.JumpTable, _ []string) (ir.TestContext, error) {
		return t.Exit(ctx)
	}))
	cmd.AddCommand(newOfflineSimpleCommand(opts, "suspend", "Suspend the test session", func(ctx context.Context, t *offline.JumpTable, _ []string) (ir.TestContext, error) {
		return t.Suspend(ctx)
	}))
	cmd.AddCommand(newOfflineSimpleCommand(opts, "resume", "Resume a suspended session", func(ctx context.Context, t *offline.JumpTable, _ []string) (ir.TestContext, error) {
		return t.Resume(ctx)
	}))
	cmd.AddCommand(newOfflineSimpleCommand(opts, "comment <text>", "Leave a candidate comment", func(ctx context.Context, t *offline.JumpTable, args []string) (ir.TestContext, error) {
		return t.Comment(ctx, args[0])
	}))
	cmd.AddCommand(newOfflineSimpleCommand(opts, "flag <true|false>", "Flag or unflag the current item", func(ctx context.Context, t *offline.JumpTable, args []string) (ir.TestContext, error) {
		flagged, err := strconv.ParseBool(args[0])
		if err != nil {
			return ir.TestContext{}, fmt.Errorf("flag value: %w", err)
		}
		return t.Flag(ctx, flagged)
	}))
	cmd.AddCommand(newOfflineStatusCommand(opts))
	cmd.AddCommand(newOfflineSyncCommand(opts))

	return cmd
}

// settings resolves the config with the command's overrides applied.
func (o *OfflineOptions) settings() (*config.Config, error) {
	cfg, err := loadConfig(o.RootOptions)
	if err != nil {
		return nil, err
	}
	if o.Database != "" {
		cfg.Offline.Database = o.Database
	}
	if o.Server != "" {
		cfg.Offline.Server = o.Server
	}
	return cfg, nil
}

// offlineSession is an opened local database with its jump table.
type offlineSession struct {
	cfg    *config.Config
	logger *slog.Logger
	local  *localstore.Store
	table  *offline.JumpTable
}

func (s *offlineSession) Close() error {
	return s.local.Close()
}

func (o *OfflineOptions) open(cmd *cobra.Command, executionID string) (*offlineSession, error) {
	cfg, err := o.settings()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	local, err := localstore.Open(ctx, cfg.Offline.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local database", err)
	}
	table, err := offline.Open(ctx, local, executionID, offline.WithLogger(logger))
	if err != nil {
		local.Close()
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, WrapExitError(ExitCommandError,
				fmt.Sprintf("execution %s is not available offline (run offline fetch first)", executionID), err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to open execution", err)
	}
	return &offlineSession{cfg: cfg, logger: logger, local: local, table: table}, nil
}

func newOfflineFetchCommand(opts *OfflineOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "fetch <execution-id>",
		Short:         "Download an execution for offline delivery",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			cfg, err := opts.settings()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			exec := args[0]

			transport := offline.NewHTTPTransport(cfg.Offline.Server, nil)
			snap, err := transport.FetchSnapshot(ctx, exec)
			if err != nil {
				return formatter.EngineError(err)
			}

			local, err := localstore.Open(ctx, cfg.Offline.Database)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open local database", err)
			}
			defer local.Close()

			if err := offline.Seed(ctx, local, snap); err != nil {
				return WrapExitError(ExitCommandError, "failed to store snapshot", err)
			}
			formatter.VerboseLog("Stored %d item(s) of test map %s in %s", len(snap.Items), snap.Map.ID, cfg.Offline.Database)

			if formatter.Format == "json" {
				return formatter.Success(map[string]interface{}{
					"execution_id":   exec,
					"test_map":       snap.Map.ID,
					"items":          len(snap.Items),
					"server_version": snap.ServerVersion,
				})
			}
			fmt.Fprintf(formatter.Writer, "✓ Fetched %s (test map %s, %d item(s), version %d)\n",
				exec, snap.Map.ID, len(snap.Items), snap.ServerVersion)
			return nil
		},
	}
}

// NavigateOptions holds flags for offline navigate.
type NavigateOptions struct {
	Scope     string
	Target    string
	Responses []string
}

func newOfflineNavigateCommand(opts *OfflineOptions) *cobra.Command {
	nav := &NavigateOptions{}

	cmd := &cobra.Command{
		Use:   "navigate <execution-id> <next|previous|skip|jump>",
		Short: "Navigate without the server",
		Long: `Navigate an offline execution.

Responses for the item being left are given as --response ID=VALUE. Repeat a
response id to submit a multiple-cardinality list.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			req, err := nav.request(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid request", err)
			}

			sess, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			tc, err := sess.table.Navigate(commandContext(cmd), req)
			if err != nil {
				return formatter.EngineError(err)
			}
			return outputContext(formatter, tc)
		},
	}

	cmd.Flags().StringVar(&nav.Scope, "scope", string(ir.ScopeItem), "item | section | testPart")
	cmd.Flags().StringVar(&nav.Target, "target", "", "jump target (item, section or part id)")
	cmd.Flags().StringArrayVarP(&nav.Responses, "response", "r", nil, "response as ID=VALUE (repeatable)")

	return cmd
}

// request builds the navigation request described by the flags.
func (n *NavigateOptions) request(direction string) (engine.Request, error) {
	req := engine.Request{
		Direction: ir.Direction(direction),
		Scope:     ir.Scope(n.Scope),
		Target:    n.Target,
	}
	if !req.Direction.Valid() {
		return engine.Request{}, fmt.Errorf("invalid direction %q", direction)
	}
	if !req.Scope.Valid() {
		return engine.Request{}, fmt.Errorf("invalid scope %q", n.Scope)
	}
	responses, err := parseResponses(n.Responses)
	if err != nil {
		return engine.Request{}, err
	}
	req.Params.Responses = responses
	return req, nil
}

// parseResponses turns ID=VALUE pairs into a record. A repeated id becomes a
// list in the order given.
func parseResponses(pairs []string) (ir.Record, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	grouped := map[string][]string{}
	var order []string
	for _, p := range pairs {
		id, value, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("response %q: want ID=VALUE", p)
		}
		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], value)
	}
	rec := make(ir.Record, len(grouped))
	for _, id := range order {
		values := grouped[id]
		if len(values) == 1 {
			rec[id] = ir.String(values[0])
			continue
		}
		rec[id] = ir.Strings(values...)
	}
	return rec, nil
}

type tableOp func(ctx context.Context, t *offline.JumpTable, args []string) (ir.TestContext, error)

func newOfflineSimpleCommand(opts *OfflineOptions, use, short string, op tableOp) *cobra.Command {
	name, rest, _ := strings.Cut(use, " ")
	argc := 1
	if rest != "" {
		argc = 2
	}
	return &cobra.Command{
		Use:           strings.TrimSpace(name + " <execution-id> " + rest),
		Short:         short,
		Args:          cobra.ExactArgs(argc),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			sess, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			tc, err := op(commandContext(cmd), sess.table, args[1:])
			if err != nil {
				return formatter.EngineError(err)
			}
			return outputContext(formatter, tc)
		},
	}
}

// OfflineStatus is the output of offline status.
type OfflineStatus struct {
	Context       ir.TestContext `json:"context"`
	ServerVersion int64          `json:"server_version"`
	Pending       int            `json:"pending"`
	Actions       []string       `json:"actions,omitempty"`
}

func newOfflineStatusCommand(opts *OfflineOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <execution-id>",
		Short:         "Show the local context and the sync queue",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			sess, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			pending, err := sess.table.Pending(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}
			status := OfflineStatus{
				Context:       sess.table.Context(),
				ServerVersion: sess.table.ServerVersion(),
				Pending:       len(pending),
			}
			for _, a := range pending {
				status.Actions = append(status.Actions, fmt.Sprintf("#%d %s", a.Sequence, a.Type))
			}

			if formatter.Format == "json" {
				return formatter.Success(status)
			}
			w := formatter.Writer
			fmt.Fprintln(w, contextLine(status.Context))
			fmt.Fprintf(w, "server version %d, %d action(s) pending\n", status.ServerVersion, status.Pending)
			for _, a := range status.Actions {
				fmt.Fprintf(w, "  %s\n", a)
			}
			return nil
		},
	}
}

func newOfflineSyncCommand(opts *OfflineOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync <execution-id>",
		Short: "Send queued actions to the server",
		Long: `Send queued actions to the server in sequence order.

With --watch the command keeps running and flushes every offline.interval,
or as soon as an action is queued, until interrupted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := opts.formatter(cmd)
			sess, err := opts.open(cmd, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			transport := offline.NewHTTPTransport(sess.cfg.Offline.Server, nil)
			syncer := offline.NewSyncer(sess.table, transport,
				offline.WithBatchSize(sess.cfg.Offline.BatchSize),
				offline.WithInterval(sess.cfg.Offline.Interval),
				offline.WithSyncLogger(sess.logger),
			)

			ctx := commandContext(cmd)
			if watch {
				if err := syncer.Run(ctx); err != nil && ctx.Err() == nil {
					return WrapExitError(ExitFailure, "sync stopped", err)
				}
				return nil
			}

			rep, err := syncer.Flush(ctx)
			if err != nil {
				return formatter.EngineError(err)
			}
			if formatter.Format == "json" {
				if err := formatter.Success(rep); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(formatter.Writer, "sent %d, synced %d, rejected %d, pending %d\n",
					rep.Sent, rep.Synced, rep.Rejected, rep.Pending)
				if rep.Adopted {
					fmt.Fprintln(formatter.Writer, "⚠ local session replaced by the server's")
				}
			}
			if rep.Rejected > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d action(s) rejected", rep.Rejected))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	return cmd
}

// outputContext prints a test context.
func outputContext(formatter *OutputFormatter, tc ir.TestContext) error {
	if formatter.Format == "json" {
		return formatter.Success(tc)
	}
	fmt.Fprintln(formatter.Writer, contextLine(tc))
	return nil
}

func contextLine(tc ir.TestContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", tc.ExecutionID, tc.State)
	if tc.Paused {
		b.WriteString(" (paused)")
	}
	if tc.ItemSessionID != "" {
		fmt.Fprintf(&b, " at %s", tc.ItemSessionID)
	}
	fmt.Fprintf(&b, ", position %d/%d, version %d", tc.Position, tc.RouteLength, tc.Version)
	return b.String()
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
