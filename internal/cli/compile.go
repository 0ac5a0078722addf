package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/compiler"
	"github.com/roach88/qtinav/internal/config"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/store"
)

// Compile error codes not produced by the compiler itself.
const (
	ErrCodeWriteFailed   = "E008" // writing the output file failed
	ErrCodeInvalidSpecs  = "E009" // compiled specs failed validation
	ErrCodePublishFailed = "E010" // storing compiled specs failed
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output   string // output file path
	Publish  bool   // store compiled maps and items
	Database string // overrides storage.database when publishing
}

// CompilationResult holds the compiled test maps and items.
type CompilationResult struct {
	Format   string               `json:"format"`
	TestMaps []*ir.TestMap        `json:"test_maps"`
	Items    []*ir.ItemDefinition `json:"items"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	MapCount    int
	ItemCount   int
	RouteLength int
	BranchRules int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs-dir>",
		Short: "Compile CUE test maps and items to IR",
		Long: `Compile CUE test maps and item definitions to their JSON IR.

With --publish the compiled maps and items are validated and stored in the
server database; items also go to the S3 bucket when items.source is s3.

Examples:
  qtinav compile ./assessment
  qtinav compile ./assessment -o assessment.json
  qtinav compile ./assessment --publish --db ./qtinav.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "store compiled maps and items")
	cmd.Flags().StringVar(&opts.Database, "db", "", "server database (default from config)")

	return cmd
}

func runCompile(opts *CompileOptions, specsDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	bundle, loadErrors := compiler.LoadDir(specsDir, compiler.LoadModeCollectAll)
	if bundle == nil {
		return outputLoadFailure(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", bundle.FileCount, specsDir)
	for _, tm := range bundle.Maps {
		formatter.VerboseLog("Compiling test map: %s", tm.ID)
	}
	for _, it := range bundle.Items {
		formatter.VerboseLog("Compiling item: %s", it.ID)
	}

	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{Format: ir.MapFormatVersion, TestMaps: bundle.Maps, Items: bundle.Items}
	stats := calculateStats(result)

	if opts.Output != "" {
		if err := writeIRToFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if opts.Publish {
		if v := validateBundle(bundle, nil, formatter); !v.Valid {
			_ = outputValidationErrors(formatter, v)
			return NewExitError(ExitFailure, fmt.Sprintf("%s: refusing to publish invalid specs", ErrCodeInvalidSpecs))
		}
		cfg, err := loadConfig(opts.RootOptions)
		if err != nil {
			return err
		}
		if opts.Database != "" {
			cfg.Storage.Database = opts.Database
		}
		if err := publish(cmd.Context(), cfg, result, formatter); err != nil {
			return outputCompileError(formatter, ErrCodePublishFailed, err.Error())
		}
	}

	return outputCompileSuccess(formatter, result, stats, opts)
}

// publish writes compiled specs to the server database and, for an S3 item
// source, uploads every item.
func publish(ctx context.Context, cfg *config.Config, result *CompilationResult, formatter *OutputFormatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	for _, tm := range result.TestMaps {
		hash, err := st.PutTestMap(ctx, tm)
		if err != nil {
			return fmt.Errorf("store test map %s: %w", tm.ID, err)
		}
		formatter.VerboseLog("Published test map %s (%s)", tm.ID, hash)
	}
	for _, it := range result.Items {
		if err := st.PutItem(ctx, it); err != nil {
			return fmt.Errorf("store item %s: %w", it.ID, err)
		}
	}

	if cfg.Items.Source != config.SourceS3 {
		return nil
	}
	loader, err := newS3Loader(ctx, cfg.Items.S3)
	if err != nil {
		return fmt.Errorf("s3 item source: %w", err)
	}
	for _, it := range result.Items {
		if err := loader.PutItem(ctx, it); err != nil {
			return fmt.Errorf("upload item %s: %w", it.ID, err)
		}
		formatter.VerboseLog("Uploaded item %s to s3://%s/%s", it.ID, cfg.Items.S3.Bucket, cfg.Items.S3.Prefix)
	}
	return nil
}

// calculateStats computes summary statistics from a compilation result.
func calculateStats(result *CompilationResult) CompilationStats {
	stats := CompilationStats{
		MapCount:  len(result.TestMaps),
		ItemCount: len(result.Items),
	}
	for _, tm := range result.TestMaps {
		route := ir.NewRoute(tm)
		stats.RouteLength += route.Len()
		for pos := range route.Items {
			stats.BranchRules += len(route.Ref(pos).BranchRules)
		}
	}
	return stats
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, stats CompilationStats, opts *CompileOptions) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d test map(s), %d item(s)\n\n", stats.MapCount, stats.ItemCount)

	if len(result.TestMaps) > 0 {
		fmt.Fprintln(w, "Test maps:")
		for _, tm := range result.TestMaps {
			route := ir.NewRoute(tm)
			rules := 0
			for pos := range route.Items {
				rules += len(route.Ref(pos).BranchRules)
			}
			fmt.Fprintf(w, "  %s: %d part(s), %d route position(s), %d branch rule(s)\n",
				tm.ID, len(tm.Parts), route.Len(), rules)
		}
		fmt.Fprintln(w)
	}

	if opts.Output != "" {
		fmt.Fprintf(w, "Wrote IR to %s\n", opts.Output)
	}
	if opts.Publish {
		fmt.Fprintln(w, "Published to the server database")
	}
	return nil
}

func outputCompileError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputCompileErrors outputs every error collected while compiling.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	exitErr := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
		}
		if err := formatter.Report(CLIResponse{
			Status: "error",
			Error:  &cliErrors[0],
			Data:   cliErrors,
		}); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Compilation failed")
	fmt.Fprintln(w)
	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(w, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(w, "  %s: %s\n\n", code, message)
	}
	return exitErr
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compiler.ErrCodeCompile, compileErr.Message
	}
	return compiler.ErrCodeGeneric, err.Error()
}

// writeIRToFile writes the compilation result as indented JSON.
func writeIRToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
