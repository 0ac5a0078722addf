package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/qtinav/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Maps     int                        `json:"maps"`
	Items    int                        `json:"items"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.LoopWarning     `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <specs-dir>",
		Short: "Validate test maps and items without writing IR",
		Long: `Validate the CUE test maps and item definitions in a directory.

Checks structure, navigation and submission modes, item references, branch
targets and match variables. Branch loops are reported as warnings and do
not fail validation.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, specsDir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	bundle, loadErrors := compiler.LoadDir(specsDir, compiler.LoadModeCollectAll)
	if bundle == nil {
		return outputLoadFailure(formatter, loadErrors)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", bundle.FileCount, specsDir)

	result := validateBundle(bundle, loadErrors, formatter)
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateBundle runs every static check over a compiled bundle.
func validateBundle(bundle *compiler.Bundle, loadErrors []error, formatter *OutputFormatter) ValidationResult {
	result := ValidationResult{Maps: len(bundle.Maps), Items: len(bundle.Items)}

	for _, err := range loadErrors {
		result.Errors = append(result.Errors, loadValidationError(err))
	}
	for _, it := range bundle.Items {
		result.Errors = append(result.Errors, compiler.ValidateItem(it)...)
	}
	for _, tm := range bundle.Maps {
		formatter.VerboseLog("Validating test map: %s", tm.ID)
		for _, verr := range compiler.Validate(tm, bundle.Items) {
			verr.Field = fmt.Sprintf("testmap.%s.%s", tm.ID, verr.Field)
			result.Errors = append(result.Errors, verr)
		}
		result.Warnings = append(result.Warnings, compiler.AnalyzeLoops(tm)...)
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ValidateSpecsDir validates all specs in a directory.
func ValidateSpecsDir(specsDir string) (ValidationResult, error) {
	bundle, loadErrors := compiler.LoadDir(specsDir, compiler.LoadModeCollectAll)
	if bundle == nil {
		return ValidationResult{}, errors.Join(loadErrors...)
	}
	silent := &OutputFormatter{Format: "text"}
	return validateBundle(bundle, loadErrors, silent), nil
}

func loadValidationError(err error) compiler.ValidationError {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		verr := compiler.ValidationError{Field: "load", Message: loadErr.Message, Code: loadErr.Code}
		if loadErr.Pos.IsValid() {
			verr.Line = loadErr.Pos.Line()
		}
		return verr
	}
	return compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeGeneric}
}

// outputLoadFailure reports an error that prevented any compilation.
func outputLoadFailure(formatter *OutputFormatter, errs []error) error {
	code, message := compiler.ErrCodeGeneric, "no specs loaded"
	if len(errs) > 0 {
		message = errs[0].Error()
		var loadErr *compiler.LoadError
		if errors.As(errs[0], &loadErr) {
			code, message = loadErr.Code, loadErr.Message
		}
	}
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ All specs valid (%d test map(s), %d item(s))\n", result.Maps, result.Items)
	writeWarnings(formatter, result.Warnings)
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))

	if formatter.Format == "json" {
		if err := formatter.Report(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    result.Errors[0].Code,
				Message: result.Errors[0].Message,
			},
		}); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, err := range result.Errors {
		if err.Line > 0 {
			fmt.Fprintf(w, "line %d\n", err.Line)
		}
		fmt.Fprintf(w, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	writeWarnings(formatter, result.Warnings)
	return exitErr
}

func writeWarnings(formatter *OutputFormatter, warnings []compiler.LoopWarning) {
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "⚠ %s\n", w.Message)
	}
}
