package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/qtinav/internal/ir"
)

// CompileTestMap parses a CUE value into a TestMap.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the test map struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`testmap: algebra: { parts: [...] }`)
//	tm, err := CompileTestMap(v.LookupPath(cue.ParsePath("testmap.algebra")))
//
// The map id defaults to the struct label. Item references may be written
// as a bare identifier string or as a struct with branch rules.
func CompileTestMap(v cue.Value) (*ir.TestMap, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	tm := &ir.TestMap{ID: labelOf(v)}

	var err error
	if tm.ID, err = optionalString(v, "id", tm.ID); err != nil {
		return nil, err
	}
	if tm.ID == "" {
		return nil, &CompileError{Field: "id", Message: "test map id is required", Pos: v.Pos()}
	}
	if tm.Title, err = optionalString(v, "title", ""); err != nil {
		return nil, err
	}
	if tm.Revision, err = optionalString(v, "revision", ""); err != nil {
		return nil, err
	}

	partsVal := v.LookupPath(cue.ParsePath("parts"))
	if !partsVal.Exists() {
		return nil, &CompileError{Field: "parts", Message: "at least one test part is required", Pos: v.Pos()}
	}
	iter, err := partsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		part, err := parsePart(iter.Value(), fmt.Sprintf("parts[%d]", i))
		if err != nil {
			return nil, err
		}
		tm.Parts = append(tm.Parts, part)
	}
	if len(tm.Parts) == 0 {
		return nil, &CompileError{Field: "parts", Message: "at least one test part is required", Pos: partsVal.Pos()}
	}

	return tm, nil
}

func parsePart(v cue.Value, field string) (ir.TestPart, error) {
	part := ir.TestPart{
		NavigationMode: ir.NavigationLinear,
		SubmissionMode: ir.SubmissionIndividual,
	}

	id, err := requiredString(v, "id", field)
	if err != nil {
		return part, err
	}
	part.ID = id

	nav, err := optionalString(v, "navigation", string(part.NavigationMode))
	if err != nil {
		return part, err
	}
	part.NavigationMode = ir.NavigationMode(nav)

	sub, err := optionalString(v, "submission", string(part.SubmissionMode))
	if err != nil {
		return part, err
	}
	part.SubmissionMode = ir.SubmissionMode(sub)

	sectionsVal := v.LookupPath(cue.ParsePath("sections"))
	if !sectionsVal.Exists() {
		return part, &CompileError{Field: field + ".sections", Message: "test part sections are required", Pos: v.Pos()}
	}
	iter, err := sectionsVal.List()
	if err != nil {
		return part, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		sect, err := parseSection(iter.Value(), fmt.Sprintf("%s.sections[%d]", field, i))
		if err != nil {
			return part, err
		}
		part.Sections = append(part.Sections, sect)
	}

	return part, nil
}

func parseSection(v cue.Value, field string) (ir.Section, error) {
	var sect ir.Section

	id, err := requiredString(v, "id", field)
	if err != nil {
		return sect, err
	}
	sect.ID = id
	if sect.Title, err = optionalString(v, "title", ""); err != nil {
		return sect, err
	}

	itemsVal := v.LookupPath(cue.ParsePath("items"))
	if !itemsVal.Exists() {
		return sect, &CompileError{Field: field + ".items", Message: "section items are required", Pos: v.Pos()}
	}
	iter, err := itemsVal.List()
	if err != nil {
		return sect, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		ref, err := parseItemRef(iter.Value(), fmt.Sprintf("%s.items[%d]", field, i))
		if err != nil {
			return sect, err
		}
		sect.Items = append(sect.Items, ref)
	}

	return sect, nil
}

// parseItemRef accepts either "Q1" or {id: "Q1", ...}.
func parseItemRef(v cue.Value, field string) (ir.ItemRef, error) {
	var ref ir.ItemRef

	if v.IncompleteKind() == cue.StringKind {
		id, err := v.String()
		if err != nil {
			return ref, formatCUEError(err)
		}
		ref.ID = id
		return ref, nil
	}

	id, err := requiredString(v, "id", field)
	if err != nil {
		return ref, err
	}
	ref.ID = id

	if catVal := v.LookupPath(cue.ParsePath("categories")); catVal.Exists() {
		iter, err := catVal.List()
		if err != nil {
			return ref, formatCUEError(err)
		}
		for iter.Next() {
			c, err := iter.Value().String()
			if err != nil {
				return ref, formatCUEError(err)
			}
			ref.Categories = append(ref.Categories, c)
		}
	}

	if skipVal := v.LookupPath(cue.ParsePath("allow_skipping")); skipVal.Exists() {
		b, err := skipVal.Bool()
		if err != nil {
			return ref, formatCUEError(err)
		}
		ref.AllowSkipping = &b
	}

	if branchVal := v.LookupPath(cue.ParsePath("branch")); branchVal.Exists() {
		iter, err := branchVal.List()
		if err != nil {
			return ref, formatCUEError(err)
		}
		for i := 0; iter.Next(); i++ {
			rule, err := parseBranchRule(iter.Value(), fmt.Sprintf("%s.branch[%d]", field, i))
			if err != nil {
				return ref, err
			}
			ref.BranchRules = append(ref.BranchRules, rule)
		}
	}

	return ref, nil
}

func parseBranchRule(v cue.Value, field string) (ir.BranchRule, error) {
	var rule ir.BranchRule

	target, err := requiredString(v, "target", field)
	if err != nil {
		return rule, err
	}
	rule.Target = target

	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return rule, &CompileError{Field: field + ".when", Message: "branch condition is required", Pos: v.Pos()}
	}
	rule.Expr, err = parseExpr(whenVal, field+".when")
	if err != nil {
		return rule, err
	}
	return rule, nil
}

// parseExpr reads a single-key struct naming the node kind:
//
//	{match: "Q1.RESPONSE"}
//	{match: {variable: "Q1.RESPONSE", correct: "KEY.RESPONSE"}}
//	{and: [...]} | {or: [...]} | {not: [...]}
func parseExpr(v cue.Value, field string) (ir.Expr, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var kinds []string
	var body cue.Value
	for iter.Next() {
		kinds = append(kinds, iter.Selector().Unquoted())
		body = iter.Value()
	}
	if len(kinds) != 1 {
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("expression must have exactly one kind, got [%s]", strings.Join(kinds, ", ")),
			Pos:     v.Pos(),
		}
	}

	switch kind := kinds[0]; kind {
	case ir.KindMatch:
		return parseMatch(body, field+"."+kind)
	case ir.KindAnd, ir.KindOr, ir.KindNot:
		children, err := parseChildren(body, field+"."+kind)
		if err != nil {
			return nil, err
		}
		switch kind {
		case ir.KindAnd:
			return ir.And{Children: children}, nil
		case ir.KindOr:
			return ir.Or{Children: children}, nil
		default:
			return ir.Not{Children: children}, nil
		}
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unknown branch rule kind %q", kind),
			Pos:     body.Pos(),
			Err:     ir.NewInvalidBranchRuleKindError(kind),
		}
	}
}

func parseMatch(v cue.Value, field string) (ir.Expr, error) {
	if v.IncompleteKind() == cue.StringKind {
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Match{Variable: s, Correct: s}, nil
	}

	variable, err := requiredString(v, "variable", field)
	if err != nil {
		return nil, err
	}
	correct, err := optionalString(v, "correct", variable)
	if err != nil {
		return nil, err
	}
	return ir.Match{Variable: variable, Correct: correct}, nil
}

func parseChildren(v cue.Value, field string) ([]ir.Expr, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{Field: field, Message: "children must be a list of expressions", Pos: v.Pos()}
	}
	var children []ir.Expr
	for i := 0; iter.Next(); i++ {
		c, err := parseExpr(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, nil
}

func labelOf(v cue.Value) string {
	labels := v.Path().Selectors()
	if len(labels) == 0 {
		return ""
	}
	return labels[len(labels)-1].Unquoted()
}

func requiredString(v cue.Value, name, field string) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return "", &CompileError{Field: field + "." + name, Message: name + " is required", Pos: v.Pos()}
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	if s == "" {
		return "", &CompileError{Field: field + "." + name, Message: name + " must be non-empty", Pos: f.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, name, def string) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return def, nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
	Err     error
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns the typed navigation error behind e, if any.
func (e *CompileError) Unwrap() error { return e.Err }

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
