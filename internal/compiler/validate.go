package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/qtinav/internal/ir"
)

// Validation error codes (E200-E299)
const (
	// Structure (E200-E205)
	ErrTestMapIDEmpty        = "E200" // test map id is required
	ErrEmptyContainer        = "E201" // map without parts, part without sections, section without items
	ErrDuplicateID           = "E202" // part, section or item id reused across containers
	ErrInvalidNavigationMode = "E203" // navigation mode is not linear or nonlinear
	ErrInvalidSubmissionMode = "E204" // submission mode is not individual or simultaneous

	// Branch rules (E210-E219)
	ErrMissingBranchTarget = "E210" // target does not resolve to any route position
	ErrIllegalBranchTarget = "E211" // target can never be entered from the rule's item
	ErrInvalidBranchRule   = "E212" // malformed expression tree
	ErrUndefinedVariable   = "E213" // match names an undeclared response variable

	// Items (E220-E229)
	ErrUndefinedItem       = "E220" // referenced item has no definition
	ErrInvalidItem         = "E221" // item id missing
	ErrInvalidCardinality  = "E222" // cardinality is not single, multiple or ordered
	ErrDuplicateResponseID = "E223" // response id declared twice in one item
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled test map. When items is non-nil, item
// references and match variables are also checked against the
// definitions. Returns all errors found (does not fail-fast).
func Validate(tm *ir.TestMap, items []*ir.ItemDefinition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(tm.ID) == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "test map id is required", Code: ErrTestMapIDEmpty})
	}
	if len(tm.Parts) == 0 {
		errs = append(errs, ValidationError{Field: "parts", Message: "at least one test part is required", Code: ErrEmptyContainer})
		return errs
	}

	errs = append(errs, validateStructure(tm)...)

	var defs map[string]*ir.ItemDefinition
	if items != nil {
		defs = make(map[string]*ir.ItemDefinition, len(items))
		for _, it := range items {
			defs[it.ID] = it
		}
	}

	route := ir.NewRoute(tm)
	fields := refFields(tm)
	reported := make(map[string]bool)
	for pos := range route.Items {
		ref := route.Ref(pos)
		field := fields[pos]

		if defs != nil && defs[ref.ID] == nil && !reported[ref.ID] {
			reported[ref.ID] = true
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("item %q has no definition", ref.ID),
				Code:    ErrUndefinedItem,
			})
		}

		for i, rule := range ref.BranchRules {
			rf := fmt.Sprintf("%s.branch[%d]", field, i)
			errs = append(errs, validateTarget(route, pos, rule.Target, rf+".target")...)
			errs = append(errs, validateExpr(rule.Expr, rf+".when", defs)...)
		}
	}

	return errs
}

// ValidateItem checks one item definition.
func ValidateItem(item *ir.ItemDefinition) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(item.ID) == "" {
		errs = append(errs, ValidationError{Field: "id", Message: "item id is required", Code: ErrInvalidItem})
	}

	seen := make(map[string]bool)
	for i, decl := range item.Responses {
		field := fmt.Sprintf("item.%s.responses[%d]", item.ID, i)
		if seen[decl.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate response id: %q", decl.ID),
				Code:    ErrDuplicateResponseID,
			})
		}
		seen[decl.ID] = true

		switch decl.Cardinality {
		case ir.CardinalitySingle, ir.CardinalityMultiple, ir.CardinalityOrdered:
		default:
			errs = append(errs, ValidationError{
				Field:   field + ".cardinality",
				Message: fmt.Sprintf("invalid cardinality %q, must be \"single\", \"multiple\", or \"ordered\"", decl.Cardinality),
				Code:    ErrInvalidCardinality,
			})
		}
	}

	return errs
}

func validateStructure(tm *ir.TestMap) []ValidationError {
	var errs []ValidationError

	// Parts and sections share one namespace with item ids since a branch
	// target may name any of them.
	owner := make(map[string]string)
	claim := func(id, kind, field string) {
		if ir.IsExitTarget(id) {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s id %q is reserved", kind, id),
				Code:    ErrDuplicateID,
			})
			return
		}
		if prev, ok := owner[id]; ok && (prev != "item" || kind != "item") {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s id %q is already used by a %s", kind, id, prev),
				Code:    ErrDuplicateID,
			})
			return
		}
		owner[id] = kind
	}

	for pi, part := range tm.Parts {
		pf := fmt.Sprintf("parts[%d]", pi)
		claim(part.ID, "test part", pf+".id")

		switch part.NavigationMode {
		case ir.NavigationLinear, ir.NavigationNonlinear:
		default:
			errs = append(errs, ValidationError{
				Field:   pf + ".navigation",
				Message: fmt.Sprintf("invalid navigation mode %q, must be \"linear\" or \"nonlinear\"", part.NavigationMode),
				Code:    ErrInvalidNavigationMode,
			})
		}
		switch part.SubmissionMode {
		case ir.SubmissionIndividual, ir.SubmissionSimultaneous:
		default:
			errs = append(errs, ValidationError{
				Field:   pf + ".submission",
				Message: fmt.Sprintf("invalid submission mode %q, must be \"individual\" or \"simultaneous\"", part.SubmissionMode),
				Code:    ErrInvalidSubmissionMode,
			})
		}

		if len(part.Sections) == 0 {
			errs = append(errs, ValidationError{
				Field:   pf + ".sections",
				Message: fmt.Sprintf("test part %q has no sections", part.ID),
				Code:    ErrEmptyContainer,
			})
		}
		for si, sect := range part.Sections {
			sf := fmt.Sprintf("%s.sections[%d]", pf, si)
			claim(sect.ID, "section", sf+".id")
			if len(sect.Items) == 0 {
				errs = append(errs, ValidationError{
					Field:   sf + ".items",
					Message: fmt.Sprintf("section %q has no items", sect.ID),
					Code:    ErrEmptyContainer,
				})
			}
			for ii, ref := range sect.Items {
				claim(ref.ID, "item", fmt.Sprintf("%s.items[%d].id", sf, ii))
			}
		}
	}

	return errs
}

// validateTarget mirrors the runtime resolution rules: a target may move
// forward into a later part, but never back into an earlier one, and a
// linear part never branches backwards.
func validateTarget(route *ir.Route, pos int, target, field string) []ValidationError {
	if ir.IsExitTarget(target) {
		return nil
	}
	if target == "" {
		return []ValidationError{{Field: field, Message: "branch target is required", Code: ErrMissingBranchTarget}}
	}

	to := route.Lookup(target, pos)
	if to < 0 {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("branch target %q does not exist", target),
			Code:    ErrMissingBranchTarget,
		}}
	}

	cur, dest := route.Items[pos], route.Items[to]
	if route.PartIndex(dest.TestPartID) < route.PartIndex(cur.TestPartID) {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("branch target %q is in test part %q which precedes %q", target, dest.TestPartID, cur.TestPartID),
			Code:    ErrIllegalBranchTarget,
		}}
	}
	if dest.TestPartID == cur.TestPartID && to <= pos && route.PartAt(pos).Linear() {
		return []ValidationError{{
			Field:   field,
			Message: fmt.Sprintf("branch target %q does not follow %s in linear test part %q", target, cur.ItemSessionID(), cur.TestPartID),
			Code:    ErrIllegalBranchTarget,
		}}
	}
	return nil
}

func validateExpr(e ir.Expr, field string, defs map[string]*ir.ItemDefinition) []ValidationError {
	switch n := e.(type) {
	case nil:
		return []ValidationError{{Field: field, Message: "branch condition is required", Code: ErrInvalidBranchRule}}
	case ir.Match:
		if n.Variable == "" || n.Correct == "" {
			return []ValidationError{{Field: field, Message: "match requires variable and correct", Code: ErrInvalidBranchRule}}
		}
		if defs == nil {
			return nil
		}
		var errs []ValidationError
		for _, v := range []string{n.Variable, n.Correct} {
			if !declared(defs, v) {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("response variable %q is not declared by any item", v),
					Code:    ErrUndefinedVariable,
				})
			}
			if n.Variable == n.Correct {
				break
			}
		}
		return errs
	default:
		children := ir.Children(e)
		if len(children) == 0 {
			return []ValidationError{{
				Field:   field,
				Message: fmt.Sprintf("%s requires at least one child", e.Kind()),
				Code:    ErrInvalidBranchRule,
			}}
		}
		var errs []ValidationError
		for i, c := range children {
			errs = append(errs, validateExpr(c, fmt.Sprintf("%s.%s[%d]", field, e.Kind(), i), defs)...)
		}
		return errs
	}
}

func declared(defs map[string]*ir.ItemDefinition, variable string) bool {
	i := strings.LastIndexByte(variable, '.')
	if i <= 0 {
		return false
	}
	def := defs[variable[:i]]
	if def == nil {
		return false
	}
	for _, decl := range def.Responses {
		if decl.ID == variable[i+1:] {
			return true
		}
	}
	return false
}

// refFields returns the source path of every route position, in route order.
func refFields(tm *ir.TestMap) []string {
	var out []string
	for pi, part := range tm.Parts {
		for si, sect := range part.Sections {
			for ii := range sect.Items {
				out = append(out, fmt.Sprintf("parts[%d].sections[%d].items[%d]", pi, si, ii))
			}
		}
	}
	return out
}
