package ir

import (
	"encoding/json"
	"fmt"
)

// Branch rule node kinds as they appear in the compiled test map.
const (
	KindMatch = "match"
	KindAnd   = "and"
	KindOr    = "or"
	KindNot   = "not"
)

// BranchRule redirects navigation to Target when Expr is satisfied.
type BranchRule struct {
	Target string `json:"target"`
	Expr   Expr   `json:"expr"`
}

// Expr is a sealed interface for branch rule expression trees.
// Only Match, And, Or and Not implement it.
type Expr interface {
	expr()
	Kind() string
}

// Match is satisfied when the response stored under Variable is a member of
// the correct values stored under Correct.
type Match struct {
	Variable string
	Correct  string
}

func (Match) expr() {}

// Kind implements Expr.
func (Match) Kind() string { return KindMatch }

// And is satisfied when every child is.
type And struct{ Children []Expr }

func (And) expr() {}

// Kind implements Expr.
func (And) Kind() string { return KindAnd }

// Or is satisfied when at least one child is.
type Or struct{ Children []Expr }

func (Or) expr() {}

// Kind implements Expr.
func (Or) Kind() string { return KindOr }

// Not negates each child independently, preserving arity.
type Not struct{ Children []Expr }

func (Not) expr() {}

// Kind implements Expr.
func (Not) Kind() string { return KindNot }

// exprJSON is the wire form of every node.
type exprJSON struct {
	Kind     string            `json:"kind"`
	Variable string            `json:"variable,omitempty"`
	Correct  string            `json:"correct,omitempty"`
	Children []json.RawMessage `json:"children,omitempty"`
}

// MarshalExpr encodes an expression tree.
func MarshalExpr(e Expr) ([]byte, error) {
	switch n := e.(type) {
	case Match:
		return json.Marshal(exprJSON{Kind: KindMatch, Variable: n.Variable, Correct: n.Correct})
	case And:
		return marshalComposite(KindAnd, n.Children)
	case Or:
		return marshalComposite(KindOr, n.Children)
	case Not:
		return marshalComposite(KindNot, n.Children)
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown expression type: %T", e)
	}
}

func marshalComposite(kind string, children []Expr) ([]byte, error) {
	raw := make([]json.RawMessage, len(children))
	for i, c := range children {
		b, err := MarshalExpr(c)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
		raw[i] = b
	}
	return json.Marshal(exprJSON{Kind: kind, Children: raw})
}

// DecodeExpr parses an expression tree. Unknown kinds fail with an
// INVALID_BRANCH_RULE_KIND error.
func DecodeExpr(data []byte) (Expr, error) {
	var n exprJSON
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	switch n.Kind {
	case KindMatch:
		return Match{Variable: n.Variable, Correct: n.Correct}, nil
	case KindAnd, KindOr, KindNot:
		children := make([]Expr, len(n.Children))
		for i, raw := range n.Children {
			c, err := DecodeExpr(raw)
			if err != nil {
				return nil, err
			}
			children[i] = c
		}
		switch n.Kind {
		case KindAnd:
			return And{Children: children}, nil
		case KindOr:
			return Or{Children: children}, nil
		default:
			return Not{Children: children}, nil
		}
	default:
		return nil, NewInvalidBranchRuleKindError(n.Kind)
	}
}

// MarshalJSON implements json.Marshaler.
func (r BranchRule) MarshalJSON() ([]byte, error) {
	expr, err := MarshalExpr(r.Expr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Target string          `json:"target"`
		Expr   json.RawMessage `json:"expr"`
	}{r.Target, expr})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *BranchRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Target string          `json:"target"`
		Expr   json.RawMessage `json:"expr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Target = raw.Target
	r.Expr = nil
	if len(raw.Expr) == 0 || string(raw.Expr) == "null" {
		return nil
	}
	expr, err := DecodeExpr(raw.Expr)
	if err != nil {
		return err
	}
	r.Expr = expr
	return nil
}

// Children returns the direct children of a composite node, nil for Match.
func Children(e Expr) []Expr {
	switch n := e.(type) {
	case And:
		return n.Children
	case Or:
		return n.Children
	case Not:
		return n.Children
	}
	return nil
}

// WalkExpr visits e and all descendants depth-first.
func WalkExpr(e Expr, fn func(Expr)) {
	if e == nil {
		return
	}
	fn(e)
	for _, c := range Children(e) {
		WalkExpr(c, fn)
	}
}
