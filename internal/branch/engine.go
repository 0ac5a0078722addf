// Package branch evaluates branch rule expression trees against a response
// store and picks the branch target for a route position.
//
// Evaluation is pure: it reads the store and never writes it. Rules are
// tried in declaration order and the first satisfied rule wins.
package branch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/response"
)

// Engine evaluates branch rules.
type Engine struct {
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for rule tracing.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate evaluates expr against store.
//
// A variable absent from the store makes match false; it is not an error.
// Errors come from the store itself, from context cancellation, or from an
// unknown node (INVALID_BRANCH_RULE_KIND).
func (e *Engine) Evaluate(ctx context.Context, expr ir.Expr, store response.Store) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	switch n := expr.(type) {
	case ir.Match:
		ok, err := e.match(ctx, n, store)
		if err != nil {
			return Result{}, err
		}
		return Single(ok), nil

	case ir.And:
		all := true
		for i, c := range n.Children {
			r, err := e.Evaluate(ctx, c, store)
			if err != nil {
				return Result{}, fmt.Errorf("and[%d]: %w", i, err)
			}
			if !r.Satisfied() {
				all = false
			}
		}
		return Single(all), nil

	case ir.Or:
		some := false
		for i, c := range n.Children {
			r, err := e.Evaluate(ctx, c, store)
			if err != nil {
				return Result{}, fmt.Errorf("or[%d]: %w", i, err)
			}
			if r.Satisfied() {
				some = true
			}
		}
		return Single(some), nil

	case ir.Not:
		out := make([]bool, len(n.Children))
		for i, c := range n.Children {
			r, err := e.Evaluate(ctx, c, store)
			if err != nil {
				return Result{}, fmt.Errorf("not[%d]: %w", i, err)
			}
			out[i] = !r.Satisfied()
		}
		return Many(out...), nil

	default:
		kind := fmt.Sprintf("%T", expr)
		if expr == nil {
			kind = "<nil>"
		}
		return Result{}, ir.NewInvalidBranchRuleKindError(kind)
	}
}

func (e *Engine) match(ctx context.Context, m ir.Match, store response.Store) (bool, error) {
	resp, ok, err := store.GetResponse(ctx, m.Variable)
	if err != nil {
		return false, fmt.Errorf("match %s: %w", m.Variable, err)
	}
	if !ok {
		return false, nil
	}
	correct, err := store.GetCorrectResponse(ctx, m.Correct)
	if err != nil {
		return false, fmt.Errorf("match %s: %w", m.Correct, err)
	}
	return response.Matches(resp, correct), nil
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Target of the first satisfied rule; empty when none matched.
	Target string

	// Index of the satisfied rule in declaration order, or -1.
	Index int
}

// Matched reports whether a rule fired.
func (r Resolution) Matched() bool { return r.Index >= 0 }

// Resolve evaluates rules in declaration order and returns the first
// satisfied rule. Rules after the first match are not evaluated.
func (e *Engine) Resolve(ctx context.Context, rules []ir.BranchRule, store response.Store) (Resolution, error) {
	for i, rule := range rules {
		r, err := e.Evaluate(ctx, rule.Expr, store)
		if err != nil {
			return Resolution{Index: -1}, fmt.Errorf("branch rule %d: %w", i, err)
		}
		if r.Satisfied() {
			e.logger.Debug("branch rule satisfied",
				"rule", i,
				"target", rule.Target,
			)
			return Resolution{Target: rule.Target, Index: i}, nil
		}
	}
	return Resolution{Index: -1}, nil
}
