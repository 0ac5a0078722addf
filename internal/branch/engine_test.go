package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/response"
)

// truthStore answers match(v, v) with the boolean named by v: "T" or "F".
func truthStore(t *testing.T) response.Store {
	t.Helper()
	ctx := context.Background()
	s := response.NewMemory()
	require.NoError(t, s.AddResponse(ctx, "T", ir.String("yes")))
	require.NoError(t, s.AddResponse(ctx, "F", ir.String("no")))
	require.NoError(t, s.AddCorrectResponse(ctx, "T", ir.Strings("yes")))
	require.NoError(t, s.AddCorrectResponse(ctx, "F", ir.Strings("yes")))
	return s
}

func lit(b bool) ir.Expr {
	if b {
		return ir.Match{Variable: "T", Correct: "T"}
	}
	return ir.Match{Variable: "F", Correct: "F"}
}

func TestAndOrTruthTables(t *testing.T) {
	ctx := context.Background()
	s := truthStore(t)
	e := New()

	for _, a := range []bool{false, true} {
		for _, b := range []bool{false, true} {
			and, err := e.Evaluate(ctx, ir.And{Children: []ir.Expr{lit(a), lit(b)}}, s)
			require.NoError(t, err)
			assert.False(t, and.IsList())
			assert.Equal(t, a && b, and.Satisfied(), "and(%v,%v)", a, b)

			or, err := e.Evaluate(ctx, ir.Or{Children: []ir.Expr{lit(a), lit(b)}}, s)
			require.NoError(t, err)
			assert.Equal(t, a || b, or.Satisfied(), "or(%v,%v)", a, b)
		}
	}
}

func TestNotPreservesArity(t *testing.T) {
	ctx := context.Background()
	s := truthStore(t)
	e := New()

	tests := []struct {
		name     string
		children []bool
		want     []bool
	}{
		{"single", []bool{true}, []bool{false}},
		{"two", []bool{true, false}, []bool{false, true}},
		{"three", []bool{false, false, true}, []bool{true, true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			children := make([]ir.Expr, len(tt.children))
			for i, b := range tt.children {
				children[i] = lit(b)
			}
			r, err := e.Evaluate(ctx, ir.Not{Children: children}, s)
			require.NoError(t, err)
			assert.True(t, r.IsList())
			assert.Equal(t, tt.want, r.Values(), "one negated result per child, not a negated conjunction")
		})
	}
}

func TestNotListSatisfiedOnlyWhenAllTrue(t *testing.T) {
	ctx := context.Background()
	s := truthStore(t)
	e := New()

	r, err := e.Evaluate(ctx, ir.Not{Children: []ir.Expr{lit(false), lit(true)}}, s)
	require.NoError(t, err)
	assert.False(t, r.Satisfied())

	r, err = e.Evaluate(ctx, ir.Not{Children: []ir.Expr{lit(false), lit(false)}}, s)
	require.NoError(t, err)
	assert.True(t, r.Satisfied())

	assert.False(t, Many().Satisfied())
}

func TestMatchUnknownVariableIsFalse(t *testing.T) {
	ctx := context.Background()
	e := New()

	r, err := e.Evaluate(ctx, ir.Match{Variable: "missing", Correct: "missing"}, response.NewMemory())
	require.NoError(t, err)
	assert.False(t, r.Satisfied())

	s := response.NewMemory()
	require.NoError(t, s.AddResponse(ctx, "Q1.RESPONSE", ir.String("a")))
	r, err = e.Evaluate(ctx, ir.Match{Variable: "Q1.RESPONSE", Correct: "unknown"}, s)
	require.NoError(t, err)
	assert.False(t, r.Satisfied())
}

func TestUnknownNodeFails(t *testing.T) {
	_, err := New().Evaluate(context.Background(), nil, response.NewMemory())
	require.Error(t, err)
	assert.True(t, ir.IsInvalidBranchRuleKind(err))
}

func TestResolveFirstMatchWins(t *testing.T) {
	ctx := context.Background()
	s := truthStore(t)
	e := New()

	rules := []ir.BranchRule{
		{Target: "Q2", Expr: lit(false)},
		{Target: "Q3", Expr: lit(true)},
		{Target: "Q4", Expr: lit(true)},
	}
	res, err := e.Resolve(ctx, rules, s)
	require.NoError(t, err)
	assert.True(t, res.Matched())
	assert.Equal(t, "Q3", res.Target)
	assert.Equal(t, 1, res.Index)

	res, err = e.Resolve(ctx, rules[:1], s)
	require.NoError(t, err)
	assert.False(t, res.Matched())
	assert.Empty(t, res.Target)
}

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	e := New()
	rule := []ir.BranchRule{{Target: "Q3", Expr: ir.Match{Variable: "R1", Correct: "R1"}}}

	s := response.NewMemory()
	require.NoError(t, s.AddCorrectResponse(ctx, "R1", ir.Strings("a", "b")))

	require.NoError(t, s.AddResponse(ctx, "R1", ir.String("b")))
	res, err := e.Resolve(ctx, rule, s)
	require.NoError(t, err)
	assert.Equal(t, "Q3", res.Target)

	require.NoError(t, s.AddResponse(ctx, "R1", ir.String("z")))
	res, err = e.Resolve(ctx, rule, s)
	require.NoError(t, err)
	assert.False(t, res.Matched())
}

func TestEvaluateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Evaluate(ctx, lit(true), truthStore(t))
	assert.ErrorIs(t, err, context.Canceled)
}
