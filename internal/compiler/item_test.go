package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/testutil"
)

func compileItem(t *testing.T, src, path string) (*ir.ItemDefinition, error) {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return CompileItem(v.LookupPath(cue.ParsePath(path)))
}

func TestCompileItemBasic(t *testing.T) {
	item, err := compileItem(t, `
		item: Q1: {
			title: "Q1"
			responses: [{id: "RESPONSE", cardinality: "single", base_type: "identifier", correct: ["a", "b"]}]
		}
	`, "item.Q1")
	require.NoError(t, err)

	assert.Equal(t, testutil.Item("Q1", "a", "b"), item)
}

func TestCompileItemValues(t *testing.T) {
	item, err := compileItem(t, `
		item: calc: {
			id: "CALC"
			body: "<p>2 + 2</p>"
			responses: [
				{id: "N", correct: [4, "4.0"]},
				{id: "PAIRS", cardinality: "ordered", correct: [["a", "b"], {x: true}, null]},
				{id: "FREE"},
			]
		}
	`, "item.calc")
	require.NoError(t, err)

	assert.Equal(t, "CALC", item.ID)
	assert.Equal(t, "<p>2 + 2</p>", item.Body)
	require.Len(t, item.Responses, 3)

	assert.Equal(t, ir.CardinalitySingle, item.Responses[0].Cardinality)
	assert.Equal(t, ir.List{ir.Int(4), ir.String("4.0")}, item.Responses[0].Correct)

	assert.Equal(t, ir.CardinalityOrdered, item.Responses[1].Cardinality)
	assert.Equal(t, ir.List{
		ir.List{ir.String("a"), ir.String("b")},
		ir.Record{"x": ir.Bool(true)},
		ir.Null{},
	}, item.Responses[1].Correct)

	assert.Empty(t, item.Responses[2].Correct)
}

func TestCompileItemWithoutResponses(t *testing.T) {
	item, err := compileItem(t, `item: intro: title: "Welcome"`, "item.intro")
	require.NoError(t, err)
	assert.Equal(t, "intro", item.ID)
	assert.Empty(t, item.Responses)
}

func TestCompileItemErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name:  "float correct value",
			src:   `item: Q1: responses: [{id: "R", correct: [1.5]}]`,
			field: "responses[0].correct[0]",
		},
		{
			name:  "nested float",
			src:   `item: Q1: responses: [{id: "R", correct: [[1, 2.5]]}]`,
			field: "responses[0].correct[0][1]",
		},
		{
			name:  "non-concrete value",
			src:   `item: Q1: responses: [{id: "R", correct: [string]}]`,
			field: "responses[0].correct[0]",
		},
		{
			name:  "correct not a list",
			src:   `item: Q1: responses: [{id: "R", correct: "a"}]`,
			field: "responses[0].correct",
		},
		{
			name:  "response without id",
			src:   `item: Q1: responses: [{cardinality: "single"}]`,
			field: "responses[0].id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileItem(t, tt.src, "item.Q1")
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}
