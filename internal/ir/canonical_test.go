package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"string", String("hello"), `"hello"`},
		{"int", Int(-7), `-7`},
		{"null", Null{}, `null`},
		{"html not escaped", String("<a&b>"), `"<a&b>"`},
		{"line separator literal", String("a\u2028b"), "\"a\u2028b\""},
		{"nfc normalized", String("e\u0301"), "\"\u00e9\""},
		{"utf16 key order", Record{"\U0001F600": Int(1), "\uFFFD": Int(2)}, "{\"\U0001F600\":1,\"\uFFFD\":2}"},
		{"nested", map[string]any{"b": []any{"x"}, "a": true}, `{"a":true,"b":["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
		})
	}
}

func TestMarshalCanonicalRejectsFloat(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	require.Error(t, err)
}
