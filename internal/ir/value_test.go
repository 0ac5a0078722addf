package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValueRejectsFloats(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"decimal", `1.5`},
		{"exponent", `1e3`},
		{"nested", `{"a":[1,2.25]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeValue([]byte(tt.json))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "floats are not allowed")
		})
	}
}

func TestDecodeValueTypes(t *testing.T) {
	v, err := DecodeValue([]byte(`{"s":"x","i":42,"b":true,"n":null,"l":["a","b"]}`))
	require.NoError(t, err)

	rec, ok := v.(Record)
	require.True(t, ok)
	assert.Equal(t, String("x"), rec["s"])
	assert.Equal(t, Int(42), rec["i"])
	assert.Equal(t, Bool(true), rec["b"])
	assert.Equal(t, Null{}, rec["n"])
	assert.Equal(t, Strings("a", "b"), rec["l"])
}

func TestRecordMarshalSortsKeys(t *testing.T) {
	rec := Record{"zeta": Int(1), "alpha": String("a"), "mid": List{Bool(false), Null{}}}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","mid":[false,null],"zeta":1}`, string(b))
}

func TestRecordUnmarshalNullIsNoop(t *testing.T) {
	var holder struct {
		R Record `json:"r"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"r":null}`), &holder))
	assert.Nil(t, holder.R)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(String("a"), String("a")))
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Record{"a": Int(1), "b": Int(2)}, Record{"b": Int(2), "a": Int(1)}))
	assert.False(t, Equal(String("1"), Int(1)))
	assert.False(t, Equal(Strings("a", "b"), Strings("b", "a")))
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(Null{}))
	assert.True(t, IsNull(String("")))
	assert.True(t, IsNull(List{}))
	assert.False(t, IsNull(String("a")))
	assert.False(t, IsNull(Int(0)))
	assert.False(t, IsNull(Bool(false)))
}

func TestToAnyRoundTrip(t *testing.T) {
	src := map[string]any{"a": "x", "b": int64(3), "c": []any{"y", true}}
	v, err := FromAny(src)
	require.NoError(t, err)
	assert.Equal(t, src, ToAny(v))
}
