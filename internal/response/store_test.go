package response

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
)

type mapKV map[string][]byte

func (m mapKV) Put(_ context.Context, bucket, key string, value []byte) error {
	m[bucket+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (m mapKV) Get(_ context.Context, bucket, key string) ([]byte, bool, error) {
	b, ok := m[bucket+"/"+key]
	return b, ok, nil
}

func (m mapKV) Clear(_ context.Context, bucket string) error {
	for k := range m {
		if len(k) > len(bucket) && k[:len(bucket)+1] == bucket+"/" {
			delete(m, k)
		}
	}
	return nil
}

func stores() map[string]func() Store {
	return map[string]func() Store{
		"memory":     func() Store { return NewMemory() },
		"persistent": func() Store { return NewPersistent(mapKV{}) },
		"overlay":    func() Store { return NewOverlay(NewMemory()) },
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, mk := range stores() {
		t.Run(name, func(t *testing.T) {
			s := mk()

			_, ok, err := s.GetResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			assert.False(t, ok, "unknown variable is absent")

			correct, err := s.GetCorrectResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			assert.NotNil(t, correct)
			assert.Empty(t, correct)

			require.NoError(t, s.AddResponse(ctx, "Q1.RESPONSE", ir.String("b")))
			require.NoError(t, s.AddCorrectResponse(ctx, "Q1.RESPONSE", ir.Strings("a", "b")))

			v, ok, err := s.GetResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, ir.String("b"), v)

			correct, err = s.GetCorrectResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			assert.Equal(t, []ir.Value{ir.String("a"), ir.String("b")}, correct)

			require.NoError(t, s.Clear(ctx))
			_, ok, err = s.GetResponse(ctx, "Q1.RESPONSE")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPersistentSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}

	first := NewPersistent(kv)
	require.NoError(t, first.AddResponse(ctx, "Q1.RESPONSE", ir.Strings("x", "y")))

	second := NewPersistent(kv)
	v, ok, err := second.GetResponse(ctx, "Q1.RESPONSE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Strings("x", "y"), v)
}

func TestMatches(t *testing.T) {
	correct := []ir.Value{ir.String("a"), ir.String("b")}

	tests := []struct {
		name string
		resp ir.Value
		want bool
	}{
		{"member", ir.String("b"), true},
		{"not member", ir.String("z"), false},
		{"nil", nil, false},
		{"null", ir.Null{}, false},
		{"list all members", ir.Strings("a", "b"), true},
		{"list partial", ir.Strings("a", "z"), false},
		{"empty list", ir.List{}, false},
		{"type mismatch", ir.Int(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.resp, correct))
		})
	}

	assert.False(t, Matches(ir.String("a"), nil), "empty correct set never matches")
}

func TestOverlayStagesUntilCommit(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	o := NewOverlay(base)

	require.NoError(t, SubmitItem(ctx, o, "Q1", ir.Record{"RESPONSE": ir.String("b")}))

	v, ok, err := o.GetResponse(ctx, "Q1.RESPONSE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("b"), v)

	_, ok, _ = base.GetResponse(ctx, "Q1.RESPONSE")
	assert.False(t, ok, "base untouched before commit")
	assert.Len(t, o.Pending(), 1)

	require.NoError(t, o.Commit(ctx))
	_, ok, _ = base.GetResponse(ctx, "Q1.RESPONSE")
	assert.True(t, ok)
	assert.Empty(t, o.Pending())
}

func TestLoadCorrect(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	def := &ir.ItemDefinition{
		ID: "Q1",
		Responses: []ir.ResponseDeclaration{
			{ID: "RESPONSE", Cardinality: ir.CardinalitySingle, Correct: ir.Strings("a", "b")},
		},
	}
	require.NoError(t, LoadCorrect(ctx, s, def))

	got, err := s.GetCorrectResponse(ctx, "Q1.RESPONSE")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
