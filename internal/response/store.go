// Package response holds candidate responses and correct-response sets
// consulted by branch rule evaluation.
//
// Store is used identically online and offline. Memory is the plain
// in-memory map; Persistent writes through to a durable KV so responses
// survive a reload; Overlay stages writes so a rejected navigation leaves
// the underlying store untouched.
package response

import (
	"context"
	"slices"

	"github.com/roach88/qtinav/internal/ir"
)

// Store is the response store contract.
//
// GetResponse reports ok=false for an unknown variable. GetCorrectResponse
// returns an empty, non-nil slice for an unknown variable. Neither fails for
// a missing key; errors are reserved for the backing storage.
type Store interface {
	AddResponse(ctx context.Context, id string, value ir.Value) error
	GetResponse(ctx context.Context, id string) (ir.Value, bool, error)
	AddCorrectResponse(ctx context.Context, id string, values []ir.Value) error
	GetCorrectResponse(ctx context.Context, id string) ([]ir.Value, error)
	Clear(ctx context.Context) error
}

// Matches reports whether resp is a member of correct.
//
// Multi-valued responses (List) match when they are non-empty and every
// element is a member. Null or missing responses never match.
func Matches(resp ir.Value, correct []ir.Value) bool {
	if len(correct) == 0 {
		return false
	}
	switch v := resp.(type) {
	case nil, ir.Null:
		return false
	case ir.List:
		if len(v) == 0 {
			return false
		}
		for _, elem := range v {
			if !member(elem, correct) {
				return false
			}
		}
		return true
	default:
		return member(resp, correct)
	}
}

func member(v ir.Value, set []ir.Value) bool {
	return slices.ContainsFunc(set, func(c ir.Value) bool { return ir.Equal(v, c) })
}

// LoadCorrect registers the correct responses declared by an item under
// "<item>.<response>" variable ids.
func LoadCorrect(ctx context.Context, s Store, def *ir.ItemDefinition) error {
	for _, decl := range def.Responses {
		if err := s.AddCorrectResponse(ctx, ir.VariableID(def.ID, decl.ID), decl.Correct); err != nil {
			return err
		}
	}
	return nil
}

// SubmitItem stores the responses submitted for one item, keyed by response
// identifier, under their variable ids.
func SubmitItem(ctx context.Context, s Store, item string, responses ir.Record) error {
	for _, k := range responses.SortedKeys() {
		if err := s.AddResponse(ctx, ir.VariableID(item, k), responses[k]); err != nil {
			return err
		}
	}
	return nil
}
