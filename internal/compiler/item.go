package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/qtinav/internal/ir"
)

// CompileItem parses a CUE value into an ItemDefinition.
//
//	item: Q1: {
//		title: "Capital of France"
//		responses: [{id: "RESPONSE", cardinality: "single", correct: ["paris"]}]
//	}
//
// The item id defaults to the struct label. Only response declarations
// matter for navigation; body is carried through as opaque text.
func CompileItem(v cue.Value) (*ir.ItemDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	item := &ir.ItemDefinition{ID: labelOf(v)}

	var err error
	if item.ID, err = optionalString(v, "id", item.ID); err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, &CompileError{Field: "id", Message: "item id is required", Pos: v.Pos()}
	}
	if item.Title, err = optionalString(v, "title", ""); err != nil {
		return nil, err
	}
	if item.Body, err = optionalString(v, "body", ""); err != nil {
		return nil, err
	}

	respVal := v.LookupPath(cue.ParsePath("responses"))
	if !respVal.Exists() {
		return item, nil
	}
	iter, err := respVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		decl, err := parseResponse(iter.Value(), fmt.Sprintf("responses[%d]", i))
		if err != nil {
			return nil, err
		}
		item.Responses = append(item.Responses, decl)
	}

	return item, nil
}

func parseResponse(v cue.Value, field string) (ir.ResponseDeclaration, error) {
	decl := ir.ResponseDeclaration{Cardinality: ir.CardinalitySingle}

	id, err := requiredString(v, "id", field)
	if err != nil {
		return decl, err
	}
	decl.ID = id

	card, err := optionalString(v, "cardinality", string(decl.Cardinality))
	if err != nil {
		return decl, err
	}
	decl.Cardinality = ir.Cardinality(card)

	if decl.BaseType, err = optionalString(v, "base_type", ""); err != nil {
		return decl, err
	}

	correctVal := v.LookupPath(cue.ParsePath("correct"))
	if !correctVal.Exists() {
		return decl, nil
	}
	iter, err := correctVal.List()
	if err != nil {
		return decl, &CompileError{Field: field + ".correct", Message: "correct must be a list of values", Pos: correctVal.Pos()}
	}
	for i := 0; iter.Next(); i++ {
		val, err := toValue(iter.Value(), fmt.Sprintf("%s.correct[%d]", field, i))
		if err != nil {
			return decl, err
		}
		decl.Correct = append(decl.Correct, val)
	}
	return decl, nil
}

// toValue converts a concrete CUE value to an ir.Value.
// Floats are rejected; decimal answers are authored as strings.
func toValue(v cue.Value, field string) (ir.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		list := ir.List{}
		for i := 0; iter.Next(); i++ {
			elem, err := toValue(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			list = append(list, elem)
		}
		return list, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rec := ir.Record{}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			elem, err := toValue(iter.Value(), field+"."+key)
			if err != nil {
				return nil, err
			}
			rec[key] = elem
		}
		return rec, nil
	case cue.FloatKind:
		return nil, &CompileError{
			Field:   field,
			Message: "float values are forbidden, write decimals as strings",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("value must be concrete, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}
