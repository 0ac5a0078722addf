package testutil

import "github.com/roach88/qtinav/internal/ir"

// Item returns a single-response item definition whose RESPONSE variable is
// correct for any of the given values.
func Item(id string, correct ...string) *ir.ItemDefinition {
	return &ir.ItemDefinition{
		ID:    id,
		Title: id,
		Responses: []ir.ResponseDeclaration{{
			ID:          "RESPONSE",
			Cardinality: ir.CardinalitySingle,
			BaseType:    "identifier",
			Correct:     ir.Strings(correct...),
		}},
	}
}

// MatchCorrect is the common branch condition "the RESPONSE of item is correct".
func MatchCorrect(item string) ir.Match {
	v := ir.VariableID(item, "RESPONSE")
	return ir.Match{Variable: v, Correct: v}
}

// BranchingMap is a single linear part with items Q1, Q2, Q3 where Q1
// branches to Q3 when its response is correct.
func BranchingMap() *ir.TestMap {
	return &ir.TestMap{
		ID:    "branching",
		Title: "Branching",
		Parts: []ir.TestPart{{
			ID:             "P1",
			NavigationMode: ir.NavigationLinear,
			SubmissionMode: ir.SubmissionIndividual,
			Sections: []ir.Section{{
				ID: "S1",
				Items: []ir.ItemRef{
					{ID: "Q1", BranchRules: []ir.BranchRule{{Target: "Q3", Expr: MatchCorrect("Q1")}}},
					{ID: "Q2"},
					{ID: "Q3"},
				},
			}},
		}},
	}
}

// BranchingItems are the definitions referenced by BranchingMap. Q1 is
// correct for "a" or "b".
func BranchingItems() []*ir.ItemDefinition {
	return []*ir.ItemDefinition{Item("Q1", "a", "b"), Item("Q2", "a"), Item("Q3", "a")}
}

// MixedMap has a linear part followed by a non-linear one:
//
//	P1 (linear, individual)      S1: Q1 Q2   S2: Q3
//	P2 (nonlinear, simultaneous) S3: Q4 Q5   S4: Q6
//
// Q2 exits the section when correct, Q4 may not be skipped and Q5 exits the
// test when Q4 and Q5 are both correct.
func MixedMap() *ir.TestMap {
	noSkip := false
	return &ir.TestMap{
		ID:    "mixed",
		Title: "Mixed",
		Parts: []ir.TestPart{
			{
				ID:             "P1",
				NavigationMode: ir.NavigationLinear,
				SubmissionMode: ir.SubmissionIndividual,
				Sections: []ir.Section{
					{ID: "S1", Items: []ir.ItemRef{
						{ID: "Q1", Categories: []string{"warmup"}},
						{ID: "Q2", BranchRules: []ir.BranchRule{{Target: ir.TargetExitSection, Expr: MatchCorrect("Q2")}}},
					}},
					{ID: "S2", Items: []ir.ItemRef{{ID: "Q3"}}},
				},
			},
			{
				ID:             "P2",
				NavigationMode: ir.NavigationNonlinear,
				SubmissionMode: ir.SubmissionSimultaneous,
				Sections: []ir.Section{
					{ID: "S3", Items: []ir.ItemRef{
						{ID: "Q4", AllowSkipping: &noSkip},
						{ID: "Q5", BranchRules: []ir.BranchRule{{
							Target: ir.TargetExitTest,
							Expr:   ir.And{Children: []ir.Expr{MatchCorrect("Q4"), MatchCorrect("Q5")}},
						}}},
					}},
					{ID: "S4", Items: []ir.ItemRef{{ID: "Q6"}}},
				},
			},
		},
	}
}

// MixedItems are the definitions referenced by MixedMap.
func MixedItems() []*ir.ItemDefinition {
	return []*ir.ItemDefinition{
		Item("Q1", "a"), Item("Q2", "a"), Item("Q3", "a"),
		Item("Q4", "a"), Item("Q5", "a"), Item("Q6", "a"),
	}
}

// Answer is a navigation params record submitting value for RESPONSE.
func Answer(value string) ir.NavigationParams {
	return ir.NavigationParams{Responses: ir.Record{"RESPONSE": ir.String(value)}}
}
