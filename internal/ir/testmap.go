package ir

// NavigationMode controls whether the candidate may move freely within a test part.
type NavigationMode string

const (
	NavigationLinear    NavigationMode = "linear"
	NavigationNonlinear NavigationMode = "nonlinear"
)

// SubmissionMode controls when item responses are committed.
type SubmissionMode string

const (
	SubmissionIndividual   SubmissionMode = "individual"
	SubmissionSimultaneous SubmissionMode = "simultaneous"
)

// Special branch targets. Any other target names an item, section or test part.
const (
	TargetExitSection  = "EXIT_SECTION"
	TargetExitTestPart = "EXIT_TESTPART"
	TargetExitTest     = "EXIT_TEST"
)

// IsExitTarget reports whether target is one of the standard exit targets.
func IsExitTarget(target string) bool {
	switch target {
	case TargetExitSection, TargetExitTestPart, TargetExitTest:
		return true
	}
	return false
}

// TestMap is the compiled structural map of a test: parts, sections and item
// references with their branch rules.
type TestMap struct {
	ID       string     `json:"id"`
	Title    string     `json:"title,omitempty"`
	Parts    []TestPart `json:"parts"`
	Revision string     `json:"revision,omitempty"`
}

// TestPart groups sections sharing a navigation and submission mode.
type TestPart struct {
	ID             string         `json:"id"`
	NavigationMode NavigationMode `json:"navigation_mode"`
	SubmissionMode SubmissionMode `json:"submission_mode"`
	Sections       []Section      `json:"sections"`
}

// Linear reports whether the part uses linear navigation.
func (p TestPart) Linear() bool {
	return p.NavigationMode != NavigationNonlinear
}

// Simultaneous reports whether responses are submitted together at part end.
func (p TestPart) Simultaneous() bool {
	return p.SubmissionMode == SubmissionSimultaneous
}

// Section is an ordered list of item references.
type Section struct {
	ID    string    `json:"id"`
	Title string    `json:"title,omitempty"`
	Items []ItemRef `json:"items"`
}

// ItemRef places an item in the test. The same item identifier may be
// referenced more than once; each reference is a separate occurrence.
type ItemRef struct {
	ID            string       `json:"id"`
	Categories    []string     `json:"categories,omitempty"`
	AllowSkipping *bool        `json:"allow_skipping,omitempty"`
	BranchRules   []BranchRule `json:"branch_rules,omitempty"`
}

// SkippingAllowed returns the item's skip policy. Skipping is allowed unless
// explicitly disabled.
func (r ItemRef) SkippingAllowed() bool {
	return r.AllowSkipping == nil || *r.AllowSkipping
}

// Cardinality of a response declaration.
type Cardinality string

const (
	CardinalitySingle   Cardinality = "single"
	CardinalityMultiple Cardinality = "multiple"
	CardinalityOrdered  Cardinality = "ordered"
)

// ItemDefinition is the compiled item payload held by the item cache.
// Only response declarations matter to navigation; rendering content is opaque.
type ItemDefinition struct {
	ID        string                `json:"id"`
	Title     string                `json:"title,omitempty"`
	Responses []ResponseDeclaration `json:"responses"`
	Body      string                `json:"body,omitempty"`
}

// ResponseDeclaration declares one response variable and its correct values.
type ResponseDeclaration struct {
	ID          string      `json:"id"`
	Cardinality Cardinality `json:"cardinality"`
	BaseType    string      `json:"base_type,omitempty"`
	Correct     List        `json:"correct,omitempty"`
}

// VariableID returns the response store key for a response of an item.
func VariableID(item, response string) string {
	return item + "." + response
}
