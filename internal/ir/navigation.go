package ir

// Direction of a navigation request.
type Direction string

const (
	DirectionNext     Direction = "next"
	DirectionPrevious Direction = "previous"
	DirectionSkip     Direction = "skip"
	DirectionJump     Direction = "jump"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionNext, DirectionPrevious, DirectionSkip, DirectionJump:
		return true
	}
	return false
}

// Scope of a navigation request.
type Scope string

const (
	ScopeItem     Scope = "item"
	ScopeSection  Scope = "section"
	ScopeTestPart Scope = "testPart"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeItem, ScopeSection, ScopeTestPart:
		return true
	}
	return false
}

// NavigationParams carries what the candidate submitted on the item being left.
// Response keys are response identifiers of the current item.
type NavigationParams struct {
	Responses  Record `json:"responses,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Flagged    *bool  `json:"flagged,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// TestState is the test-level lifecycle state.
type TestState string

const (
	TestInitial       TestState = "initial"
	TestInteracting   TestState = "interacting"
	TestModalFeedback TestState = "modalFeedback"
	TestSuspended     TestState = "suspended"
	TestClosed        TestState = "closed"
)

// ItemState is the item-level lifecycle state.
type ItemState string

const (
	ItemNotSelected   ItemState = "notSelected"
	ItemInitial       ItemState = "initial"
	ItemInteracting   ItemState = "interacting"
	ItemModalFeedback ItemState = "modalFeedback"
	ItemSuspended     ItemState = "suspended"
	ItemClosed        ItemState = "closed"
	ItemSolution      ItemState = "solution"
)

// TestContext is the snapshot of where the candidate currently is, returned
// after every navigation.
type TestContext struct {
	ExecutionID     string         `json:"execution_id"`
	State           TestState      `json:"state"`
	Paused          bool           `json:"paused,omitempty"`
	ItemIdentifier  string         `json:"item_identifier,omitempty"`
	ItemSessionID   string         `json:"item_session_id,omitempty"`
	ItemState       ItemState      `json:"item_state,omitempty"`
	Position        int            `json:"position"`
	RouteLength     int            `json:"route_length"`
	SectionID       string         `json:"section_id,omitempty"`
	TestPartID      string         `json:"test_part_id,omitempty"`
	NavigationMode  NavigationMode `json:"navigation_mode,omitempty"`
	SubmissionMode  SubmissionMode `json:"submission_mode,omitempty"`
	IsFirst         bool           `json:"is_first"`
	IsLast          bool           `json:"is_last"`
	CanMovePrevious bool           `json:"can_move_previous"`
	CanSkip         bool           `json:"can_skip"`
	CanJump         bool           `json:"can_jump"`
	Flagged         bool           `json:"flagged"`
	Answered        bool           `json:"answered"`
	Categories      []string       `json:"categories,omitempty"`
	Version         int64          `json:"version"`
}

// ActionType names a queued candidate action.
type ActionType string

const (
	ActionMove    ActionType = "move"
	ActionSkip    ActionType = "skip"
	ActionExit    ActionType = "exit"
	ActionComment ActionType = "comment"
	ActionFlag    ActionType = "flag"
	ActionPause   ActionType = "pause"
	ActionResume  ActionType = "resume"
)

// PendingAction is a candidate action performed offline and awaiting
// synchronisation. Sequence is the only ordering authority.
type PendingAction struct {
	Sequence        int64      `json:"sequence"`
	Type            ActionType `json:"action"`
	Payload         Record     `json:"parameters"`
	ClientTimestamp int64      `json:"timestamp"`
}

// ID returns the content-addressed identity of the action within an execution.
func (a PendingAction) ID(executionID string) (string, error) {
	return ActionID(executionID, a.Sequence, a.Type, a.Payload)
}
