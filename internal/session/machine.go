// Package session holds test and item session state and the lifecycle
// state machines that decide which transitions are legal.
//
// Transition tables are data: each machine maps (state, action) to the next
// state. Callers consult CanTransition before mutating anything and Apply to
// obtain the new state.
package session

import (
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

// TestAction is a test-level transition trigger.
type TestAction string

const (
	TestStart       TestAction = "start"
	TestNavigate    TestAction = "navigate"
	TestFeedback    TestAction = "feedback"
	TestEndFeedback TestAction = "endFeedback"
	TestSuspend     TestAction = "suspend"
	TestResume      TestAction = "resume"
	TestClose       TestAction = "close"
)

// ItemAction is an item-level transition trigger.
type ItemAction string

const (
	ItemSelect      ItemAction = "select"
	ItemEnter       ItemAction = "enter"
	ItemFeedback    ItemAction = "feedback"
	ItemEndFeedback ItemAction = "endFeedback"
	ItemSuspend     ItemAction = "suspend"
	ItemClose       ItemAction = "close"
	ItemReview      ItemAction = "review"
)

// TransitionError reports an illegal transition.
type TransitionError struct {
	Machine string
	State   string
	Action  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s", e.Machine, e.Action, e.State)
}

type testKey struct {
	state  ir.TestState
	action TestAction
}

// testTransitions: initial -> interacting <-> modalFeedback,
// interacting -> suspended -> interacting, any non-closed -> closed.
var testTransitions = map[testKey]ir.TestState{
	{ir.TestInitial, TestStart}:             ir.TestInteracting,
	{ir.TestInteracting, TestNavigate}:      ir.TestInteracting,
	{ir.TestModalFeedback, TestNavigate}:    ir.TestInteracting,
	{ir.TestInteracting, TestFeedback}:      ir.TestModalFeedback,
	{ir.TestModalFeedback, TestEndFeedback}: ir.TestInteracting,
	{ir.TestInteracting, TestSuspend}:       ir.TestSuspended,
	{ir.TestSuspended, TestResume}:          ir.TestInteracting,
	{ir.TestInitial, TestClose}:             ir.TestClosed,
	{ir.TestInteracting, TestClose}:         ir.TestClosed,
	{ir.TestModalFeedback, TestClose}:       ir.TestClosed,
	{ir.TestSuspended, TestClose}:           ir.TestClosed,
}

// TestMachine is the test-level state machine.
type TestMachine struct{}

// CanTransition reports whether action is legal in state.
func (TestMachine) CanTransition(state ir.TestState, action TestAction) bool {
	_, ok := testTransitions[testKey{state, action}]
	return ok
}

// Apply returns the state reached by action from state.
func (TestMachine) Apply(state ir.TestState, action TestAction) (ir.TestState, error) {
	next, ok := testTransitions[testKey{state, action}]
	if !ok {
		return state, &TransitionError{Machine: "test", State: string(state), Action: string(action)}
	}
	return next, nil
}

type itemKey struct {
	state  ir.ItemState
	action ItemAction
}

// itemTransitions: notSelected -> initial -> interacting <-> modalFeedback,
// interacting -> suspended, interacting|suspended -> closed,
// closed -> solution. A suspended item is re-entered when revisited.
var itemTransitions = map[itemKey]ir.ItemState{
	{ir.ItemNotSelected, ItemSelect}:        ir.ItemInitial,
	{ir.ItemInitial, ItemEnter}:             ir.ItemInteracting,
	{ir.ItemSuspended, ItemEnter}:           ir.ItemInteracting,
	{ir.ItemInteracting, ItemFeedback}:      ir.ItemModalFeedback,
	{ir.ItemModalFeedback, ItemEndFeedback}: ir.ItemInteracting,
	{ir.ItemInteracting, ItemSuspend}:       ir.ItemSuspended,
	{ir.ItemInteracting, ItemClose}:         ir.ItemClosed,
	{ir.ItemSuspended, ItemClose}:           ir.ItemClosed,
	{ir.ItemClosed, ItemReview}:             ir.ItemSolution,
}

// ItemMachine is the item-level state machine.
type ItemMachine struct{}

// CanTransition reports whether action is legal in state.
func (ItemMachine) CanTransition(state ir.ItemState, action ItemAction) bool {
	_, ok := itemTransitions[itemKey{state, action}]
	return ok
}

// Apply returns the state reached by action from state.
func (ItemMachine) Apply(state ir.ItemState, action ItemAction) (ir.ItemState, error) {
	next, ok := itemTransitions[itemKey{state, action}]
	if !ok {
		return state, &TransitionError{Machine: "item", State: string(state), Action: string(action)}
	}
	return next, nil
}

// ActionFor returns the action that moves an item from one state to the
// other, if the table has one.
func (ItemMachine) ActionFor(from, to ir.ItemState) (ItemAction, bool) {
	for k, next := range itemTransitions {
		if k.state == from && next == to {
			return k.action, true
		}
	}
	return "", false
}
