package engine

import (
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
)

var (
	testMachine = session.TestMachine{}
	itemMachine = session.ItemMachine{}
)

// Start moves a fresh session onto the first route position.
func Start(route *ir.Route, sess *session.TestSession) error {
	state, err := testMachine.Apply(sess.State, session.TestStart)
	if err != nil {
		return ir.NewIllegalNavigationError(sess.ExecutionID, "", "", err.Error())
	}
	sess.State = state
	sess.Position = 0
	sess.Version++
	if route.Len() == 0 {
		return closeTest(route, sess)
	}
	return enter(sess, route.Items[0])
}

// Apply mutates sess according to a decided move. Call it on a clone: on
// error the session may be half-updated.
func Apply(route *ir.Route, sess *session.TestSession, m Move, params ir.NavigationParams) error {
	cur := route.Items[m.From]
	leaving := sess.Ensure(cur)

	if m.StoreResponses {
		leaving.MergeResponses(params.Responses)
	}
	leaving.DurationMs += params.DurationMs
	sess.DurationMs += params.DurationMs
	if params.Flagged != nil {
		leaving.Flagged = *params.Flagged
	}
	if params.Comment != "" {
		sess.Comments = append(sess.Comments, params.Comment)
	}

	state, err := testMachine.Apply(sess.State, session.TestNavigate)
	if err != nil {
		return err
	}
	sess.State = state
	sess.Version++

	if m.To == m.From {
		return nil
	}

	if m.To >= route.Len() {
		leaveParts(route, sess, route.PartIndex(cur.TestPartID), len(route.Map.Parts))
		return closeTest(route, sess)
	}

	dest := route.Items[m.To]
	if dest.TestPartID != cur.TestPartID {
		leaveParts(route, sess, route.PartIndex(cur.TestPartID), route.PartIndex(dest.TestPartID))
	} else if err := leaveItem(route.PartAt(m.From), leaving); err != nil {
		return err
	}
	sess.Position = m.To
	return enter(sess, dest)
}

// leaveItem closes the item in linear individual parts and suspends it
// otherwise, so it can be revisited.
func leaveItem(part *ir.TestPart, is *session.ItemSession) error {
	endFeedback(is)
	action := session.ItemSuspend
	if part.Linear() && !part.Simultaneous() {
		action = session.ItemClose
	}
	if !itemMachine.CanTransition(is.State, action) {
		return nil
	}
	state, err := itemMachine.Apply(is.State, action)
	if err != nil {
		return err
	}
	is.State = state
	return nil
}

// leaveParts marks parts [from, to) as left and closes their item sessions.
func leaveParts(route *ir.Route, sess *session.TestSession, from, to int) {
	for pi := from; pi < to && pi < len(route.Map.Parts); pi++ {
		id := route.Map.Parts[pi].ID
		for _, pos := range route.PositionsInPart(id) {
			if is := sess.Item(route.Items[pos].ItemSessionID()); is != nil {
				closeItem(is)
			}
		}
		if !sess.HasLeft(id) {
			sess.LeftParts = append(sess.LeftParts, id)
		}
	}
}

func closeItem(is *session.ItemSession) {
	endFeedback(is)
	if itemMachine.CanTransition(is.State, session.ItemClose) {
		is.State, _ = itemMachine.Apply(is.State, session.ItemClose)
	}
}

// endFeedback returns an item still showing modal feedback to interacting.
func endFeedback(is *session.ItemSession) {
	if is.State == ir.ItemModalFeedback {
		is.State, _ = itemMachine.Apply(is.State, session.ItemEndFeedback)
	}
}

func enter(sess *session.TestSession, r ir.RouteItem) error {
	is := sess.Ensure(r)
	if is.State == ir.ItemNotSelected {
		is.State, _ = itemMachine.Apply(is.State, session.ItemSelect)
	}
	state, err := itemMachine.Apply(is.State, session.ItemEnter)
	if err != nil {
		return ir.NewIllegalBranchTargetError(sess.ExecutionID, r.ItemSessionID(), err.Error())
	}
	is.State = state
	is.Viewed = true
	return nil
}

func closeTest(route *ir.Route, sess *session.TestSession) error {
	for _, is := range sess.ItemSessions {
		closeItem(is)
	}
	state, err := testMachine.Apply(sess.State, session.TestClose)
	if err != nil {
		return err
	}
	sess.State = state
	sess.Position = route.Len()
	return nil
}

// Exit ends the test from any live state.
func Exit(route *ir.Route, sess *session.TestSession) error {
	if sess.State == ir.TestClosed {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	if cur, ok := route.At(sess.Position); ok {
		leaveParts(route, sess, route.PartIndex(cur.TestPartID), len(route.Map.Parts))
	}
	sess.Version++
	return closeTest(route, sess)
}

// Suspend moves the test to suspended and suspends the current item.
func Suspend(route *ir.Route, sess *session.TestSession) error {
	if sess.State == ir.TestClosed {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	state, err := testMachine.Apply(sess.State, session.TestSuspend)
	if err != nil {
		return ir.NewIllegalNavigationError(sess.ExecutionID, "", "", err.Error())
	}
	sess.State = state
	if cur, ok := route.At(sess.Position); ok {
		if is := sess.Item(cur.ItemSessionID()); is != nil {
			endFeedback(is)
			if itemMachine.CanTransition(is.State, session.ItemSuspend) {
				is.State, _ = itemMachine.Apply(is.State, session.ItemSuspend)
			}
		}
	}
	sess.Version++
	return nil
}

// Resume clears a pause and resumes a suspended test.
func Resume(route *ir.Route, sess *session.TestSession) error {
	if sess.State == ir.TestClosed {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	if !sess.Paused && sess.State != ir.TestSuspended {
		return ir.NewIllegalNavigationError(sess.ExecutionID, "", "", "session is not paused or suspended")
	}
	sess.Paused = false
	if sess.State == ir.TestSuspended {
		state, err := testMachine.Apply(sess.State, session.TestResume)
		if err != nil {
			return err
		}
		sess.State = state
		if cur, ok := route.At(sess.Position); ok {
			if is := sess.Item(cur.ItemSessionID()); is != nil && is.State == ir.ItemSuspended {
				is.State, _ = itemMachine.Apply(is.State, session.ItemEnter)
			}
		}
	}
	sess.Version++
	return nil
}

// Pause marks the delivery execution paused. Navigation fails until Resume.
func Pause(sess *session.TestSession) error {
	if sess.State == ir.TestClosed {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	sess.Paused = true
	sess.Version++
	return nil
}

// Flag sets the flag on the current item.
func Flag(route *ir.Route, sess *session.TestSession, flagged bool) error {
	if err := checkNavigable(sess, Request{}); err != nil {
		return err
	}
	cur, ok := route.At(sess.Position)
	if !ok {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	sess.Ensure(cur).Flagged = flagged
	sess.Version++
	return nil
}

// Comment records a candidate comment.
func Comment(sess *session.TestSession, text string) error {
	if sess.State == ir.TestClosed {
		return ir.NewSessionClosedError(sess.ExecutionID)
	}
	if text == "" {
		return ir.NewEmptyCommentError(sess.ExecutionID)
	}
	sess.Comments = append(sess.Comments, text)
	sess.Version++
	return nil
}

// externalItemActions are the item transitions an item-level collaborator
// may drive. Navigation owns select, enter, suspend and close.
var externalItemActions = map[session.ItemAction]bool{
	session.ItemFeedback:    true,
	session.ItemEndFeedback: true,
	session.ItemReview:      true,
}

// reachedItem returns the session of a route occurrence the candidate has
// already reached.
func reachedItem(route *ir.Route, sess *session.TestSession, itemSessionID string) (*session.ItemSession, error) {
	if err := checkNavigable(sess, Request{}); err != nil {
		return nil, err
	}
	if _, err := route.PositionOf(itemSessionID); err != nil {
		return nil, ir.NewIllegalNavigationError(sess.ExecutionID, "", "", err.Error())
	}
	is := sess.Item(itemSessionID)
	if is == nil || is.State == ir.ItemNotSelected {
		return nil, ir.NewIllegalNavigationError(sess.ExecutionID, "", "",
			fmt.Sprintf("item session %q has not been reached", itemSessionID))
	}
	return is, nil
}

// SubmitItemState applies an item session submitted by an item-level
// collaborator. Identity and navigation-owned fields are kept. The state
// may only move through feedback, endFeedback or review, and responses
// are merged only while the item is interacting.
func SubmitItemState(route *ir.Route, sess *session.TestSession, submitted *session.ItemSession) (*session.ItemSession, error) {
	is, err := reachedItem(route, sess, submitted.ID)
	if err != nil {
		return nil, err
	}
	if len(submitted.Responses) > 0 && is.State != ir.ItemInteracting {
		return nil, ir.NewIllegalNavigationError(sess.ExecutionID, "", "",
			fmt.Sprintf("item session %q is %s and takes no responses", is.ID, is.State))
	}
	if submitted.State != "" && submitted.State != is.State {
		action, ok := itemMachine.ActionFor(is.State, submitted.State)
		if !ok || !externalItemActions[action] {
			return nil, ir.NewIllegalNavigationError(sess.ExecutionID, "", "",
				fmt.Sprintf("item session %q cannot move from %s to %s", is.ID, is.State, submitted.State))
		}
		is.State = submitted.State
	}
	is.MergeResponses(submitted.Responses)
	is.Flagged = submitted.Flagged
	sess.Version++
	return is, nil
}

// StoreItemResponse records one response variable of an interacting item.
func StoreItemResponse(route *ir.Route, sess *session.TestSession, itemSessionID, responseID string, value ir.Value) (*session.ItemSession, error) {
	is, err := reachedItem(route, sess, itemSessionID)
	if err != nil {
		return nil, err
	}
	if is.State != ir.ItemInteracting {
		return nil, ir.NewIllegalNavigationError(sess.ExecutionID, "", "",
			fmt.Sprintf("item session %q is %s and takes no responses", is.ID, is.State))
	}
	is.MergeResponses(ir.Record{responseID: value})
	sess.Version++
	return is, nil
}
