package engine

import (
	"slices"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
)

// BuildContext snapshots where the candidate is and what they may do next.
func BuildContext(route *ir.Route, sess *session.TestSession) ir.TestContext {
	tc := ir.TestContext{
		ExecutionID: sess.ExecutionID,
		State:       sess.State,
		Paused:      sess.Paused,
		Position:    sess.Position,
		RouteLength: route.Len(),
		Version:     sess.Version,
	}
	cur, ok := route.At(sess.Position)
	if !ok || sess.State == ir.TestClosed {
		tc.Position = route.Len()
		return tc
	}

	part := route.PartAt(cur.Position)
	ref := route.Ref(cur.Position)

	tc.ItemIdentifier = cur.ItemIdentifier
	tc.ItemSessionID = cur.ItemSessionID()
	tc.SectionID = cur.SectionID
	tc.TestPartID = cur.TestPartID
	tc.NavigationMode = part.NavigationMode
	if tc.NavigationMode == "" {
		tc.NavigationMode = ir.NavigationLinear
	}
	tc.SubmissionMode = part.SubmissionMode
	if tc.SubmissionMode == "" {
		tc.SubmissionMode = ir.SubmissionIndividual
	}
	tc.IsFirst = cur.Position == 0
	tc.IsLast = cur.Position == route.Len()-1
	tc.Categories = slices.Clone(ref.Categories)

	if is := sess.Item(tc.ItemSessionID); is != nil {
		tc.ItemState = is.State
		tc.Flagged = is.Flagged
		tc.Answered = is.Answered
	}

	live := !sess.Blocked()
	tc.CanMovePrevious = live && !part.Linear() && cur.Position > 0 &&
		route.Items[cur.Position-1].TestPartID == cur.TestPartID
	tc.CanSkip = live && ref.SkippingAllowed()
	tc.CanJump = live && !part.Linear()
	return tc
}
