package engine

import (
	"context"
	"fmt"

	"github.com/roach88/qtinav/internal/branch"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/session"
)

// Request is one navigation request.
type Request struct {
	Direction ir.Direction        `json:"direction"`
	Scope     ir.Scope            `json:"scope"`
	Target    string              `json:"target,omitempty"`
	Params    ir.NavigationParams `json:"params"`
}

// Move is the routing decision for a request.
type Move struct {
	Direction ir.Direction
	Scope     ir.Scope
	From      int
	// To is the new route position. A value equal to the route length ends
	// the test.
	To int
	// Branch is the target of the satisfied branch rule, empty when the
	// move followed the route linearly.
	Branch string
	// StoreResponses is false for skip: skipped items keep no responses.
	StoreResponses bool
}

// Decide computes where a request leads without touching the session.
//
// Submitted responses are written to responses, so pass a staging store
// (response.Overlay) and commit only once the move is applied. Branch rules
// on the current item are evaluated for next and skip at item scope; the
// first satisfied rule overrides linear advancement.
//
// Decide is shared by the online controller and the offline jump table. Both
// must reach the same decision for the same route, session and responses.
func Decide(ctx context.Context, route *ir.Route, sess *session.TestSession, req Request,
	responses response.Store, rules *branch.Engine) (Move, error) {
	if err := checkNavigable(sess, req); err != nil {
		return Move{}, err
	}
	if !req.Direction.Valid() || !req.Scope.Valid() {
		return Move{}, ir.NewIllegalNavigationError(sess.ExecutionID, req.Direction, req.Scope, "unknown direction or scope")
	}

	pos := sess.Position
	cur, ok := route.At(pos)
	if !ok {
		return Move{}, ir.NewSessionClosedError(sess.ExecutionID)
	}
	part := route.PartAt(pos)
	ref := route.Ref(pos)

	illegal := func(reason string) error {
		return ir.NewIllegalNavigationError(sess.ExecutionID, req.Direction, req.Scope, reason)
	}

	move := Move{
		Direction:      req.Direction,
		Scope:          req.Scope,
		From:           pos,
		StoreResponses: req.Direction != ir.DirectionSkip,
	}

	switch req.Direction {
	case ir.DirectionPrevious:
		if part.Linear() {
			return Move{}, illegal("test part is linear")
		}
		switch req.Scope {
		case ir.ScopeItem:
			move.To = pos - 1
		case ir.ScopeSection:
			move.To = route.PrevSectionStart(pos)
		case ir.ScopeTestPart:
			return Move{}, illegal("a test part cannot be re-entered")
		}
		if move.To < 0 {
			return Move{}, illegal("already at the start")
		}
		if route.Items[move.To].TestPartID != cur.TestPartID {
			return Move{}, illegal("a test part cannot be re-entered")
		}

	case ir.DirectionJump:
		if part.Linear() {
			return Move{}, illegal("test part is linear")
		}
		if req.Target == "" {
			return Move{}, illegal("jump requires a target")
		}
		move.To = route.Lookup(req.Target, pos)
		if move.To < 0 {
			return Move{}, illegal(fmt.Sprintf("target %q is not in the route", req.Target))
		}
		if route.Items[move.To].TestPartID != cur.TestPartID {
			return Move{}, illegal(fmt.Sprintf("target %q is outside the current test part", req.Target))
		}
		if is := sess.Item(route.Items[move.To].ItemSessionID()); is != nil && is.State == ir.ItemClosed {
			return Move{}, illegal(fmt.Sprintf("target %q is closed", req.Target))
		}

	case ir.DirectionSkip, ir.DirectionNext:
		if req.Direction == ir.DirectionSkip && !ref.SkippingAllowed() {
			return Move{}, illegal("item does not allow skipping")
		}
		switch req.Scope {
		case ir.ScopeItem:
			move.To = pos + 1
		case ir.ScopeSection:
			move.To = route.NextSectionStart(pos)
		case ir.ScopeTestPart:
			move.To = route.NextPartStart(pos)
		}
	}

	if move.StoreResponses {
		if err := response.SubmitItem(ctx, responses, cur.ItemIdentifier, req.Params.Responses); err != nil {
			return Move{}, fmt.Errorf("store responses: %w", err)
		}
	}

	forward := req.Direction == ir.DirectionNext || req.Direction == ir.DirectionSkip
	if forward && req.Scope == ir.ScopeItem && len(ref.BranchRules) > 0 {
		res, err := rules.Resolve(ctx, ref.BranchRules, responses)
		if err != nil {
			return Move{}, err
		}
		if res.Matched() {
			to, err := resolveTarget(route, sess, pos, res.Target)
			if err != nil {
				return Move{}, err
			}
			move.To = to
			move.Branch = res.Target
		}
	}
	return move, nil
}

func checkNavigable(sess *session.TestSession, req Request) error {
	switch {
	case sess.State == ir.TestClosed:
		return ir.NewSessionClosedError(sess.ExecutionID)
	case sess.Blocked():
		return ir.NewSessionPausedError(sess.ExecutionID, string(sess.State))
	case !(session.TestMachine{}).CanTransition(sess.State, session.TestNavigate):
		return ir.NewIllegalNavigationError(sess.ExecutionID, req.Direction, req.Scope, fmt.Sprintf("test session is %s", sess.State))
	}
	return nil
}

// resolveTarget maps a branch target to a route position. Targets may leave
// the current test part forwards but never re-enter a part already left,
// and never return to a closed item.
func resolveTarget(route *ir.Route, sess *session.TestSession, pos int, target string) (int, error) {
	cur := route.Items[pos]
	switch target {
	case "":
		return 0, ir.NewMissingBranchTargetError(cur.ItemIdentifier, target)
	case ir.TargetExitTest:
		return route.Len(), nil
	case ir.TargetExitTestPart:
		return route.NextPartStart(pos), nil
	case ir.TargetExitSection:
		return route.NextSectionStart(pos), nil
	}

	to := route.Lookup(target, pos)
	if to < 0 {
		return 0, ir.NewMissingBranchTargetError(cur.ItemIdentifier, target)
	}
	dest := route.Items[to]
	if dest.TestPartID != cur.TestPartID {
		if route.PartIndex(dest.TestPartID) < route.PartIndex(cur.TestPartID) || sess.HasLeft(dest.TestPartID) {
			return 0, ir.NewIllegalBranchTargetError(sess.ExecutionID, target, "test part "+dest.TestPartID+" was already left")
		}
		return to, nil
	}
	if to != pos {
		if is := sess.Item(dest.ItemSessionID()); is != nil && is.State == ir.ItemClosed {
			return 0, ir.NewIllegalBranchTargetError(sess.ExecutionID, target, "item "+dest.ItemSessionID()+" is closed")
		}
	}
	return to, nil
}
