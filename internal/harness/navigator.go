package harness

import (
	"context"
	"fmt"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/offline"
)

// navigator is the candidate-facing surface shared by the online controller
// and the offline jump table.
type navigator interface {
	Navigate(ctx context.Context, req engine.Request) (ir.TestContext, error)
	Exit(ctx context.Context) (ir.TestContext, error)
	Suspend(ctx context.Context) (ir.TestContext, error)
	Resume(ctx context.Context) (ir.TestContext, error)
	Pause(ctx context.Context) (ir.TestContext, error)
	Comment(ctx context.Context, text string) (ir.TestContext, error)
	Flag(ctx context.Context, flagged bool) (ir.TestContext, error)
}

type onlineNavigator struct {
	ctrl *engine.Controller
	exec string
}

func (n *onlineNavigator) Navigate(ctx context.Context, req engine.Request) (ir.TestContext, error) {
	return n.ctrl.Navigate(ctx, n.exec, req)
}

func (n *onlineNavigator) Exit(ctx context.Context) (ir.TestContext, error) {
	return n.ctrl.Exit(ctx, n.exec)
}

func (n *onlineNavigator) Suspend(ctx context.Context) (ir.TestContext, error) {
	return n.ctrl.Suspend(ctx, n.exec)
}

func (n *onlineNavigator) Resume(ctx context.Context) (ir.TestContext, error) {
	return n.ctrl.Resume(ctx, n.exec)
}

func (n *onlineNavigator) Pause(ctx context.Context) (ir.TestContext, error) {
	return n.ctrl.Pause(ctx, n.exec)
}

func (n *onlineNavigator) Comment(ctx context.Context, text string) (ir.TestContext, error) {
	return n.ctrl.Comment(ctx, n.exec, text)
}

func (n *onlineNavigator) Flag(ctx context.Context, flagged bool) (ir.TestContext, error) {
	return n.ctrl.Flag(ctx, n.exec, flagged)
}

func (n *onlineNavigator) Context(ctx context.Context) (ir.TestContext, error) {
	return n.ctrl.Context(ctx, n.exec)
}

type offlineNavigator struct {
	table *offline.JumpTable
}

func (n *offlineNavigator) Navigate(ctx context.Context, req engine.Request) (ir.TestContext, error) {
	return n.table.Navigate(ctx, req)
}

func (n *offlineNavigator) Exit(ctx context.Context) (ir.TestContext, error) {
	return n.table.Exit(ctx)
}

func (n *offlineNavigator) Suspend(ctx context.Context) (ir.TestContext, error) {
	return n.table.Suspend(ctx)
}

func (n *offlineNavigator) Resume(ctx context.Context) (ir.TestContext, error) {
	return n.table.Resume(ctx)
}

// Pause is rejected: scenarios that pause are never run offline.
func (n *offlineNavigator) Pause(context.Context) (ir.TestContext, error) {
	return ir.TestContext{}, fmt.Errorf("administrative pause is not available offline")
}

func (n *offlineNavigator) Comment(ctx context.Context, text string) (ir.TestContext, error) {
	return n.table.Comment(ctx, text)
}

func (n *offlineNavigator) Flag(ctx context.Context, flagged bool) (ir.TestContext, error) {
	return n.table.Flag(ctx, flagged)
}

// runStep dispatches one flow step.
func runStep(ctx context.Context, nav navigator, step FlowStep) (ir.TestContext, error) {
	switch step.Action {
	case ActionNavigate:
		req, err := stepRequest(step)
		if err != nil {
			return ir.TestContext{}, err
		}
		return nav.Navigate(ctx, req)
	case ActionExit:
		return nav.Exit(ctx)
	case ActionSuspend:
		return nav.Suspend(ctx)
	case ActionResume:
		return nav.Resume(ctx)
	case ActionPause:
		return nav.Pause(ctx)
	case ActionComment:
		return nav.Comment(ctx, step.Comment)
	case ActionFlag:
		return nav.Flag(ctx, step.Flagged != nil && *step.Flagged)
	}
	return ir.TestContext{}, fmt.Errorf("unknown action %q", step.Action)
}

func stepRequest(step FlowStep) (engine.Request, error) {
	scope := ir.Scope(step.Scope)
	if scope == "" {
		scope = ir.ScopeItem
	}
	req := engine.Request{
		Direction: ir.Direction(step.Direction),
		Scope:     scope,
		Target:    step.Target,
	}
	if step.Responses != nil {
		rec, err := ir.RecordFromMap(step.Responses)
		if err != nil {
			return engine.Request{}, fmt.Errorf("responses: %w", err)
		}
		req.Params.Responses = rec
	}
	return req, nil
}

// stepArgs is the trace form of a step's parameters.
func stepArgs(step FlowStep) map[string]interface{} {
	args := map[string]interface{}{}
	if step.Direction != "" {
		args["direction"] = step.Direction
	}
	if step.Scope != "" {
		args["scope"] = step.Scope
	}
	if step.Target != "" {
		args["target"] = step.Target
	}
	if step.Responses != nil {
		args["responses"] = step.Responses
	}
	if step.Comment != "" {
		args["comment"] = step.Comment
	}
	if step.Flagged != nil {
		args["flagged"] = *step.Flagged
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
