package syncsvc

import (
	"context"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

func (s *Service) move(ctx context.Context, executionID string, a ir.PendingAction) (ir.TestContext, error) {
	req, err := DecodeMove(a.Payload)
	if err != nil {
		return ir.TestContext{}, ir.NewInvalidActionPayloadError(-1, fmt.Sprintf("decode %s parameters: %v", a.Type, err))
	}
	if ActionForRequest(req) != a.Type {
		return ir.TestContext{}, ir.NewInvalidActionPayloadError(-1,
			fmt.Sprintf("%s action carries direction %q", a.Type, req.Direction))
	}
	return s.nav.Navigate(ctx, executionID, req)
}

func (s *Service) exit(ctx context.Context, executionID string, _ ir.PendingAction) (ir.TestContext, error) {
	return s.nav.Exit(ctx, executionID)
}

func (s *Service) comment(ctx context.Context, executionID string, a ir.PendingAction) (ir.TestContext, error) {
	text, ok := a.Payload[ParamComment].(ir.String)
	if !ok {
		return ir.TestContext{}, ir.NewInvalidActionPayloadError(-1, "comment action without a comment")
	}
	if text == "" {
		return ir.TestContext{}, ir.NewInvalidActionPayloadError(-1, "comment action with empty text")
	}
	return s.nav.Comment(ctx, executionID, string(text))
}

func (s *Service) flag(ctx context.Context, executionID string, a ir.PendingAction) (ir.TestContext, error) {
	flagged, ok := a.Payload[ParamFlagged].(ir.Bool)
	if !ok {
		return ir.TestContext{}, ir.NewInvalidActionPayloadError(-1, "flag action without a flagged value")
	}
	return s.nav.Flag(ctx, executionID, bool(flagged))
}

// Offline "pause" is the candidate suspending the session; the server
// side equivalent is Suspend, not an administrative Pause.
func (s *Service) pause(ctx context.Context, executionID string, _ ir.PendingAction) (ir.TestContext, error) {
	return s.nav.Suspend(ctx, executionID)
}

func (s *Service) resume(ctx context.Context, executionID string, _ ir.PendingAction) (ir.TestContext, error) {
	return s.nav.Resume(ctx, executionID)
}
