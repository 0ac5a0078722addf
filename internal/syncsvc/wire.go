package syncsvc

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/qtinav/internal/engine"
	"github.com/roach88/qtinav/internal/ir"
)

// ChannelNavigation is the channel carrying queued candidate actions.
const ChannelNavigation = "navigation"

// Entry is one element of a synchronisation request.
type Entry struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// Result is the slot of a synchronisation response matching the entry at
// the same index. Exactly one of Context and Error is set.
type Result struct {
	Sequence int64           `json:"sequence,omitempty"`
	Action   ir.ActionType   `json:"action,omitempty"`
	Success  bool            `json:"success"`
	Replayed bool            `json:"replayed,omitempty"`
	Context  *ir.TestContext `json:"context,omitempty"`
	Error    *ir.Error       `json:"error,omitempty"`
}

// Batch is the body of a synchronisation request.
type Batch struct {
	Entries []Entry `json:"entries"`
}

// BatchResult is its reply. Results has one slot per entry.
type BatchResult struct {
	Results []Result `json:"results"`
}

// EntryFor wraps a queued action for the wire.
func EntryFor(a ir.PendingAction) (Entry, error) {
	msg, err := json.Marshal(a)
	if err != nil {
		return Entry{}, fmt.Errorf("encode action %d: %w", a.Sequence, err)
	}
	return Entry{Channel: ChannelNavigation, Message: msg}, nil
}

// Payload keys of the non-navigation actions.
const (
	ParamComment = "comment"
	ParamFlagged = "flagged"
)

// MovePayload encodes a navigation request as action parameters.
func MovePayload(req engine.Request) (ir.Record, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	v, err := ir.DecodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	rec, ok := v.(ir.Record)
	if !ok {
		return nil, fmt.Errorf("encode request: got %T", v)
	}
	return rec, nil
}

// DecodeMove decodes the parameters of a move or skip action.
func DecodeMove(payload ir.Record) (engine.Request, error) {
	var req engine.Request
	raw, err := ir.MarshalValue(payload)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	return req, nil
}

// ActionForRequest returns the action type a navigation request is queued as.
func ActionForRequest(req engine.Request) ir.ActionType {
	if req.Direction == ir.DirectionSkip {
		return ir.ActionSkip
	}
	return ir.ActionMove
}
