package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

// Action statuses.
const (
	StatusPending  = "pending"
	StatusSynced   = "synced"
	StatusRejected = "rejected"
)

// ErrDuplicate is returned when a sequence number is queued twice.
var ErrDuplicate = errors.New("localstore: duplicate sequence")

// QueuedAction is a pending action with its synchronisation outcome.
type QueuedAction struct {
	ir.PendingAction
	ActionID     string          `json:"action_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func enqueue(ctx context.Context, db execer, executionID, actionID string, a ir.PendingAction) error {
	params, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if a.Payload == nil {
		params = []byte("{}")
	}
	res, err := db.ExecContext(ctx, `
INSERT INTO pending_actions(execution_id, sequence, action_id, action, parameters, timestamp)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(execution_id, sequence) DO NOTHING
`, executionID, a.Sequence, actionID, string(a.Type), string(params), a.ClientTimestamp)
	if err != nil {
		return fmt.Errorf("enqueue action %d: %w", a.Sequence, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enqueue action %d: %w", a.Sequence, ErrDuplicate)
	}
	return nil
}

// Enqueue appends an action outside a navigation commit.
func (s *Store) Enqueue(ctx context.Context, executionID, actionID string, a ir.PendingAction) error {
	return enqueue(ctx, s.db, executionID, actionID, a)
}

// Pending returns the actions still awaiting synchronisation, in sequence order.
func (s *Store) Pending(ctx context.Context, executionID string) ([]QueuedAction, error) {
	return s.actions(ctx, `
SELECT sequence, action_id, action, parameters, timestamp, status, result, error_code, error_message
FROM pending_actions
WHERE execution_id = ? AND status = 'pending'
ORDER BY sequence ASC
`, executionID)
}

// Actions returns every queued action of an execution, in sequence order.
func (s *Store) Actions(ctx context.Context, executionID string) ([]QueuedAction, error) {
	return s.actions(ctx, `
SELECT sequence, action_id, action, parameters, timestamp, status, result, error_code, error_message
FROM pending_actions
WHERE execution_id = ?
ORDER BY sequence ASC
`, executionID)
}

func (s *Store) actions(ctx context.Context, query, executionID string) ([]QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	out := []QueuedAction{}
	for rows.Next() {
		var a QueuedAction
		var action, params, result string
		if err := rows.Scan(&a.Sequence, &a.ActionID, &action, &params, &a.ClientTimestamp,
			&a.Status, &result, &a.ErrorCode, &a.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Type = ir.ActionType(action)
		if err := json.Unmarshal([]byte(params), &a.Payload); err != nil {
			return nil, fmt.Errorf("decode parameters of action %d: %w", a.Sequence, err)
		}
		if result != "" {
			a.Result = json.RawMessage(result)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkSynced records that the server applied an action.
func (s *Store) MarkSynced(ctx context.Context, executionID string, sequence int64, result json.RawMessage) error {
	return s.mark(ctx, executionID, sequence, StatusSynced, string(result), "", "")
}

// MarkRejected records that the server refused an action for good.
func (s *Store) MarkRejected(ctx context.Context, executionID string, sequence int64, code, message string) error {
	return s.mark(ctx, executionID, sequence, StatusRejected, "", code, message)
}

func (s *Store) mark(ctx context.Context, executionID string, sequence int64, status, result, code, message string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pending_actions
SET status = ?, result = ?, error_code = ?, error_message = ?
WHERE execution_id = ? AND sequence = ?
`, status, result, code, message, executionID, sequence)
	if err != nil {
		return fmt.Errorf("mark action %d %s: %w", sequence, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark action %d: %w", sequence, ErrNotFound)
	}
	return nil
}

// LastSequence returns the highest queued sequence number, or 0.
func (s *Store) LastSequence(ctx context.Context, executionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(sequence) FROM pending_actions WHERE execution_id = ?
`, executionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq.Int64, nil
}
