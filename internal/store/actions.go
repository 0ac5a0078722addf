package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// AppliedAction records the outcome of a synchronised action so a resent
// action returns the same result instead of executing twice.
type AppliedAction struct {
	ExecutionID  string          `json:"execution_id"`
	Sequence     int64           `json:"sequence"`
	ActionID     string          `json:"action_id"`
	Action       string          `json:"action"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func insertApplied(ctx context.Context, db execer, a AppliedAction) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO applied_actions
		(execution_id, sequence, action_id, action, result, error_code, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, sequence) DO NOTHING
	`, a.ExecutionID, a.Sequence, a.ActionID, a.Action, string(a.Result), a.ErrorCode, a.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("insert applied action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert applied action: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordApplied stores the outcome of an action that did not commit a
// session change (a rejected action). If the sequence is already recorded
// it returns the existing record and inserted=false.
func (s *Store) RecordApplied(ctx context.Context, a AppliedAction) (rec AppliedAction, inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppliedAction{}, false, fmt.Errorf("record applied: begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err = insertApplied(ctx, tx, a)
	if err != nil {
		return AppliedAction{}, false, err
	}
	if inserted {
		rec = a
	} else {
		rec, err = scanApplied(tx.QueryRowContext(ctx, appliedQuery, a.ExecutionID, a.Sequence))
		if err != nil {
			return AppliedAction{}, false, fmt.Errorf("record applied: select existing: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return AppliedAction{}, false, fmt.Errorf("record applied: commit: %w", err)
	}
	return rec, inserted, nil
}

const appliedQuery = `
	SELECT execution_id, sequence, action_id, action, result, error_code, error_message
	FROM applied_actions
	WHERE execution_id = ? AND sequence = ?
`

// LookupApplied returns the recorded outcome of an action, or ErrNotFound.
func (s *Store) LookupApplied(ctx context.Context, executionID string, sequence int64) (AppliedAction, error) {
	rec, err := scanApplied(s.db.QueryRowContext(ctx, appliedQuery, executionID, sequence))
	if errors.Is(err, sql.ErrNoRows) {
		return AppliedAction{}, ErrNotFound
	}
	if err != nil {
		return AppliedAction{}, fmt.Errorf("lookup applied: %w", err)
	}
	return rec, nil
}

// LastAppliedSequence returns the highest applied sequence for an execution, or 0.
func (s *Store) LastAppliedSequence(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM applied_actions WHERE execution_id = ?
	`, executionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last applied sequence: %w", err)
	}
	return seq, nil
}

func scanApplied(row *sql.Row) (AppliedAction, error) {
	var a AppliedAction
	var result string
	if err := row.Scan(&a.ExecutionID, &a.Sequence, &a.ActionID, &a.Action, &result, &a.ErrorCode, &a.ErrorMessage); err != nil {
		return AppliedAction{}, err
	}
	if result != "" {
		a.Result = json.RawMessage(result)
	}
	return a, nil
}
