package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/qtinav/internal/session"
)

// GetItemState reads one item occurrence of an execution. Item sessions
// are written only through Commit.
func (s *Store) GetItemState(ctx context.Context, executionID, itemSessionID string) (*session.ItemSession, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM item_sessions WHERE execution_id = ? AND item_session_id = ?
	`, executionID, itemSessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item session %s: %w", itemSessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item state: %w", err)
	}
	var is session.ItemSession
	if err := json.Unmarshal([]byte(body), &is); err != nil {
		return nil, fmt.Errorf("get item state: decode: %w", err)
	}
	return &is, nil
}
