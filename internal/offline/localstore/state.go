package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/response"
	"github.com/roach88/qtinav/internal/session"
)

// State is the persisted offline state of one delivery execution.
type State struct {
	Session *session.TestSession `json:"session"`
	// ServerVersion is the authoritative session version last adopted from
	// the server.
	ServerVersion int64 `json:"server_version"`
}

// Commit is one offline navigation: the new state, the responses it
// staged and the action to queue. Everything lands or nothing does.
type Commit struct {
	State     State
	Responses map[string]ir.Value
	Action    *ir.PendingAction
	ActionID  string
}

// LoadState reads the state of an execution, or ErrNotFound.
func (s *Store) LoadState(ctx context.Context, executionID string) (State, error) {
	var body string
	var serverVersion int64
	err := s.db.QueryRowContext(ctx, `
SELECT body, server_version FROM state WHERE execution_id = ?
`, executionID).Scan(&body, &serverVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("state %s: %w", executionID, ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("load state: %w", err)
	}
	var sess session.TestSession
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if sess.ItemSessions == nil {
		sess.ItemSessions = make(map[string]*session.ItemSession)
	}
	return State{Session: &sess, ServerVersion: serverVersion}, nil
}

// SaveState replaces the state of an execution.
func (s *Store) SaveState(ctx context.Context, st State) error {
	return saveState(ctx, s.db, st)
}

// Commit writes c atomically. Queuing a sequence number twice fails.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveState(ctx, tx, c.State); err != nil {
		return err
	}
	exec := c.State.Session.ExecutionID
	for _, k := range ir.Record(c.Responses).SortedKeys() {
		raw, err := ir.MarshalValue(c.Responses[k])
		if err != nil {
			return fmt.Errorf("encode response %s: %w", k, err)
		}
		if err := putResponse(ctx, tx, exec, response.BucketResponse, k, raw); err != nil {
			return err
		}
	}
	if c.Action != nil {
		if err := enqueue(ctx, tx, exec, c.ActionID, *c.Action); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveState(ctx context.Context, db execer, st State) error {
	body, err := json.Marshal(st.Session)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO state(execution_id, version, server_version, body)
VALUES (?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
	version=excluded.version,
	server_version=excluded.server_version,
	body=excluded.body
`, st.Session.ExecutionID, st.Session.Version, st.ServerVersion, string(body))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
