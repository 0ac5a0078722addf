package store

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

// TraceRecord is one committed request in the audit log.
type TraceRecord struct {
	ExecutionID string          `json:"execution_id"`
	Seq         int64           `json:"seq"`
	Kind        string          `json:"kind"`
	Request     json.RawMessage `json:"request,omitempty"`
	From        int             `json:"from"`
	To          int             `json:"to"`
	Branch      string          `json:"branch,omitempty"`
	Version     int64           `json:"version"`
	ActionSeq   int64           `json:"action_seq,omitempty"`
}

// Commit is everything one request changes, written atomically.
type Commit struct {
	Session         *session.TestSession
	ExpectedVersion int64
	Responses       map[string]ir.Value
	Trace           TraceRecord
	Action          *AppliedAction
}

// CreateSession inserts a new session with its item sessions, correct
// responses registered so far and a "start" trace record.
func (s *Store) CreateSession(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create session: begin tx: %w", err)
	}
	defer tx.Rollback()

	sess := c.Session
	body, err := sessionBody(sess)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (execution_id, test_map_id, state, paused, position, version, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ExecutionID, sess.TestMapID, string(sess.State), boolToInt(sess.Paused), sess.Position, sess.Version, body); err != nil {
		return fmt.Errorf("create session: insert: %w", err)
	}
	if err := writeCommitRows(ctx, tx, c); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create session: commit: %w", err)
	}
	return nil
}

// Commit applies a request atomically. It fails with STALE_SESSION when the
// stored version differs from ExpectedVersion, and with ErrActionApplied when
// c.Action was already applied.
func (s *Store) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	sess := c.Session
	body, err := sessionBody(sess)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, paused = ?, position = ?, version = ?, body = ?
		WHERE execution_id = ? AND version = ?
	`, string(sess.State), boolToInt(sess.Paused), sess.Position, sess.Version, body, sess.ExecutionID, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("commit: update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit: rows affected: %w", err)
	}
	if n == 0 {
		var actual int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM sessions WHERE execution_id = ?`, sess.ExecutionID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NewSessionNotFoundError(sess.ExecutionID)
		}
		if err != nil {
			return fmt.Errorf("commit: read version: %w", err)
		}
		return ir.NewStaleSessionError(sess.ExecutionID, c.ExpectedVersion, actual)
	}

	if err := writeCommitRows(ctx, tx, c); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writeCommitRows writes item sessions, staged responses, the trace record
// and the applied-action marker inside tx.
func writeCommitRows(ctx context.Context, tx *sql.Tx, c Commit) error {
	sess := c.Session
	for _, id := range sess.SortedItemIDs() {
		if err := upsertItemSession(ctx, tx, sess.ExecutionID, sess.ItemSessions[id]); err != nil {
			return err
		}
	}

	for key, v := range c.Responses {
		raw, err := ir.MarshalValue(v)
		if err != nil {
			return fmt.Errorf("encode response %s: %w", key, err)
		}
		if err := putResponse(ctx, tx, sess.ExecutionID, response.BucketResponse, key, raw); err != nil {
			return err
		}
	}

	if c.Trace.Kind != "" {
		req := string(c.Trace.Request)
		if req == "" {
			req = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace (execution_id, seq, kind, request, from_pos, to_pos, branch, version, action_seq)
			SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?, ?
			FROM trace WHERE execution_id = ?
		`, sess.ExecutionID, c.Trace.Kind, req, c.Trace.From, c.Trace.To, c.Trace.Branch, sess.Version, c.Trace.ActionSeq,
			sess.ExecutionID); err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
	}

	if c.Action != nil {
		inserted, err := insertApplied(ctx, tx, *c.Action)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrActionApplied
		}
	}
	return nil
}

func upsertItemSession(ctx context.Context, tx *sql.Tx, executionID string, is *session.ItemSession) error {
	body, err := marshalJSON(is)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO item_sessions (execution_id, item_session_id, item_identifier, position, state, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, item_session_id) DO UPDATE SET
			state = excluded.state,
			body = excluded.body
	`, executionID, is.ID, is.ItemIdentifier, is.Position, string(is.State), body)
	if err != nil {
		return fmt.Errorf("upsert item session %s: %w", is.ID, err)
	}
	return nil
}

// sessionBody encodes the session without item sessions, which have their
// own table.
func sessionBody(sess *session.TestSession) (string, error) {
	shallow := *sess
	shallow.ItemSessions = nil
	return marshalJSON(&shallow)
}

// LoadSession reads a session and all its item sessions. Unknown executions
// fail with SESSION_NOT_FOUND.
func (s *Store) LoadSession(ctx context.Context, executionID string) (*session.TestSession, error) {
	var body string
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT body, version FROM sessions WHERE execution_id = ?
	`, executionID).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewSessionNotFoundError(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess session.TestSession
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("load session: decode: %w", err)
	}
	sess.Version = version
	sess.ItemSessions = make(map[string]*session.ItemSession)

	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM item_sessions
		WHERE execution_id = ?
		ORDER BY position ASC, item_session_id COLLATE BINARY ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("load item sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan item session: %w", err)
		}
		var is session.ItemSession
		if err := json.Unmarshal([]byte(raw), &is); err != nil {
			return nil, fmt.Errorf("decode item session: %w", err)
		}
		sess.ItemSessions[is.ID] = &is
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item sessions: %w", err)
	}
	return &sess, nil
}

// ListSessions returns execution ids in lexical order.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id FROM sessions ORDER BY execution_id COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
