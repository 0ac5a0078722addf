package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReadTrace returns the audit log of an execution ordered by seq.
// Returns an empty slice, not nil, when there are no records.
func (s *Store) ReadTrace(ctx context.Context, executionID string) ([]TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, kind, request, from_pos, to_pos, branch, version, action_seq
		FROM trace
		WHERE execution_id = ?
		ORDER BY seq ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	records := []TraceRecord{}
	for rows.Next() {
		var r TraceRecord
		var req string
		if err := rows.Scan(&r.ExecutionID, &r.Seq, &r.Kind, &req, &r.From, &r.To, &r.Branch, &r.Version, &r.ActionSeq); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		r.Request = json.RawMessage(req)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return records, nil
}
