package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func putResponse(ctx context.Context, db execer, executionID, bucket, key string, value []byte) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO responses(execution_id, bucket, key, value)
VALUES (?, ?, ?, ?)
ON CONFLICT(execution_id, bucket, key) DO UPDATE SET value=excluded.value
`, executionID, bucket, key, string(value))
	if err != nil {
		return fmt.Errorf("put response %s/%s: %w", bucket, key, err)
	}
	return nil
}

// ResponseKV is the durable response storage of one execution. It
// satisfies response.KV, so responses survive a restart of the client.
type ResponseKV struct {
	db          *sql.DB
	executionID string
}

// KV scopes response storage to executionID.
func (s *Store) KV(executionID string) *ResponseKV {
	return &ResponseKV{db: s.db, executionID: executionID}
}

func (kv *ResponseKV) Put(ctx context.Context, bucket, key string, value []byte) error {
	return putResponse(ctx, kv.db, kv.executionID, bucket, key, value)
}

func (kv *ResponseKV) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var value string
	err := kv.db.QueryRowContext(ctx, `
SELECT value FROM responses WHERE execution_id = ? AND bucket = ? AND key = ?
`, kv.executionID, bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get response %s/%s: %w", bucket, key, err)
	}
	return []byte(value), true, nil
}

func (kv *ResponseKV) Clear(ctx context.Context, bucket string) error {
	if _, err := kv.db.ExecContext(ctx, `
DELETE FROM responses WHERE execution_id = ? AND bucket = ?
`, kv.executionID, bucket); err != nil {
		return fmt.Errorf("clear responses %s: %w", bucket, err)
	}
	return nil
}
