package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

// PutTestMap stores a compiled test map, replacing any previous revision.
func (s *Store) PutTestMap(ctx context.Context, tm *ir.TestMap) (string, error) {
	hash, err := ir.TestMapHash(tm)
	if err != nil {
		return "", err
	}
	body, err := marshalJSON(tm)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_maps (id, hash, body) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hash = excluded.hash, body = excluded.body
	`, tm.ID, hash, body)
	if err != nil {
		return "", fmt.Errorf("put test map %s: %w", tm.ID, err)
	}
	return hash, nil
}

// LoadTestMap reads a compiled test map. Satisfies itemstore.MapLoader.
func (s *Store) LoadTestMap(ctx context.Context, id string) (*ir.TestMap, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM test_maps WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test map %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load test map %s: %w", id, err)
	}
	var tm ir.TestMap
	if err := json.Unmarshal([]byte(body), &tm); err != nil {
		return nil, fmt.Errorf("decode test map %s: %w", id, err)
	}
	return &tm, nil
}

// PutItem stores a compiled item definition.
func (s *Store) PutItem(ctx context.Context, def *ir.ItemDefinition) error {
	body, err := marshalJSON(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body
	`, def.ID, body)
	if err != nil {
		return fmt.Errorf("put item %s: %w", def.ID, err)
	}
	return nil
}

// LoadItem reads an item definition. Satisfies itemstore.Loader; unknown
// items fail with ITEM_NOT_FOUND.
func (s *Store) LoadItem(ctx context.Context, id string) (*ir.ItemDefinition, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM items WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ir.NewItemNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	var def ir.ItemDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	return &def, nil
}
