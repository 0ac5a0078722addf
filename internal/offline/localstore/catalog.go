package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

const (
	kindTestMap = "testmap"
	kindItem    = "item"
)

func (s *Store) putCatalog(ctx context.Context, kind, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO catalog(kind, id, body) VALUES (?, ?, ?)
ON CONFLICT(kind, id) DO UPDATE SET body=excluded.body
`, kind, id, string(body))
	if err != nil {
		return fmt.Errorf("put %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) getCatalog(ctx context.Context, kind, id string, v any) error {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM catalog WHERE kind = ? AND id = ?`, kind, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return nil
}

// PutTestMap caches a test map for offline delivery.
func (s *Store) PutTestMap(ctx context.Context, tm *ir.TestMap) error {
	return s.putCatalog(ctx, kindTestMap, tm.ID, tm)
}

// LoadTestMap reads a cached test map. Satisfies itemstore.MapLoader.
func (s *Store) LoadTestMap(ctx context.Context, id string) (*ir.TestMap, error) {
	var tm ir.TestMap
	if err := s.getCatalog(ctx, kindTestMap, id, &tm); err != nil {
		return nil, fmt.Errorf("test map %s: %w", id, err)
	}
	return &tm, nil
}

// PutItem caches an item definition.
func (s *Store) PutItem(ctx context.Context, def *ir.ItemDefinition) error {
	return s.putCatalog(ctx, kindItem, def.ID, def)
}

// LoadItem reads a cached item definition. Satisfies itemstore.Loader.
func (s *Store) LoadItem(ctx context.Context, id string) (*ir.ItemDefinition, error) {
	var def ir.ItemDefinition
	err := s.getCatalog(ctx, kindItem, id, &def)
	if errors.Is(err, ErrNotFound) {
		return nil, ir.NewItemNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}
