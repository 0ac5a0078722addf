package itemstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/qtinav/internal/ir"
)

// MapLoader fetches a compiled test map on a cache miss.
type MapLoader interface {
	LoadTestMap(ctx context.Context, id string) (*ir.TestMap, error)
}

// MapEntry is a cached test map with its flattened route.
type MapEntry struct {
	Map   *ir.TestMap
	Route *ir.Route
	Hash  string
}

// Maps caches test maps and their routes by test map id.
type Maps struct {
	cache    *lru.Cache[string, *MapEntry]
	loader   MapLoader
	observer Observer
}

// NewMaps creates a test map cache. loader may be nil.
func NewMaps(size int, loader MapLoader, observer Observer) (*Maps, error) {
	if size <= 0 {
		size = 16
	}
	cache, err := lru.New[string, *MapEntry](size)
	if err != nil {
		return nil, fmt.Errorf("itemstore: %w", err)
	}
	return &Maps{cache: cache, loader: loader, observer: observer}, nil
}

// Put builds and caches the route for tm.
func (m *Maps) Put(tm *ir.TestMap) (*MapEntry, error) {
	hash, err := ir.TestMapHash(tm)
	if err != nil {
		return nil, err
	}
	entry := &MapEntry{Map: tm, Route: ir.NewRoute(tm), Hash: hash}
	m.cache.Add(tm.ID, entry)
	return entry, nil
}

// Get returns the cached entry for id, loading and building it on a miss.
func (m *Maps) Get(ctx context.Context, id string) (*MapEntry, error) {
	if e, ok := m.cache.Get(id); ok {
		m.observe(EventHit)
		return e, nil
	}
	m.observe(EventMiss)
	if m.loader == nil {
		return nil, fmt.Errorf("test map %q not cached", id)
	}
	tm, err := m.loader.LoadTestMap(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load test map %s: %w", id, err)
	}
	return m.Put(tm)
}

func (m *Maps) observe(event string) {
	if m.observer != nil {
		m.observer.ObserveCache("maps", event)
	}
}
