// Package itemstore caches compiled item definitions and test maps.
//
// Item definitions are held in a bounded LRU keyed by item identifier. A
// miss falls through to a Loader (the server catalog or an S3 bucket). For an
// offline session the cache is sized to the number of distinct items on the
// route so that, once prefetched, navigation never needs the network.
package itemstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/qtinav/internal/ir"
)

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 256

// Loader fetches an item definition on a cache miss. Implementations return
// an ITEM_NOT_FOUND error for unknown identifiers.
type Loader interface {
	LoadItem(ctx context.Context, id string) (*ir.ItemDefinition, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id string) (*ir.ItemDefinition, error)

// LoadItem implements Loader.
func (f LoaderFunc) LoadItem(ctx context.Context, id string) (*ir.ItemDefinition, error) {
	return f(ctx, id)
}

// Cache events reported to an Observer.
const (
	EventHit   = "hit"
	EventMiss  = "miss"
	EventEvict = "evict"
)

// Observer receives cache events, typically a metrics collector.
type Observer interface {
	ObserveCache(cache, event string)
}

// Stats are cumulative counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// Store is an LRU cache of item definitions. Safe for concurrent use.
type Store struct {
	cache    *lru.Cache[string, *ir.ItemDefinition]
	loader   Loader
	logger   *slog.Logger
	observer Observer

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithObserver reports cache events to o.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// New creates a cache holding at most size items. loader may be nil, in which
// case misses fail with ITEM_NOT_FOUND.
func New(size int, loader Loader, opts ...Option) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	s := &Store{loader: loader, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.NewWithEvict[string, *ir.ItemDefinition](size, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("itemstore: %w", err)
	}
	s.cache = cache
	return s, nil
}

// NewForRoute sizes the cache to the distinct items of route.
func NewForRoute(route *ir.Route, loader Loader, opts ...Option) (*Store, error) {
	return New(max(1, len(route.DistinctItems())), loader, opts...)
}

func (s *Store) onEvict(key string, _ *ir.ItemDefinition) {
	s.evictions.Add(1)
	s.observe(EventEvict)
	s.logger.Debug("item evicted", "item", key)
}

func (s *Store) observe(event string) {
	if s.observer != nil {
		s.observer.ObserveCache("items", event)
	}
}

// Get returns the definition of item id, loading it on a miss.
func (s *Store) Get(ctx context.Context, id string) (*ir.ItemDefinition, error) {
	if def, ok := s.cache.Get(id); ok {
		s.hits.Add(1)
		s.observe(EventHit)
		return def, nil
	}
	s.misses.Add(1)
	s.observe(EventMiss)

	if s.loader == nil {
		return nil, ir.NewItemNotFoundError(id)
	}
	def, err := s.loader.LoadItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	if def == nil {
		return nil, ir.NewItemNotFoundError(id)
	}
	s.cache.Add(id, def)
	return def, nil
}

// Put adds or replaces a definition.
func (s *Store) Put(def *ir.ItemDefinition) {
	s.cache.Add(def.ID, def)
}

// Contains reports whether id is cached, without touching recency.
func (s *Store) Contains(id string) bool {
	return s.cache.Contains(id)
}

// Prefetch loads every listed item so later lookups hit the cache. It stops
// at the first failure.
func (s *Store) Prefetch(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if s.cache.Contains(id) {
			continue
		}
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	s.logger.Info("items prefetched", "count", len(ids), "cached", s.cache.Len())
	return nil
}

// Len returns the number of cached items.
func (s *Store) Len() int { return s.cache.Len() }

// Stats returns cumulative counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
	}
}
