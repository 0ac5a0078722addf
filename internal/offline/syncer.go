package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/qtinav/internal/offline/localstore"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// Transport carries queued actions to the server.
type Transport interface {
	// Sync sends a batch and returns one result per entry.
	Sync(ctx context.Context, executionID string, entries []syncsvc.Entry) ([]syncsvc.Result, error)
	// FetchSession returns the authoritative session.
	FetchSession(ctx context.Context, executionID string) (*session.TestSession, error)
}

// Defaults for Syncer.
const (
	DefaultBatchSize = 50
	DefaultInterval  = 30 * time.Second
)

// Report summarises one Flush.
type Report struct {
	Sent     int  `json:"sent"`
	Synced   int  `json:"synced"`
	Rejected int  `json:"rejected"`
	Pending  int  `json:"pending"`
	Adopted  bool `json:"adopted"`
}

// Syncer pushes the queue of a JumpTable to the server.
type Syncer struct {
	table     *JumpTable
	transport Transport
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu sync.Mutex // one flush at a time
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithBatchSize caps the entries sent per request.
func WithBatchSize(n int) SyncerOption {
	return func(s *Syncer) { s.batchSize = n }
}

// WithInterval sets how often Run retries without new actions.
func WithInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

// WithSyncLogger sets the logger. Defaults to the table's logger.
func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// NewSyncer creates a Syncer for table.
func NewSyncer(table *JumpTable, transport Transport, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		table:     table,
		transport: transport,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		logger:    table.logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	return s
}

// Flush sends pending actions in sequence order until the queue is empty,
// the server defers an action, or the transport fails.
//
// Accepted actions are marked synced. Rejected actions are marked rejected
// and, once nothing is left pending, the client adopts the server's
// session in place of its own.
func (s *Syncer) Flush(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.table.local
	exec := s.table.exec
	s.table.notify.Clear()

	var rep Report
	var lastVersion int64
	for {
		pending, err := local.Pending(ctx, exec)
		if err != nil {
			return rep, err
		}
		if len(pending) == 0 {
			break
		}
		batch := pending[:min(len(pending), s.batchSize)]
		deferred, err := s.send(ctx, batch, &rep, &lastVersion)
		if err != nil {
			return rep, err
		}
		if deferred {
			break
		}
	}

	pending, err := local.Pending(ctx, exec)
	if err != nil {
		return rep, err
	}
	rep.Pending = len(pending)
	if rep.Pending > 0 {
		s.logger.Info("sync deferred", "execution", exec, "synced", rep.Synced, "pending", rep.Pending)
		return rep, nil
	}

	localVersion := s.table.Session().Version
	diverged := rep.Rejected > 0 || (lastVersion > 0 && lastVersion != localVersion)
	switch {
	case diverged:
		sess, err := s.transport.FetchSession(ctx, exec)
		if err != nil {
			return rep, fmt.Errorf("fetch session: %w", err)
		}
		if err := s.table.Adopt(ctx, sess); err != nil {
			return rep, err
		}
		rep.Adopted = true
	case lastVersion > 0:
		if err := s.table.SetServerVersion(ctx, lastVersion); err != nil {
			return rep, err
		}
	}
	if rep.Sent > 0 {
		s.logger.Info("sync flushed",
			"execution", exec,
			"sent", rep.Sent,
			"synced", rep.Synced,
			"rejected", rep.Rejected,
			"adopted", rep.Adopted,
		)
	}
	return rep, nil
}

// send posts one batch and records the outcome of every entry. It reports
// whether the server deferred an action.
func (s *Syncer) send(ctx context.Context, batch []localstore.QueuedAction, rep *Report, lastVersion *int64) (bool, error) {
	local := s.table.local
	exec := s.table.exec

	entries := make([]syncsvc.Entry, len(batch))
	for i, q := range batch {
		e, err := syncsvc.EntryFor(q.PendingAction)
		if err != nil {
			return false, err
		}
		entries[i] = e
	}
	results, err := s.transport.Sync(ctx, exec, entries)
	if err != nil {
		return false, fmt.Errorf("sync: %w", err)
	}
	if len(results) != len(entries) {
		return false, fmt.Errorf("sync: sent %d entries, got %d results", len(entries), len(results))
	}
	rep.Sent += len(entries)

	deferred := false
	for i, r := range results {
		q := batch[i]
		switch {
		case r.Success && r.Context != nil:
			raw, err := json.Marshal(r.Context)
			if err != nil {
				return false, fmt.Errorf("encode result %d: %w", q.Sequence, err)
			}
			if err := local.MarkSynced(ctx, exec, q.Sequence, raw); err != nil {
				return false, err
			}
			rep.Synced++
			*lastVersion = r.Context.Version
		case r.Error != nil && r.Error.Retryable():
			deferred = true
		default:
			code, msg := "UNKNOWN", "no result"
			if r.Error != nil {
				code, msg = string(r.Error.Code), r.Error.Message
			}
			if err := local.MarkRejected(ctx, exec, q.Sequence, code, msg); err != nil {
				return false, err
			}
			rep.Rejected++
			s.logger.Warn("queued action rejected",
				"execution", exec,
				"sequence", q.Sequence,
				"action", q.Type,
				"code", code,
			)
		}
	}
	return deferred, nil
}

// Run flushes whenever new actions are queued and every interval until ctx
// is done. Transport failures are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.table.notify.Wait():
		case <-ticker.C:
		}
		if _, err := s.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("sync failed", "execution", s.table.exec, "error", err)
		}
	}
}
