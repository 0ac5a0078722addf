package offline

import (
	"context"

	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// SessionSource loads the authoritative session of an execution.
type SessionSource interface {
	Session(ctx context.Context, executionID string) (*session.TestSession, error)
}

// DirectTransport delivers batches to a sync service in the same process.
// The conformance harness and the CLI replay use it in place of HTTP.
type DirectTransport struct {
	svc      *syncsvc.Service
	sessions SessionSource
}

// NewDirectTransport wires a transport to svc and sessions.
func NewDirectTransport(svc *syncsvc.Service, sessions SessionSource) *DirectTransport {
	return &DirectTransport{svc: svc, sessions: sessions}
}

// Sync implements Transport.
func (t *DirectTransport) Sync(ctx context.Context, executionID string, entries []syncsvc.Entry) ([]syncsvc.Result, error) {
	return t.svc.Process(ctx, executionID, entries), nil
}

// FetchSession implements Transport.
func (t *DirectTransport) FetchSession(ctx context.Context, executionID string) (*session.TestSession, error) {
	return t.sessions.Session(ctx, executionID)
}
