package engine

import (
	"context"
	"sync"

	"github.com/roach88/qtinav/internal/ir"
)

// Phase names a point in the navigation lifecycle.
type Phase string

const (
	// PhaseBeforeMove runs after the move is decided and before it is
	// committed. A hook returning an error vetoes the move.
	PhaseBeforeMove Phase = "beforeMove"

	// PhaseAfterMove runs after the move is committed. Errors are logged.
	PhaseAfterMove Phase = "afterMove"

	// PhaseOnError runs when a request fails.
	PhaseOnError Phase = "onError"
)

// PhaseEvent describes the request a hook is observing.
type PhaseEvent struct {
	ExecutionID string
	Kind        string
	Request     *Request
	Move        *Move
	Context     *ir.TestContext
	Err         error
}

// Hook observes a lifecycle phase.
type Hook func(ctx context.Context, ev PhaseEvent) error

// Phases is an ordered observer list per phase. Hooks run in registration order.
type Phases struct {
	mu    sync.RWMutex
	hooks map[Phase][]Hook
}

// NewPhases creates an empty observer list.
func NewPhases() *Phases {
	return &Phases{hooks: make(map[Phase][]Hook)}
}

// On registers h for phase p.
func (p *Phases) On(phase Phase, h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[phase] = append(p.hooks[phase], h)
}

// Fire runs every hook for phase in order and returns the first error.
// Later hooks do not run once one fails.
func (p *Phases) Fire(ctx context.Context, phase Phase, ev PhaseEvent) error {
	p.mu.RLock()
	hooks := append([]Hook(nil), p.hooks[phase]...)
	p.mu.RUnlock()

	for _, h := range hooks {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
