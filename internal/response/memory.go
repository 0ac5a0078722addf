package response

import (
	"context"
	"sync"

	"github.com/roach88/qtinav/internal/ir"
)

// Memory is an in-memory Store. Safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	responses map[string]ir.Value
	correct   map[string][]ir.Value
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		responses: make(map[string]ir.Value),
		correct:   make(map[string][]ir.Value),
	}
}

func (m *Memory) AddResponse(_ context.Context, id string, value ir.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[id] = value
	return nil
}

func (m *Memory) GetResponse(_ context.Context, id string) (ir.Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.responses[id]
	return v, ok, nil
}

func (m *Memory) AddCorrectResponse(_ context.Context, id string, values []ir.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correct[id] = append([]ir.Value(nil), values...)
	return nil
}

func (m *Memory) GetCorrectResponse(_ context.Context, id string) ([]ir.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vals := m.correct[id]
	if vals == nil {
		return []ir.Value{}, nil
	}
	return append([]ir.Value(nil), vals...), nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.responses)
	clear(m.correct)
	return nil
}

// Responses returns a copy of all stored responses.
func (m *Memory) Responses() map[string]ir.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ir.Value, len(m.responses))
	for k, v := range m.responses {
		out[k] = v
	}
	return out
}
