package response

import (
	"context"
	"maps"

	"github.com/roach88/qtinav/internal/ir"
)

// Overlay stages response writes on top of a base Store. Reads see staged
// writes first. Nothing reaches the base until Commit, so a navigation that
// fails after storing responses leaves the base unchanged.
//
// Not safe for concurrent use; an Overlay lives for one navigation request.
type Overlay struct {
	base    Store
	pending map[string]ir.Value
}

// NewOverlay stages writes over base.
func NewOverlay(base Store) *Overlay {
	return &Overlay{base: base, pending: make(map[string]ir.Value)}
}

func (o *Overlay) AddResponse(_ context.Context, id string, value ir.Value) error {
	o.pending[id] = value
	return nil
}

func (o *Overlay) GetResponse(ctx context.Context, id string) (ir.Value, bool, error) {
	if v, ok := o.pending[id]; ok {
		return v, true, nil
	}
	return o.base.GetResponse(ctx, id)
}

// AddCorrectResponse writes through. Correct responses come from item
// definitions and are not part of a candidate's submission.
func (o *Overlay) AddCorrectResponse(ctx context.Context, id string, values []ir.Value) error {
	return o.base.AddCorrectResponse(ctx, id, values)
}

func (o *Overlay) GetCorrectResponse(ctx context.Context, id string) ([]ir.Value, error) {
	return o.base.GetCorrectResponse(ctx, id)
}

// Clear discards staged writes. The base is left alone.
func (o *Overlay) Clear(context.Context) error {
	clear(o.pending)
	return nil
}

// Pending returns a copy of the staged responses.
func (o *Overlay) Pending() map[string]ir.Value {
	return maps.Clone(o.pending)
}

// Commit flushes staged responses to the base in key order.
func (o *Overlay) Commit(ctx context.Context) error {
	keys := make(ir.Record, len(o.pending))
	maps.Copy(keys, o.pending)
	for _, k := range keys.SortedKeys() {
		if err := o.base.AddResponse(ctx, k, o.pending[k]); err != nil {
			return err
		}
	}
	clear(o.pending)
	return nil
}
