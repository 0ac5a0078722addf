package engine

import "context"

// ActionRef identifies a synchronised offline action being replayed through
// the controller. When the context carries one, the controller records the
// action as applied in the same transaction as the session change.
type ActionRef struct {
	Sequence int64
	ID       string
	Type     string
}

type actionKey struct{}

// WithAction returns a context carrying ref.
func WithAction(ctx context.Context, ref ActionRef) context.Context {
	return context.WithValue(ctx, actionKey{}, ref)
}

// ActionFrom returns the action carried by ctx, if any.
func ActionFrom(ctx context.Context) (ActionRef, bool) {
	ref, ok := ctx.Value(actionKey{}).(ActionRef)
	return ref, ok
}
