package offline

// notifier wakes the syncer when the jump table queues an action. The
// durable queue in localstore is the source of truth, so the notifier
// carries no actions. Signals coalesce in a buffer of one.
type notifier struct {
	signal chan struct{}
}

func newNotifier() *notifier {
	return &notifier{signal: make(chan struct{}, 1)}
}

// Notify records that an action was queued. Never blocks.
func (n *notifier) Notify() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Clear drops a pending signal. A flush that starts afterwards reads every
// action the dropped signal stood for.
func (n *notifier) Clear() {
	select {
	case <-n.signal:
	default:
	}
}

// Wait returns a channel that receives once per coalesced notification.
func (n *notifier) Wait() <-chan struct{} {
	return n.signal
}
