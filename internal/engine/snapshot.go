package engine

import (
	"context"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
)

// Snapshot is what an offline client needs to continue an execution: the
// authoritative session, its compiled map and every item on the route.
type Snapshot struct {
	Session       *session.TestSession `json:"session"`
	Map           *ir.TestMap          `json:"test_map"`
	Items         []*ir.ItemDefinition `json:"items"`
	ServerVersion int64                `json:"server_version"`
}

// Snapshot returns the offline bundle of an execution.
func (c *Controller) Snapshot(ctx context.Context, executionID string) (Snapshot, error) {
	sess, entry, err := c.load(ctx, executionID)
	if err != nil {
		return Snapshot{}, err
	}
	ids := entry.Route.DistinctItems()
	items := make([]*ir.ItemDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := c.items.Get(ctx, id)
		if err != nil {
			return Snapshot{}, err
		}
		items = append(items, def)
	}
	return Snapshot{Session: sess, Map: entry.Map, Items: items, ServerVersion: sess.Version}, nil
}
