package session

import (
	"maps"
	"slices"

	"github.com/roach88/qtinav/internal/ir"
)

// TestSession is the mutable state of one delivery execution.
//
// Position points into the route of the test map; it equals the route
// length once the test is closed by running off the end. Version increases
// by one on every committed change and guards against stale writes.
type TestSession struct {
	ExecutionID string       `json:"execution_id"`
	TestMapID   string       `json:"test_map_id"`
	MapHash     string       `json:"map_hash,omitempty"`
	State       ir.TestState `json:"state"`
	Paused      bool         `json:"paused,omitempty"`
	Position    int          `json:"position"`
	Version     int64        `json:"version"`

	// ItemSessions by item session id ("<item>.<occurrence>").
	ItemSessions map[string]*ItemSession `json:"item_sessions"`

	// LeftParts lists test parts the candidate has left and may not re-enter.
	LeftParts []string `json:"left_parts,omitempty"`

	// DurationMs accumulates time reported across all items.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Comments left by the candidate, oldest first.
	Comments []string `json:"comments,omitempty"`
}

// ItemSession is the state of one item occurrence.
type ItemSession struct {
	ID             string       `json:"id"`
	ItemIdentifier string       `json:"item_identifier"`
	Position       int          `json:"position"`
	State          ir.ItemState `json:"state"`
	Answered       bool         `json:"answered,omitempty"`
	Flagged        bool         `json:"flagged,omitempty"`
	Viewed         bool         `json:"viewed,omitempty"`
	Responses      ir.Record    `json:"responses,omitempty"`
	DurationMs     int64        `json:"duration_ms,omitempty"`
}

// New creates a session in the initial state.
func New(executionID, testMapID string) *TestSession {
	return &TestSession{
		ExecutionID:  executionID,
		TestMapID:    testMapID,
		State:        ir.TestInitial,
		ItemSessions: make(map[string]*ItemSession),
	}
}

// Clone returns a deep copy so a request can work on it and commit or
// discard as a unit.
func (s *TestSession) Clone() *TestSession {
	c := *s
	c.ItemSessions = make(map[string]*ItemSession, len(s.ItemSessions))
	for id, is := range s.ItemSessions {
		c.ItemSessions[id] = is.Clone()
	}
	c.LeftParts = slices.Clone(s.LeftParts)
	c.Comments = slices.Clone(s.Comments)
	return &c
}

// Clone returns a copy of the item session.
func (is *ItemSession) Clone() *ItemSession {
	c := *is
	c.Responses = is.Responses.Clone()
	return &c
}

// Blocked reports whether navigation must fail with SESSION_PAUSED.
func (s *TestSession) Blocked() bool {
	return s.Paused || s.State == ir.TestSuspended
}

// HasLeft reports whether the candidate left test part id.
func (s *TestSession) HasLeft(partID string) bool {
	return slices.Contains(s.LeftParts, partID)
}

// Item returns the item session for id, or nil.
func (s *TestSession) Item(id string) *ItemSession {
	return s.ItemSessions[id]
}

// Ensure returns the item session for route item r, creating it in the
// notSelected state on first visit.
func (s *TestSession) Ensure(r ir.RouteItem) *ItemSession {
	id := r.ItemSessionID()
	if is, ok := s.ItemSessions[id]; ok {
		return is
	}
	is := &ItemSession{
		ID:             id,
		ItemIdentifier: r.ItemIdentifier,
		Position:       r.Position,
		State:          ir.ItemNotSelected,
	}
	s.ItemSessions[id] = is
	return is
}

// MergeResponses records submitted responses and updates the answered flag.
func (is *ItemSession) MergeResponses(responses ir.Record) {
	if len(responses) == 0 {
		return
	}
	if is.Responses == nil {
		is.Responses = make(ir.Record, len(responses))
	}
	maps.Copy(is.Responses, responses)
	is.Answered = false
	for _, v := range is.Responses {
		if !ir.IsNull(v) {
			is.Answered = true
			break
		}
	}
}

// SortedItemIDs returns item session ids ordered by route position.
func (s *TestSession) SortedItemIDs() []string {
	ids := slices.Collect(maps.Keys(s.ItemSessions))
	slices.SortFunc(ids, func(a, b string) int {
		pa, pb := s.ItemSessions[a].Position, s.ItemSessions[b].Position
		if pa != pb {
			return pa - pb
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return ids
}
