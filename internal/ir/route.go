package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// RouteItem is one position in the flattened test route.
type RouteItem struct {
	Position       int    `json:"position"`
	TestPartID     string `json:"test_part_id"`
	SectionID      string `json:"section_id"`
	ItemIdentifier string `json:"item_identifier"`
	Occurrence     int    `json:"occurrence"`
}

// ItemSessionID identifies the item occurrence: "<item>.<occurrence>".
func (r RouteItem) ItemSessionID() string {
	return ItemSessionID(r.ItemIdentifier, r.Occurrence)
}

// ItemSessionID formats an item occurrence identifier.
func ItemSessionID(item string, occurrence int) string {
	return item + "." + strconv.Itoa(occurrence)
}

// ParseItemSessionID splits "<item>.<occurrence>". The item part may itself contain dots.
func ParseItemSessionID(id string) (string, int, bool) {
	i := strings.LastIndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return id[:i], n, true
}

// Route is the immutable flattened sequence of item occurrences of a TestMap,
// with lookup indexes for navigation.
type Route struct {
	Map   *TestMap
	Items []RouteItem

	refs        []*ItemRef
	parts       map[string]int
	partFirst   map[string]int
	sectFirst   map[string]int
	sessionPos  map[string]int
	occurrences map[string][]int
}

// NewRoute flattens a test map in document order.
func NewRoute(tm *TestMap) *Route {
	r := &Route{
		Map:         tm,
		parts:       make(map[string]int),
		partFirst:   make(map[string]int),
		sectFirst:   make(map[string]int),
		sessionPos:  make(map[string]int),
		occurrences: make(map[string][]int),
	}
	for pi := range tm.Parts {
		part := &tm.Parts[pi]
		r.parts[part.ID] = pi
		for si := range part.Sections {
			sect := &part.Sections[si]
			for ii := range sect.Items {
				ref := &sect.Items[ii]
				pos := len(r.Items)
				item := RouteItem{
					Position:       pos,
					TestPartID:     part.ID,
					SectionID:      sect.ID,
					ItemIdentifier: ref.ID,
					Occurrence:     len(r.occurrences[ref.ID]),
				}
				if _, ok := r.partFirst[part.ID]; !ok {
					r.partFirst[part.ID] = pos
				}
				if _, ok := r.sectFirst[sect.ID]; !ok {
					r.sectFirst[sect.ID] = pos
				}
				r.Items = append(r.Items, item)
				r.refs = append(r.refs, ref)
				r.sessionPos[item.ItemSessionID()] = pos
				r.occurrences[ref.ID] = append(r.occurrences[ref.ID], pos)
			}
		}
	}
	return r
}

// Len returns the number of route positions.
func (r *Route) Len() int { return len(r.Items) }

// At returns the route item at pos.
func (r *Route) At(pos int) (RouteItem, bool) {
	if pos < 0 || pos >= len(r.Items) {
		return RouteItem{}, false
	}
	return r.Items[pos], true
}

// Ref returns the item reference at pos. Panics when pos is out of range.
func (r *Route) Ref(pos int) *ItemRef {
	return r.refs[pos]
}

// Part returns the test part with the given id.
func (r *Route) Part(id string) (*TestPart, bool) {
	pi, ok := r.parts[id]
	if !ok {
		return nil, false
	}
	return &r.Map.Parts[pi], true
}

// PartAt returns the test part containing pos.
func (r *Route) PartAt(pos int) *TestPart {
	p, _ := r.Part(r.Items[pos].TestPartID)
	return p
}

// PartIndex returns the document index of a test part, or -1.
func (r *Route) PartIndex(id string) int {
	if pi, ok := r.parts[id]; ok {
		return pi
	}
	return -1
}

// FirstOfPart returns the first position of a test part, or -1.
func (r *Route) FirstOfPart(id string) int {
	if pos, ok := r.partFirst[id]; ok {
		return pos
	}
	return -1
}

// FirstOfSection returns the first position of a section, or -1.
func (r *Route) FirstOfSection(id string) int {
	if pos, ok := r.sectFirst[id]; ok {
		return pos
	}
	return -1
}

// NextSectionStart returns the first position after pos in a different
// section, or Len() when pos is in the last section.
func (r *Route) NextSectionStart(pos int) int {
	cur := r.Items[pos]
	for p := pos + 1; p < len(r.Items); p++ {
		if r.Items[p].SectionID != cur.SectionID || r.Items[p].TestPartID != cur.TestPartID {
			return p
		}
	}
	return len(r.Items)
}

// PrevSectionStart returns the first position of the section preceding the
// one containing pos, or -1.
func (r *Route) PrevSectionStart(pos int) int {
	start := r.FirstOfSection(r.Items[pos].SectionID)
	if start <= 0 {
		return -1
	}
	return r.FirstOfSection(r.Items[start-1].SectionID)
}

// NextPartStart returns the first position after pos in a different test
// part, or Len() when pos is in the last part.
func (r *Route) NextPartStart(pos int) int {
	cur := r.Items[pos].TestPartID
	for p := pos + 1; p < len(r.Items); p++ {
		if r.Items[p].TestPartID != cur {
			return p
		}
	}
	return len(r.Items)
}

// PositionsInPart returns every position belonging to the test part.
func (r *Route) PositionsInPart(id string) []int {
	var out []int
	for _, it := range r.Items {
		if it.TestPartID == id {
			out = append(out, it.Position)
		}
	}
	return out
}

// DistinctItems returns item identifiers in first-occurrence order.
func (r *Route) DistinctItems() []string {
	out := make([]string, 0, len(r.occurrences))
	seen := make(map[string]bool, len(r.occurrences))
	for _, it := range r.Items {
		if !seen[it.ItemIdentifier] {
			seen[it.ItemIdentifier] = true
			out = append(out, it.ItemIdentifier)
		}
	}
	return out
}

// Lookup resolves a reference to a route position. The reference may be an
// item session id ("Q1.0"), an item identifier, a section id or a test part
// id. Item identifiers resolve to the first occurrence after from, falling
// back to the first occurrence overall. Returns -1 when nothing matches.
func (r *Route) Lookup(ref string, from int) int {
	if pos, ok := r.sessionPos[ref]; ok {
		return pos
	}
	if occ, ok := r.occurrences[ref]; ok {
		for _, pos := range occ {
			if pos > from {
				return pos
			}
		}
		return occ[0]
	}
	if pos := r.FirstOfSection(ref); pos >= 0 {
		return pos
	}
	return r.FirstOfPart(ref)
}

// PositionOf returns the position of an item session id.
func (r *Route) PositionOf(itemSessionID string) (int, error) {
	pos, ok := r.sessionPos[itemSessionID]
	if !ok {
		return -1, fmt.Errorf("item session %q is not in the route", itemSessionID)
	}
	return pos, nil
}
