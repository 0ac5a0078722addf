package testutil

// FixedIDGenerator returns the same execution id every time.
//
// A scenario replayed with the same FixedIDGenerator produces byte-identical
// traces, which is what golden comparison relies on.
//
// Stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id.
// If id is empty, Generate returns "test-execution".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-execution"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed execution id.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
