package testutil

// DefaultRunID is the id NewFixedRunGenerator("") generates.
const DefaultRunID = "test-run-default"

// FixedRunGenerator generates the same run id every time.
//
// The same scenario with the same FixedRunGenerator produces byte-identical
// activity logs, which golden trace comparison relies on.
//
// Thread-safety: FixedRunGenerator is stateless and safe for concurrent use.
type FixedRunGenerator struct {
	id string
}

// NewFixedRunGenerator creates a generator returning id.
// If id is empty, Generate() returns "test-run-default".
func NewFixedRunGenerator(id string) *FixedRunGenerator {
	if id == "" {
		id = DefaultRunID
	}
	return &FixedRunGenerator{id: id}
}

// Generate returns the fixed run id.
//
// Implements engine.RunIDGenerator.
func (g *FixedRunGenerator) Generate() string {
	return g.id
}
