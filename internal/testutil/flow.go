package testutil

// FixedRoundGenerator generates the same sync round ID every time.
//
// This enables deterministic test execution: the same scenario run with the
// same generator sends byte-identical request headers.
//
// Thread-safety: FixedRoundGenerator is stateless and safe for concurrent use.
type FixedRoundGenerator struct {
	id string
}

// NewFixedRoundGenerator creates a new fixed round ID generator.
//
// If id is empty, Generate() returns "test-round-default".
func NewFixedRoundGenerator(id string) *FixedRoundGenerator {
	if id == "" {
		id = "test-round-default"
	}
	return &FixedRoundGenerator{id: id}
}

// Generate returns the fixed round ID.
//
// Implements engine.RoundIDGenerator interface.
func (g *FixedRoundGenerator) Generate() string {
	return g.id
}
