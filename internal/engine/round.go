package engine

import (
	"sync"

	"github.com/google/uuid"
)

// RoundIDGenerator generates identifiers for sync rounds. The identifier
// is sent as the X-Sync-Round header and tags every log line of the round.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type RoundIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 round IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so round IDs sort
// by start time in logs and on the server.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined round IDs for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("round-1", "round-2")
//	gen.Generate() // "round-1"
//	gen.Generate() // "round-2"
//	gen.Generate() // panic: all round IDs exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined ID.
//
// Panics if all IDs have been consumed, which means a test ran more rounds
// than it expected.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all round IDs exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
