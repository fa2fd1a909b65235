package engine

import (
	"math/rand"

	"github.com/google/uuid"
)

// IDSource hands out order, trade and run identifiers.
type IDSource interface {
	Next() string
}

// SeededIDs derives UUIDs from a seeded generator so identical runs get identical IDs.
type SeededIDs struct {
	rng *rand.Rand
}

func NewSeededIDs(seed int64) *SeededIDs {
	return &SeededIDs{rng: rand.New(rand.NewSource(seed))}
}

func (s *SeededIDs) Next() string {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		// math/rand never fails to read
		panic(err)
	}
	return id.String()
}

// RandomIDs uses crypto-random v4 UUIDs.
type RandomIDs struct{}

func (RandomIDs) Next() string { return uuid.NewString() }
