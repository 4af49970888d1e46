package draw

import (
	"context"
	"fmt"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	"github.com/open-builders/gift-exchange-backend/internal/utils/random"
)

// DefaultMaxAttempts bounds the number of fresh shuffles tried per draw.
const DefaultMaxAttempts = 50

// Generator builds a random derangement of a roster that honours exclusion
// rules, restarting from a fresh shuffle when an attempt dead-ends.
type Generator struct {
	src         random.Source
	maxAttempts int
}

// NewGenerator returns a generator drawing from src. A non-positive
// maxAttempts falls back to DefaultMaxAttempts.
func NewGenerator(src random.Source, maxAttempts int) *Generator {
	if src == nil {
		src = random.Secure()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{src: src, maxAttempts: maxAttempts}
}

// Result is a generated assignment set plus the number of attempts it took.
type Result struct {
	Assignments []dx.Assignment
	Attempts    int
}

// Generate returns one valid assignment set for roster, or
// ErrNotEnoughParticipants / ErrNoValidAssignment. Cancellation of ctx is
// honoured between attempts.
func (g *Generator) Generate(ctx context.Context, roster []int64, rules []dx.ExclusionRule) (*Result, error) {
	givers := dedupe(roster)
	if len(givers) < 2 {
		return nil, dx.ErrNotEnoughParticipants
	}
	constraints := NewConstraints(givers, rules)

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", dx.ErrNoValidAssignment, err)
		}
		if out, ok := g.attempt(givers, constraints); ok {
			return &Result{Assignments: out, Attempts: attempt}, nil
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", dx.ErrNoValidAssignment, g.maxAttempts)
}

func (g *Generator) attempt(givers []int64, c *Constraints) ([]dx.Assignment, bool) {
	pool := append([]int64(nil), givers...)
	random.Shuffle(g.src, pool)

	assigned := make(map[int64]int64, len(givers))
	out := make([]dx.Assignment, 0, len(givers))
	legal := make([]int, 0, len(pool))

	for _, giver := range givers {
		legal = legal[:0]
		for i, receiver := range pool {
			if c.IsLegal(giver, receiver, assigned) {
				legal = append(legal, i)
			}
		}
		if len(legal) == 0 {
			return nil, false
		}
		idx := random.Pick(g.src, legal)
		receiver := pool[idx]
		pool[idx] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]

		assigned[giver] = receiver
		out = append(out, dx.Assignment{Giver: giver, Receiver: receiver})
	}
	return out, true
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
