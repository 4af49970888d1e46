package draw

import (
	"fmt"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
)

// Constraints answers whether a receiver is legal for a giver within one roster.
// It is built once per draw invocation and never mutated afterwards.
type Constraints struct {
	rosterSize int
	forbidden  map[int64]map[int64]struct{}
}

// NewConstraints groups raw exclusion rows by giver. Self-exclusions are kept
// but have no effect beyond the derangement rule.
func NewConstraints(roster []int64, rules []dx.ExclusionRule) *Constraints {
	c := &Constraints{
		rosterSize: len(roster),
		forbidden:  make(map[int64]map[int64]struct{}, len(rules)),
	}
	for _, r := range rules {
		set, ok := c.forbidden[r.Giver]
		if !ok {
			set = make(map[int64]struct{})
			c.forbidden[r.Giver] = set
		}
		set[r.ForbiddenReceiver] = struct{}{}
	}
	return c
}

// Excluded reports whether an exclusion rule forbids giver → receiver.
func (c *Constraints) Excluded(giver, receiver int64) bool {
	_, ok := c.forbidden[giver][receiver]
	return ok
}

// IsLegal reports whether receiver may be assigned to giver given the
// assignments made so far (giver → receiver). The reciprocal guard only
// applies to rosters of three or more.
func (c *Constraints) IsLegal(giver, receiver int64, prior map[int64]int64) bool {
	if giver == receiver {
		return false
	}
	if c.Excluded(giver, receiver) {
		return false
	}
	if c.rosterSize >= 3 {
		if back, ok := prior[receiver]; ok && back == giver {
			return false
		}
	}
	return true
}

// Validate checks a complete assignment set against the roster: it must be a
// bijection with no fixed points, no excluded pair and, for three or more
// participants, no reciprocal pair.
func (c *Constraints) Validate(roster []int64, assignments []dx.Assignment) error {
	if len(assignments) != len(roster) {
		return fmt.Errorf("expected %d assignments, got %d", len(roster), len(assignments))
	}
	members := make(map[int64]struct{}, len(roster))
	for _, id := range roster {
		members[id] = struct{}{}
	}
	byGiver := make(map[int64]int64, len(assignments))
	received := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		if _, ok := members[a.Giver]; !ok {
			return fmt.Errorf("giver %d is not in the roster", a.Giver)
		}
		if _, ok := members[a.Receiver]; !ok {
			return fmt.Errorf("receiver %d is not in the roster", a.Receiver)
		}
		if _, dup := byGiver[a.Giver]; dup {
			return fmt.Errorf("giver %d assigned twice", a.Giver)
		}
		if _, dup := received[a.Receiver]; dup {
			return fmt.Errorf("receiver %d assigned twice", a.Receiver)
		}
		if a.Giver == a.Receiver {
			return fmt.Errorf("participant %d assigned to themselves", a.Giver)
		}
		if c.Excluded(a.Giver, a.Receiver) {
			return fmt.Errorf("excluded pair %d -> %d", a.Giver, a.Receiver)
		}
		byGiver[a.Giver] = a.Receiver
		received[a.Receiver] = struct{}{}
	}
	if c.rosterSize >= 3 {
		for g, r := range byGiver {
			if back, ok := byGiver[r]; ok && back == g {
				return fmt.Errorf("reciprocal pair %d <-> %d", g, r)
			}
		}
	}
	return nil
}
