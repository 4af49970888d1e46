package exchange

import "time"

// DrawState represents the draw lifecycle of a group.
type DrawState string

const (
	DrawStateNotDrawn DrawState = "not_drawn"
	DrawStateDrawn    DrawState = "drawn"
)

// CanDraw reports whether an initial draw may start from this state.
func (s DrawState) CanDraw() bool { return s == DrawStateNotDrawn }

// Group is the aggregate that owns the roster, exclusion rules and assignments.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OrganizerID int64     `json:"organizer_id"`
	State       DrawState `json:"state"`
	// Epoch counts successful draws; 0 means the group was never drawn.
	Epoch             int       `json:"epoch"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	ParticipantsCount int       `json:"participants_count"`
}

// Drawn reports whether the group currently holds an assignment set.
func (g *Group) Drawn() bool { return g != nil && g.State == DrawStateDrawn }

// ExclusionRule forbids Giver from being assigned ForbiddenReceiver.
type ExclusionRule struct {
	Giver             int64 `json:"giver"`
	ForbiddenReceiver int64 `json:"forbidden_receiver"`
}

// Assignment means Giver buys a gift for Receiver.
type Assignment struct {
	Giver    int64 `json:"giver"`
	Receiver int64 `json:"receiver"`
}

// AssignmentSet is the full result of one draw epoch.
type AssignmentSet struct {
	GroupID     string       `json:"group_id"`
	Epoch       int          `json:"epoch"`
	Assignments []Assignment `json:"assignments"`
}

// ReceiverOf returns the receiver drawn for giver.
func (s AssignmentSet) ReceiverOf(giver int64) (int64, bool) {
	for _, a := range s.Assignments {
		if a.Giver == giver {
			return a.Receiver, true
		}
	}
	return 0, false
}
