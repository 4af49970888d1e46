package exchange

import "context"

// Repository defines read access to groups and the entry point for transactional writes.
type Repository interface {
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListParticipants(ctx context.Context, groupID string) ([]int64, error)
	ListExclusions(ctx context.Context, groupID string) ([]ExclusionRule, error)
	ListAssignments(ctx context.Context, groupID string) ([]Assignment, error)
	GetAssignment(ctx context.Context, groupID string, giver int64) (*Assignment, error)
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a unit of work over a single group. ClaimGroup must be called first:
// it takes an exclusive hold on the group row until Commit or Rollback.
type Tx interface {
	ClaimGroup(ctx context.Context, groupID string) (*Group, error)

	GetActiveParticipants(ctx context.Context, groupID string) ([]int64, error)
	GetExclusionRules(ctx context.Context, groupID string) ([]ExclusionRule, error)

	AddParticipant(ctx context.Context, groupID string, participantID int64) error
	RemoveParticipant(ctx context.Context, groupID string, participantID int64) (bool, error)
	AddExclusion(ctx context.Context, groupID string, rule ExclusionRule) error
	RemoveExclusion(ctx context.Context, groupID string, rule ExclusionRule) (bool, error)

	DeleteAssignments(ctx context.Context, groupID string) error
	InsertAssignments(ctx context.Context, groupID string, assignments []Assignment) error
	SetDrawnFlag(ctx context.Context, groupID string, drawn bool) error

	Commit() error
	Rollback() error
}
