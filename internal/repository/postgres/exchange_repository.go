package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
)

// ExchangeRepository persists gift exchange groups, their rosters, exclusion
// rules and drawn assignments.
type ExchangeRepository struct {
	db *sql.DB
}

func NewExchangeRepository(db *sql.DB) *ExchangeRepository { return &ExchangeRepository{db: db} }

var _ dx.Repository = (*ExchangeRepository)(nil)

// CreateGroup inserts a new group in the NotDrawn state.
func (r *ExchangeRepository) CreateGroup(ctx context.Context, g *dx.Group) error {
	const q = `
	INSERT INTO exchange_groups (id, name, organizer_id, drawn, epoch, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.ExecContext(ctx, q, g.ID, g.Name, g.OrganizerID, g.Drawn(), g.Epoch, g.CreatedAt, g.UpdatedAt)
	return err
}

// GetGroup returns nil, nil when the group does not exist.
func (r *ExchangeRepository) GetGroup(ctx context.Context, id string) (*dx.Group, error) {
	const q = `
        SELECT g.id, g.name, g.organizer_id, g.drawn, g.epoch, g.created_at, g.updated_at,
               (SELECT COUNT(*) FROM exchange_participants p WHERE p.group_id = g.id)
        FROM exchange_groups g WHERE g.id=$1`
	var (
		g     dx.Group
		drawn bool
	)
	row := r.db.QueryRowContext(ctx, q, id)
	if err := row.Scan(&g.ID, &g.Name, &g.OrganizerID, &drawn, &g.Epoch, &g.CreatedAt, &g.UpdatedAt, &g.ParticipantsCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	g.State = stateOf(drawn)
	return &g, nil
}

func (r *ExchangeRepository) ListParticipants(ctx context.Context, groupID string) ([]int64, error) {
	return listParticipants(ctx, r.db, groupID)
}

func (r *ExchangeRepository) ListExclusions(ctx context.Context, groupID string) ([]dx.ExclusionRule, error) {
	return listExclusions(ctx, r.db, groupID)
}

// ListAssignments returns the current assignment set ordered by giver.
func (r *ExchangeRepository) ListAssignments(ctx context.Context, groupID string) ([]dx.Assignment, error) {
	const q = `SELECT giver_id, receiver_id FROM exchange_assignments WHERE group_id=$1 ORDER BY giver_id`
	rows, err := r.db.QueryContext(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dx.Assignment
	for rows.Next() {
		var a dx.Assignment
		if err := rows.Scan(&a.Giver, &a.Receiver); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAssignment returns nil, nil when the giver has no assignment.
func (r *ExchangeRepository) GetAssignment(ctx context.Context, groupID string, giver int64) (*dx.Assignment, error) {
	const q = `SELECT giver_id, receiver_id FROM exchange_assignments WHERE group_id=$1 AND giver_id=$2`
	var a dx.Assignment
	if err := r.db.QueryRowContext(ctx, q, groupID, giver).Scan(&a.Giver, &a.Receiver); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// BeginTx opens a read-committed transaction; isolation between draws comes
// from the row lock taken by ClaimGroup.
func (r *ExchangeRepository) BeginTx(ctx context.Context) (dx.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &exchangeTx{tx: tx}, nil
}

const uniqueViolation = pq.ErrorCode("23505")

type exchangeTx struct {
	tx *sql.Tx
}

// ClaimGroup locks the group row to prevent concurrent draws.
func (t *exchangeTx) ClaimGroup(ctx context.Context, groupID string) (*dx.Group, error) {
	const q = `
        SELECT id, name, organizer_id, drawn, epoch, created_at, updated_at
        FROM exchange_groups WHERE id=$1 FOR UPDATE`
	var (
		g     dx.Group
		drawn bool
	)
	err := t.tx.QueryRowContext(ctx, q, groupID).Scan(&g.ID, &g.Name, &g.OrganizerID, &drawn, &g.Epoch, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dx.ErrGroupNotFound
		}
		return nil, err
	}
	g.State = stateOf(drawn)
	return &g, nil
}

func (t *exchangeTx) GetActiveParticipants(ctx context.Context, groupID string) ([]int64, error) {
	return listParticipants(ctx, t.tx, groupID)
}

func (t *exchangeTx) GetExclusionRules(ctx context.Context, groupID string) ([]dx.ExclusionRule, error) {
	return listExclusions(ctx, t.tx, groupID)
}

func (t *exchangeTx) AddParticipant(ctx context.Context, groupID string, participantID int64) error {
	const q = `
        INSERT INTO exchange_participants (group_id, participant_id)
        VALUES ($1, $2)
        ON CONFLICT DO NOTHING`
	_, err := t.tx.ExecContext(ctx, q, groupID, participantID)
	return err
}

// RemoveParticipant deletes the membership and every exclusion rule that
// mentions the participant.
func (t *exchangeTx) RemoveParticipant(ctx context.Context, groupID string, participantID int64) (bool, error) {
	const qRules = `DELETE FROM exchange_exclusions WHERE group_id=$1 AND (giver_id=$2 OR receiver_id=$2)`
	if _, err := t.tx.ExecContext(ctx, qRules, groupID, participantID); err != nil {
		return false, err
	}
	const q = `DELETE FROM exchange_participants WHERE group_id=$1 AND participant_id=$2`
	res, err := t.tx.ExecContext(ctx, q, groupID, participantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *exchangeTx) AddExclusion(ctx context.Context, groupID string, rule dx.ExclusionRule) error {
	const q = `
        INSERT INTO exchange_exclusions (group_id, giver_id, receiver_id)
        VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING`
	_, err := t.tx.ExecContext(ctx, q, groupID, rule.Giver, rule.ForbiddenReceiver)
	return err
}

func (t *exchangeTx) RemoveExclusion(ctx context.Context, groupID string, rule dx.ExclusionRule) (bool, error) {
	const q = `DELETE FROM exchange_exclusions WHERE group_id=$1 AND giver_id=$2 AND receiver_id=$3`
	res, err := t.tx.ExecContext(ctx, q, groupID, rule.Giver, rule.ForbiddenReceiver)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (t *exchangeTx) DeleteAssignments(ctx context.Context, groupID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM exchange_assignments WHERE group_id=$1`, groupID)
	return err
}

// InsertAssignments writes the whole set in one statement. The unique
// constraints on (group_id, giver_id) and (group_id, receiver_id) reject any
// set that is not a bijection.
func (t *exchangeTx) InsertAssignments(ctx context.Context, groupID string, assignments []dx.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	givers := make([]int64, len(assignments))
	receivers := make([]int64, len(assignments))
	for i, a := range assignments {
		givers[i], receivers[i] = a.Giver, a.Receiver
	}
	const q = `
        INSERT INTO exchange_assignments (group_id, giver_id, receiver_id)
        SELECT $1, t.giver, t.receiver FROM unnest($2::bigint[], $3::bigint[]) AS t(giver, receiver)`
	_, err := t.tx.ExecContext(ctx, q, groupID, pq.Array(givers), pq.Array(receivers))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("assignment set violates %s: %w", pqErr.Constraint, err)
	}
	return err
}

// SetDrawnFlag flips the drawn flag; setting it opens a new draw epoch.
func (t *exchangeTx) SetDrawnFlag(ctx context.Context, groupID string, drawn bool) error {
	q := `UPDATE exchange_groups SET drawn=false, updated_at=now() WHERE id=$1`
	if drawn {
		q = `UPDATE exchange_groups SET drawn=true, epoch=epoch+1, updated_at=now() WHERE id=$1`
	}
	_, err := t.tx.ExecContext(ctx, q, groupID)
	return err
}

func (t *exchangeTx) Commit() error { return t.tx.Commit() }

// Rollback is safe to call after Commit.
func (t *exchangeTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listParticipants(ctx context.Context, q queryer, groupID string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT participant_id FROM exchange_participants WHERE group_id=$1 ORDER BY joined_at, participant_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func listExclusions(ctx context.Context, q queryer, groupID string) ([]dx.ExclusionRule, error) {
	rows, err := q.QueryContext(ctx, `SELECT giver_id, receiver_id FROM exchange_exclusions WHERE group_id=$1 ORDER BY giver_id, receiver_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dx.ExclusionRule
	for rows.Next() {
		var r dx.ExclusionRule
		if err := rows.Scan(&r.Giver, &r.ForbiddenReceiver); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func stateOf(drawn bool) dx.DrawState {
	if drawn {
		return dx.DrawStateDrawn
	}
	return dx.DrawStateNotDrawn
}
