package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/open-builders/gift-exchange-backend/internal/common/logger"
	"github.com/open-builders/gift-exchange-backend/internal/common/validation"
	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	"github.com/open-builders/gift-exchange-backend/internal/draw"
)

// DefaultDrawTimeout bounds one draw or redraw end to end.
const DefaultDrawTimeout = 5 * time.Second

// Locker claims a group for the duration of a draw.
type Locker interface {
	Acquire(ctx context.Context, groupID string) (func(context.Context) error, error)
}

// GroupCache caches group snapshots between writes. Set only stores while the
// generation read before the database lookup is current; Invalidate advances it.
type GroupCache interface {
	Get(ctx context.Context, id string) (*dx.Group, error)
	Generation(ctx context.Context, id string) (int64, error)
	Set(ctx context.Context, g *dx.Group, gen int64) (bool, error)
	Invalidate(ctx context.Context, id string) error
}

// Service owns the group lifecycle and makes draws and redraws atomic.
type Service struct {
	repo    dx.Repository
	gen     *draw.Generator
	timeout time.Duration
	lock    Locker
	cache   GroupCache
}

// NewService builds a Service; a non-positive timeout means DefaultDrawTimeout.
func NewService(repo dx.Repository, gen *draw.Generator, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultDrawTimeout
	}
	return &Service{repo: repo, gen: gen, timeout: timeout}
}

// WithLock adds a fast-fail claim in front of the row lock.
func (s *Service) WithLock(l Locker) *Service {
	s.lock = l
	return s
}

// WithCache serves GetGroup from c and invalidates it on every write.
func (s *Service) WithCache(c GroupCache) *Service {
	s.cache = c
	return s
}

// CreateGroup validates and persists a new, undrawn group.
func (s *Service) CreateGroup(ctx context.Context, name string, organizerID int64) (*dx.Group, error) {
	name = validation.SanitizeText(name)
	if err := validation.ValidateGroupName(name); err != nil {
		return nil, fmt.Errorf("%w: %w", dx.ErrInvalidInput, err)
	}
	if err := validation.ValidateParticipantID("organizer_id", organizerID); err != nil {
		return nil, fmt.Errorf("%w: %w", dx.ErrInvalidInput, err)
	}
	now := time.Now().UTC()
	g := &dx.Group{
		ID:          uuid.NewString(),
		Name:        name,
		OrganizerID: organizerID,
		State:       dx.DrawStateNotDrawn,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateGroup(ctx, g); err != nil {
		return nil, storageErr("create group", err)
	}
	logger.Info().Str("group_id", g.ID).Int64("organizer_id", organizerID).Msg("Group created")
	return g, nil
}

// GetGroup fetches a group by id, serving from cache when possible.
func (s *Service) GetGroup(ctx context.Context, id string) (*dx.Group, error) {
	if !validGroupID(id) {
		return nil, dx.ErrGroupNotFound
	}
	gen, cacheable := int64(0), false
	if s.cache != nil {
		if g, err := s.cache.Get(ctx, id); err == nil && g != nil {
			return g, nil
		}
		var err error
		gen, err = s.cache.Generation(ctx, id)
		cacheable = err == nil
	}
	g, err := s.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, storageErr("get group", err)
	}
	if g == nil {
		return nil, dx.ErrGroupNotFound
	}
	if cacheable {
		if _, err := s.cache.Set(ctx, g, gen); err != nil {
			logger.Warn().Err(err).Str("group_id", id).Msg("Failed to cache group")
		}
	}
	return g, nil
}

// PerformDraw runs the initial draw: NotDrawn -> Drawn.
func (s *Service) PerformDraw(ctx context.Context, groupID string) (*dx.AssignmentSet, error) {
	g, err := s.precheck(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Drawn() {
		return nil, dx.ErrAlreadyDrawn
	}
	return s.draw(ctx, groupID, false)
}

// Redraw replaces the assignment set whether or not the group was drawn.
// On failure the previous set and state are left untouched.
func (s *Service) Redraw(ctx context.Context, groupID string) (*dx.AssignmentSet, error) {
	if _, err := s.precheck(ctx, groupID); err != nil {
		return nil, err
	}
	return s.draw(ctx, groupID, true)
}

// precheck resolves the cheap preconditions without opening a transaction.
func (s *Service) precheck(ctx context.Context, groupID string) (*dx.Group, error) {
	if !validGroupID(groupID) {
		return nil, dx.ErrGroupNotFound
	}
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storageErr("get group", err)
	}
	if g == nil {
		return nil, dx.ErrGroupNotFound
	}
	if g.ParticipantsCount < 2 {
		return nil, dx.ErrNotEnoughParticipants
	}
	return g, nil
}

func (s *Service) draw(ctx context.Context, groupID string, redraw bool) (set *dx.AssignmentSet, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, groupID)
		if err != nil {
			if errors.Is(err, dx.ErrDrawInProgress) {
				return nil, err
			}
			return nil, storageErr("acquire draw lock", err)
		}
		defer func() {
			if rerr := release(context.Background()); rerr != nil {
				logger.Warn().Err(rerr).Str("group_id", groupID).Msg("Failed to release draw lock")
			}
		}()
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Lock the group row so concurrent draws serialize here.
	g, err := tx.ClaimGroup(ctx, groupID)
	if err != nil {
		return nil, storageErr("claim group", err)
	}
	if !redraw && g.Drawn() {
		return nil, dx.ErrAlreadyDrawn
	}

	roster, err := tx.GetActiveParticipants(ctx, groupID)
	if err != nil {
		return nil, storageErr("load roster", err)
	}
	rules, err := tx.GetExclusionRules(ctx, groupID)
	if err != nil {
		return nil, storageErr("load exclusions", err)
	}
	if len(roster) < 2 {
		return nil, dx.ErrNotEnoughParticipants
	}

	if redraw {
		if err = tx.DeleteAssignments(ctx, groupID); err != nil {
			return nil, storageErr("delete assignments", err)
		}
		if err = tx.SetDrawnFlag(ctx, groupID, false); err != nil {
			return nil, storageErr("reset drawn flag", err)
		}
	}

	res, err := s.gen.Generate(ctx, roster, rules)
	if err != nil {
		logger.Warn().Err(err).Str("group_id", groupID).Int("participants", len(roster)).
			Int("exclusions", len(rules)).Bool("redraw", redraw).Msg("Draw failed")
		return nil, err
	}
	if err = draw.NewConstraints(roster, rules).Validate(roster, res.Assignments); err != nil {
		return nil, fmt.Errorf("%w: generated set rejected: %w", dx.ErrNoValidAssignment, err)
	}

	if err = tx.InsertAssignments(ctx, groupID, res.Assignments); err != nil {
		return nil, storageErr("insert assignments", err)
	}
	if err = tx.SetDrawnFlag(ctx, groupID, true); err != nil {
		return nil, storageErr("set drawn flag", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}
	s.invalidate(groupID)

	set = &dx.AssignmentSet{GroupID: groupID, Epoch: g.Epoch + 1, Assignments: res.Assignments}
	logger.Info().Str("group_id", groupID).Int("epoch", set.Epoch).Int("participants", len(roster)).
		Int("attempts", res.Attempts).Bool("redraw", redraw).Msg("Draw completed")
	return set, nil
}

// Join adds a participant to an undrawn group. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, groupID string, participantID int64) error {
	if err := validation.ValidateParticipantID("participant_id", participantID); err != nil {
		return fmt.Errorf("%w: %w", dx.ErrInvalidInput, err)
	}
	return s.withGroupTx(ctx, groupID, "join", func(tx dx.Tx, g *dx.Group) error {
		if g.Drawn() {
			return dx.ErrAlreadyDrawn
		}
		return tx.AddParticipant(ctx, groupID, participantID)
	})
}

// Leave removes a participant and their exclusion rules. Leaving a drawn
// group invalidates its assignment set and returns it to NotDrawn; the
// returned flag reports whether that happened.
func (s *Service) Leave(ctx context.Context, groupID string, participantID int64) (bool, error) {
	invalidated := false
	err := s.withGroupTx(ctx, groupID, "leave", func(tx dx.Tx, g *dx.Group) error {
		removed, err := tx.RemoveParticipant(ctx, groupID, participantID)
		if err != nil {
			return err
		}
		if !removed {
			return dx.ErrParticipantNotFound
		}
		if !g.Drawn() {
			return nil
		}
		if err := tx.DeleteAssignments(ctx, groupID); err != nil {
			return err
		}
		invalidated = true
		return tx.SetDrawnFlag(ctx, groupID, false)
	})
	if err != nil {
		return false, err
	}
	if invalidated {
		logger.Info().Str("group_id", groupID).Int64("participant_id", participantID).Msg("Assignments invalidated by leave")
	}
	return invalidated, nil
}

// AddExclusion records that rule.Giver must not draw rule.ForbiddenReceiver.
// Rules are frozen once the group is drawn.
func (s *Service) AddExclusion(ctx context.Context, groupID string, rule dx.ExclusionRule) error {
	if rule.Giver == 0 || rule.ForbiddenReceiver == 0 {
		return dx.ErrInvalidExclusion
	}
	return s.withGroupTx(ctx, groupID, "add exclusion", func(tx dx.Tx, g *dx.Group) error {
		if g.Drawn() {
			return dx.ErrAlreadyDrawn
		}
		roster, err := tx.GetActiveParticipants(ctx, groupID)
		if err != nil {
			return err
		}
		if !contains(roster, rule.Giver) || !contains(roster, rule.ForbiddenReceiver) {
			return dx.ErrParticipantNotFound
		}
		return tx.AddExclusion(ctx, groupID, rule)
	})
}

// RemoveExclusion deletes a rule; removing a missing rule is not an error.
func (s *Service) RemoveExclusion(ctx context.Context, groupID string, rule dx.ExclusionRule) (bool, error) {
	removed := false
	err := s.withGroupTx(ctx, groupID, "remove exclusion", func(tx dx.Tx, g *dx.Group) error {
		if g.Drawn() {
			return dx.ErrAlreadyDrawn
		}
		var err error
		removed, err = tx.RemoveExclusion(ctx, groupID, rule)
		return err
	})
	return removed, err
}

// ListParticipants returns the roster in join order.
func (s *Service) ListParticipants(ctx context.Context, groupID string) ([]int64, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	ids, err := s.repo.ListParticipants(ctx, groupID)
	if err != nil {
		return nil, storageErr("list participants", err)
	}
	return ids, nil
}

// ListExclusions returns the group's exclusion rules.
func (s *Service) ListExclusions(ctx context.Context, groupID string) ([]dx.ExclusionRule, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	rules, err := s.repo.ListExclusions(ctx, groupID)
	if err != nil {
		return nil, storageErr("list exclusions", err)
	}
	return rules, nil
}

// ListAssignments returns the current draw epoch's full assignment set.
func (s *Service) ListAssignments(ctx context.Context, groupID string) (*dx.AssignmentSet, error) {
	if !validGroupID(groupID) {
		return nil, dx.ErrGroupNotFound
	}
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storageErr("get group", err)
	}
	if g == nil {
		return nil, dx.ErrGroupNotFound
	}
	if !g.Drawn() {
		return nil, dx.ErrNotDrawn
	}
	list, err := s.repo.ListAssignments(ctx, groupID)
	if err != nil {
		return nil, storageErr("list assignments", err)
	}
	return &dx.AssignmentSet{GroupID: groupID, Epoch: g.Epoch, Assignments: list}, nil
}

// GetAssignment returns whom giver draws in the group's current epoch.
func (s *Service) GetAssignment(ctx context.Context, groupID string, giver int64) (*dx.Assignment, error) {
	if !validGroupID(groupID) {
		return nil, dx.ErrGroupNotFound
	}
	g, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, storageErr("get group", err)
	}
	if g == nil {
		return nil, dx.ErrGroupNotFound
	}
	if !g.Drawn() {
		return nil, dx.ErrNotDrawn
	}
	a, err := s.repo.GetAssignment(ctx, groupID, giver)
	if err != nil {
		return nil, storageErr("get assignment", err)
	}
	if a == nil {
		return nil, dx.ErrParticipantNotFound
	}
	return a, nil
}

// withGroupTx runs fn inside a transaction holding the group row lock.
// Domain errors returned by fn pass through; anything else is a storage failure.
func (s *Service) withGroupTx(ctx context.Context, groupID, op string, fn func(tx dx.Tx, g *dx.Group) error) (err error) {
	if !validGroupID(groupID) {
		return dx.ErrGroupNotFound
	}
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return storageErr(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	g, err := tx.ClaimGroup(ctx, groupID)
	if err != nil {
		return storageErr(op, err)
	}
	if err = fn(tx, g); err != nil {
		if isDomainErr(err) {
			return err
		}
		return storageErr(op, err)
	}
	if err = tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	s.invalidate(groupID)
	return nil
}

func (s *Service) invalidate(groupID string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Invalidate(ctx, groupID); err != nil {
		logger.Warn().Err(err).Str("group_id", groupID).Msg("Failed to invalidate group cache")
	}
}

// validGroupID reports whether id can name a group. Ids are canonical
// 36-character UUIDs; anything else cannot exist in any backend.
func validGroupID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, dx.ErrGroupNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", dx.ErrStorageFailure, op, err)
}

var domainErrs = []error{
	dx.ErrGroupNotFound, dx.ErrNotEnoughParticipants, dx.ErrAlreadyDrawn, dx.ErrNoValidAssignment,
	dx.ErrInvalidInput, dx.ErrNotDrawn, dx.ErrParticipantNotFound, dx.ErrInvalidExclusion, dx.ErrDrawInProgress,
}

func isDomainErr(err error) bool {
	for _, target := range domainErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
