package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
)

var errNotClaimed = errors.New("memory: group not claimed in this transaction")

type groupData struct {
	group        dx.Group
	participants []int64
	exclusions   []dx.ExclusionRule
	assignments  []dx.Assignment
}

func (d *groupData) clone() *groupData {
	return &groupData{
		group:        d.group,
		participants: append([]int64(nil), d.participants...),
		exclusions:   append([]dx.ExclusionRule(nil), d.exclusions...),
		assignments:  append([]dx.Assignment(nil), d.assignments...),
	}
}

// Store is an in-process Repository. A per-group semaphore plays the role of
// the row lock; transactions work on a copy and swap it in on Commit.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*groupData
	claims map[string]chan struct{}
}

func NewStore() *Store {
	return &Store{
		groups: make(map[string]*groupData),
		claims: make(map[string]chan struct{}),
	}
}

func (s *Store) CreateGroup(_ context.Context, g *dx.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return fmt.Errorf("memory: group %s already exists", g.ID)
	}
	s.groups[g.ID] = &groupData{group: *g}
	s.claims[g.ID] = make(chan struct{}, 1)
	return nil
}

// GetGroup returns nil, nil when the group does not exist.
func (s *Store) GetGroup(_ context.Context, id string) (*dx.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	g := d.group
	g.ParticipantsCount = len(d.participants)
	return &g, nil
}

func (s *Store) ListParticipants(_ context.Context, groupID string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.groups[groupID]; ok {
		return append([]int64(nil), d.participants...), nil
	}
	return nil, nil
}

func (s *Store) ListExclusions(_ context.Context, groupID string) ([]dx.ExclusionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.groups[groupID]; ok {
		return append([]dx.ExclusionRule(nil), d.exclusions...), nil
	}
	return nil, nil
}

func (s *Store) ListAssignments(_ context.Context, groupID string) ([]dx.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.groups[groupID]; ok {
		return append([]dx.Assignment(nil), d.assignments...), nil
	}
	return nil, nil
}

// GetAssignment returns nil, nil when the giver has no assignment.
func (s *Store) GetAssignment(_ context.Context, groupID string, giver int64) (*dx.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	for _, a := range d.assignments {
		if a.Giver == giver {
			out := a
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) BeginTx(_ context.Context) (dx.Tx, error) {
	return &tx{store: s}, nil
}

type tx struct {
	store   *Store
	groupID string
	claim   chan struct{}
	staged  *groupData
	done    bool
}

func (t *tx) ClaimGroup(ctx context.Context, groupID string) (*dx.Group, error) {
	if t.done {
		return nil, errors.New("memory: transaction already finished")
	}
	if t.staged != nil {
		if t.groupID != groupID {
			return nil, fmt.Errorf("memory: transaction already holds group %s", t.groupID)
		}
		g := t.staged.group
		return &g, nil
	}
	t.store.mu.RLock()
	claim, ok := t.store.claims[groupID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, dx.ErrGroupNotFound
	}
	select {
	case claim <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.store.mu.RLock()
	d := t.store.groups[groupID].clone()
	t.store.mu.RUnlock()

	t.groupID, t.claim, t.staged = groupID, claim, d
	g := d.group
	g.ParticipantsCount = len(d.participants)
	return &g, nil
}

func (t *tx) data(groupID string) (*groupData, error) {
	if t.done || t.staged == nil || t.groupID != groupID {
		return nil, errNotClaimed
	}
	return t.staged, nil
}

func (t *tx) GetActiveParticipants(_ context.Context, groupID string) ([]int64, error) {
	d, err := t.data(groupID)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), d.participants...), nil
}

func (t *tx) GetExclusionRules(_ context.Context, groupID string) ([]dx.ExclusionRule, error) {
	d, err := t.data(groupID)
	if err != nil {
		return nil, err
	}
	return append([]dx.ExclusionRule(nil), d.exclusions...), nil
}

func (t *tx) AddParticipant(_ context.Context, groupID string, participantID int64) error {
	d, err := t.data(groupID)
	if err != nil {
		return err
	}
	for _, p := range d.participants {
		if p == participantID {
			return nil
		}
	}
	d.participants = append(d.participants, participantID)
	return nil
}

func (t *tx) RemoveParticipant(_ context.Context, groupID string, participantID int64) (bool, error) {
	d, err := t.data(groupID)
	if err != nil {
		return false, err
	}
	removed := false
	kept := d.participants[:0]
	for _, p := range d.participants {
		if p == participantID {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	d.participants = kept

	rules := d.exclusions[:0]
	for _, r := range d.exclusions {
		if r.Giver == participantID || r.ForbiddenReceiver == participantID {
			continue
		}
		rules = append(rules, r)
	}
	d.exclusions = rules
	return removed, nil
}

func (t *tx) AddExclusion(_ context.Context, groupID string, rule dx.ExclusionRule) error {
	d, err := t.data(groupID)
	if err != nil {
		return err
	}
	for _, r := range d.exclusions {
		if r == rule {
			return nil
		}
	}
	d.exclusions = append(d.exclusions, rule)
	return nil
}

func (t *tx) RemoveExclusion(_ context.Context, groupID string, rule dx.ExclusionRule) (bool, error) {
	d, err := t.data(groupID)
	if err != nil {
		return false, err
	}
	for i, r := range d.exclusions {
		if r == rule {
			d.exclusions = append(d.exclusions[:i], d.exclusions[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) DeleteAssignments(_ context.Context, groupID string) error {
	d, err := t.data(groupID)
	if err != nil {
		return err
	}
	d.assignments = nil
	return nil
}

// InsertAssignments enforces the same uniqueness the SQL schema does on
// (group, giver) and (group, receiver).
func (t *tx) InsertAssignments(_ context.Context, groupID string, assignments []dx.Assignment) error {
	d, err := t.data(groupID)
	if err != nil {
		return err
	}
	givers := make(map[int64]struct{}, len(d.assignments)+len(assignments))
	receivers := make(map[int64]struct{}, len(d.assignments)+len(assignments))
	for _, a := range d.assignments {
		givers[a.Giver] = struct{}{}
		receivers[a.Receiver] = struct{}{}
	}
	for _, a := range assignments {
		if _, dup := givers[a.Giver]; dup {
			return fmt.Errorf("memory: duplicate giver %d", a.Giver)
		}
		if _, dup := receivers[a.Receiver]; dup {
			return fmt.Errorf("memory: duplicate receiver %d", a.Receiver)
		}
		givers[a.Giver] = struct{}{}
		receivers[a.Receiver] = struct{}{}
	}
	d.assignments = append(d.assignments, assignments...)
	return nil
}

func (t *tx) SetDrawnFlag(_ context.Context, groupID string, drawn bool) error {
	d, err := t.data(groupID)
	if err != nil {
		return err
	}
	if drawn {
		d.group.State = dx.DrawStateDrawn
		d.group.Epoch++
	} else {
		d.group.State = dx.DrawStateNotDrawn
	}
	d.group.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errors.New("memory: transaction already finished")
	}
	t.done = true
	if t.staged == nil {
		return nil
	}
	t.store.mu.Lock()
	t.store.groups[t.groupID] = t.staged
	t.store.mu.Unlock()
	t.release()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.release()
	return nil
}

func (t *tx) release() {
	if t.claim != nil {
		<-t.claim
		t.claim = nil
	}
	t.staged = nil
}
