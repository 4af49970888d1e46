package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	rcache "github.com/open-builders/gift-exchange-backend/internal/cache/redis"
	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	"github.com/open-builders/gift-exchange-backend/internal/draw"
	redisp "github.com/open-builders/gift-exchange-backend/internal/platform/redis"
	"github.com/open-builders/gift-exchange-backend/internal/repository/memory"
	"github.com/open-builders/gift-exchange-backend/internal/utils/random"
)

// faultyRepo wraps a repository, counts transactions and fails chosen steps.
type faultyRepo struct {
	dx.Repository
	begins   atomic.Int32
	failStep string
}

func (r *faultyRepo) BeginTx(ctx context.Context) (dx.Tx, error) {
	r.begins.Add(1)
	tx, err := r.Repository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, failStep: r.failStep}, nil
}

type faultyTx struct {
	dx.Tx
	failStep string
}

var errDisk = errors.New("disk on fire")

func (t *faultyTx) InsertAssignments(ctx context.Context, groupID string, a []dx.Assignment) error {
	if t.failStep == "insert" {
		return errDisk
	}
	return t.Tx.InsertAssignments(ctx, groupID, a)
}

func (t *faultyTx) Commit() error {
	if t.failStep == "commit" {
		_ = t.Tx.Rollback()
		return errDisk
	}
	return t.Tx.Commit()
}

type fixture struct {
	store *memory.Store
	repo  *faultyRepo
	svc   *Service
}

func newFixture(t *testing.T, seed uint64) *fixture {
	t.Helper()
	store := memory.NewStore()
	repo := &faultyRepo{Repository: store}
	gen := draw.NewGenerator(random.Seeded(seed), 20)
	return &fixture{store: store, repo: repo, svc: NewService(repo, gen, time.Second)}
}

func (f *fixture) group(t *testing.T, members ...int64) string {
	t.Helper()
	ctx := context.Background()
	g, err := f.svc.CreateGroup(ctx, "Office party", 100)
	require.NoError(t, err)
	for _, m := range members {
		require.NoError(t, f.svc.Join(ctx, g.ID, m))
	}
	return g.ID
}

type snapshot struct {
	group       dx.Group
	assignments []dx.Assignment
}

func (f *fixture) snapshot(t *testing.T, id string) snapshot {
	t.Helper()
	g, err := f.store.GetGroup(context.Background(), id)
	require.NoError(t, err)
	a, err := f.store.ListAssignments(context.Background(), id)
	require.NoError(t, err)
	return snapshot{group: *g, assignments: a}
}

func assertValid(t *testing.T, roster []int64, rules []dx.ExclusionRule, set *dx.AssignmentSet) {
	t.Helper()
	require.NotNil(t, set)
	require.NoError(t, draw.NewConstraints(roster, rules).Validate(roster, set.Assignments))
}

func TestPerformDraw_ThreeParticipants(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3)

	set, err := f.svc.PerformDraw(ctx, id)
	require.NoError(t, err)
	assertValid(t, []int64{1, 2, 3}, nil, set)
	assert.Equal(t, 1, set.Epoch)

	g, err := f.svc.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dx.DrawStateDrawn, g.State)

	stored, err := f.svc.ListAssignments(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, set.Assignments, stored.Assignments)
}

func TestPerformDraw_TwoParticipantsReciprocal(t *testing.T) {
	f := newFixture(t, 2)
	id := f.group(t, 1, 2)

	set, err := f.svc.PerformDraw(context.Background(), id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []dx.Assignment{{Giver: 1, Receiver: 2}, {Giver: 2, Receiver: 1}}, set.Assignments)
}

func TestPerformDraw_NotEnoughParticipants(t *testing.T) {
	f := newFixture(t, 3)
	for _, members := range [][]int64{nil, {1}} {
		id := f.group(t, members...)
		_, err := f.svc.PerformDraw(context.Background(), id)
		assert.ErrorIs(t, err, dx.ErrNotEnoughParticipants)
		_, err = f.svc.Redraw(context.Background(), id)
		assert.ErrorIs(t, err, dx.ErrNotEnoughParticipants)
	}
	assert.Equal(t, int32(1), f.repo.begins.Load(), "only the single join opens a transaction")
}

func TestPerformDraw_GroupNotFound(t *testing.T) {
	f := newFixture(t, 4)
	_, err := f.svc.PerformDraw(context.Background(), "4b1f0000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, dx.ErrGroupNotFound)
	_, err = f.svc.Redraw(context.Background(), "")
	assert.ErrorIs(t, err, dx.ErrGroupNotFound)
}

func TestPerformDraw_InfeasibleExclusions(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3)
	require.NoError(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 2}))
	require.NoError(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 3}))

	before := f.snapshot(t, id)
	_, err := f.svc.PerformDraw(ctx, id)
	assert.ErrorIs(t, err, dx.ErrNoValidAssignment)
	assert.Equal(t, before, f.snapshot(t, id))
}

func TestPerformDraw_AlreadyDrawnWritesNothing(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3, 4)
	_, err := f.svc.PerformDraw(ctx, id)
	require.NoError(t, err)

	before := f.snapshot(t, id)
	begins := f.repo.begins.Load()

	_, err = f.svc.PerformDraw(ctx, id)
	assert.ErrorIs(t, err, dx.ErrAlreadyDrawn)
	assert.Equal(t, begins, f.repo.begins.Load(), "no transaction may be opened")
	assert.Equal(t, before, f.snapshot(t, id))
}

func TestRedraw_ReplacesAssignments(t *testing.T) {
	f := newFixture(t, 7)
	ctx := context.Background()
	roster := []int64{1, 2, 3, 4}
	id := f.group(t, roster...)

	first, err := f.svc.PerformDraw(ctx, id)
	require.NoError(t, err)

	var second *dx.AssignmentSet
	for i := 0; i < 10; i++ {
		second, err = f.svc.Redraw(ctx, id)
		require.NoError(t, err)
		assertValid(t, roster, nil, second)
		assert.Equal(t, first.Epoch+i+1, second.Epoch)
	}

	stored := f.snapshot(t, id)
	assert.Equal(t, dx.DrawStateDrawn, stored.group.State)
	assert.ElementsMatch(t, second.Assignments, stored.assignments)
	assert.Len(t, stored.assignments, len(roster), "old rows must be gone")
}

func TestRedraw_FromNotDrawn(t *testing.T) {
	f := newFixture(t, 8)
	id := f.group(t, 1, 2, 3)
	set, err := f.svc.Redraw(context.Background(), id)
	require.NoError(t, err)
	assertValid(t, []int64{1, 2, 3}, nil, set)
}

func TestRedraw_FailureKeepsPriorState(t *testing.T) {
	ctx := context.Background()

	t.Run("generator failure", func(t *testing.T) {
		f := newFixture(t, 9)
		id := f.group(t, 1, 2, 3)
		_, err := f.svc.PerformDraw(ctx, id)
		require.NoError(t, err)

		// Rules are frozen after the draw, so make the roster infeasible by
		// writing the rule straight into storage.
		tx, err := f.store.BeginTx(ctx)
		require.NoError(t, err)
		_, err = tx.ClaimGroup(ctx, id)
		require.NoError(t, err)
		require.NoError(t, tx.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 2}))
		require.NoError(t, tx.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 3}))
		require.NoError(t, tx.Commit())

		before := f.snapshot(t, id)
		_, err = f.svc.Redraw(ctx, id)
		assert.ErrorIs(t, err, dx.ErrNoValidAssignment)
		assert.Equal(t, before, f.snapshot(t, id))
	})

	for _, step := range []string{"insert", "commit"} {
		t.Run("storage failure on "+step, func(t *testing.T) {
			f := newFixture(t, 10)
			id := f.group(t, 1, 2, 3, 4)
			_, err := f.svc.PerformDraw(ctx, id)
			require.NoError(t, err)
			before := f.snapshot(t, id)

			f.repo.failStep = step
			_, err = f.svc.Redraw(ctx, id)
			assert.ErrorIs(t, err, dx.ErrStorageFailure)
			assert.ErrorIs(t, err, errDisk)
			assert.Equal(t, before, f.snapshot(t, id))
		})
	}
}

func TestPerformDraw_StorageFailureLeavesNotDrawn(t *testing.T) {
	f := newFixture(t, 11)
	id := f.group(t, 1, 2, 3)
	before := f.snapshot(t, id)

	f.repo.failStep = "insert"
	_, err := f.svc.PerformDraw(context.Background(), id)
	assert.ErrorIs(t, err, dx.ErrStorageFailure)
	assert.Equal(t, before, f.snapshot(t, id))
}

func TestPerformDraw_ConcurrentCallsProduceOneSet(t *testing.T) {
	f := newFixture(t, 12)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3, 4, 5)

	const callers = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		already   atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PerformDraw(ctx, id)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, dx.ErrAlreadyDrawn):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callers-1), already.Load())
	g, err := f.svc.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Epoch)
}

type lockMock struct{ mock.Mock }

func (m *lockMock) Acquire(ctx context.Context, groupID string) (func(context.Context) error, error) {
	args := m.Called(ctx, groupID)
	release, _ := args.Get(0).(func(context.Context) error)
	return release, args.Error(1)
}

func TestPerformDraw_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t, 13)
	id := f.group(t, 1, 2, 3)
	lm := &lockMock{}
	lm.On("Acquire", mock.Anything, id).Return(nil, dx.ErrDrawInProgress).Once()
	f.svc.WithLock(lm)

	before := f.snapshot(t, id)
	_, err := f.svc.PerformDraw(context.Background(), id)
	assert.ErrorIs(t, err, dx.ErrDrawInProgress)
	assert.Equal(t, before, f.snapshot(t, id))
	lm.AssertExpectations(t)
}

func TestPerformDraw_LockReleased(t *testing.T) {
	f := newFixture(t, 14)
	id := f.group(t, 1, 2, 3)
	released := false
	lm := &lockMock{}
	lm.On("Acquire", mock.Anything, id).Return(func(context.Context) error {
		released = true
		return nil
	}, nil).Once()
	f.svc.WithLock(lm)

	_, err := f.svc.PerformDraw(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, released)
	lm.AssertExpectations(t)
}

func TestExclusionsFrozenAfterDraw(t *testing.T) {
	f := newFixture(t, 15)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3, 4)
	rule := dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 2}
	require.NoError(t, f.svc.AddExclusion(ctx, id, rule))

	set, err := f.svc.PerformDraw(ctx, id)
	require.NoError(t, err)
	assertValid(t, []int64{1, 2, 3, 4}, []dx.ExclusionRule{rule}, set)

	assert.ErrorIs(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 3, ForbiddenReceiver: 4}), dx.ErrAlreadyDrawn)
	_, err = f.svc.RemoveExclusion(ctx, id, rule)
	assert.ErrorIs(t, err, dx.ErrAlreadyDrawn)
	assert.ErrorIs(t, f.svc.Join(ctx, id, 9), dx.ErrAlreadyDrawn)

	rules, err := f.svc.ListExclusions(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []dx.ExclusionRule{rule}, rules)
}

func TestAddExclusion_Validation(t *testing.T) {
	f := newFixture(t, 16)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3)

	assert.ErrorIs(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1}), dx.ErrInvalidExclusion)
	assert.ErrorIs(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 42}), dx.ErrParticipantNotFound)
	assert.NoError(t, f.svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 1}), "self-exclusion is redundant, not an error")

	removed, err := f.svc.RemoveExclusion(ctx, id, dx.ExclusionRule{Giver: 2, ForbiddenReceiver: 3})
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()

	t.Run("before draw", func(t *testing.T) {
		f := newFixture(t, 17)
		id := f.group(t, 1, 2, 3)
		invalidated, err := f.svc.Leave(ctx, id, 2)
		require.NoError(t, err)
		assert.False(t, invalidated)

		ids, err := f.svc.ListParticipants(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, ids)

		_, err = f.svc.Leave(ctx, id, 2)
		assert.ErrorIs(t, err, dx.ErrParticipantNotFound)
	})

	t.Run("after draw invalidates assignments", func(t *testing.T) {
		f := newFixture(t, 18)
		id := f.group(t, 1, 2, 3, 4)
		_, err := f.svc.PerformDraw(ctx, id)
		require.NoError(t, err)

		invalidated, err := f.svc.Leave(ctx, id, 4)
		require.NoError(t, err)
		assert.True(t, invalidated)

		snap := f.snapshot(t, id)
		assert.Equal(t, dx.DrawStateNotDrawn, snap.group.State)
		assert.Empty(t, snap.assignments)

		_, err = f.svc.GetAssignment(ctx, id, 1)
		assert.ErrorIs(t, err, dx.ErrNotDrawn)

		set, err := f.svc.PerformDraw(ctx, id)
		require.NoError(t, err)
		assertValid(t, []int64{1, 2, 3}, nil, set)
		assert.Equal(t, 2, set.Epoch)
	})
}

func TestGetAssignment(t *testing.T) {
	f := newFixture(t, 19)
	ctx := context.Background()
	id := f.group(t, 1, 2, 3)

	_, err := f.svc.GetAssignment(ctx, id, 1)
	assert.ErrorIs(t, err, dx.ErrNotDrawn)

	set, err := f.svc.PerformDraw(ctx, id)
	require.NoError(t, err)

	a, err := f.svc.GetAssignment(ctx, id, 2)
	require.NoError(t, err)
	want, ok := set.ReceiverOf(2)
	require.True(t, ok)
	assert.Equal(t, want, a.Receiver)

	_, err = f.svc.GetAssignment(ctx, id, 77)
	assert.ErrorIs(t, err, dx.ErrParticipantNotFound)
}

func TestCreateGroup_Validation(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.svc.CreateGroup(context.Background(), "  ", 1)
	assert.ErrorIs(t, err, dx.ErrInvalidInput)
	_, err = f.svc.CreateGroup(context.Background(), "Family", 0)
	assert.ErrorIs(t, err, dx.ErrInvalidInput)
	assert.ErrorIs(t, f.svc.Join(context.Background(), "missing", 1), dx.ErrGroupNotFound)
}

// uuidColumnRepo fails every lookup the way a UUID column rejects a non-UUID
// literal.
type uuidColumnRepo struct {
	faultyRepo
}

var errUUIDSyntax = errors.New(`pq: invalid input syntax for type uuid: "abc"`)

func (r *uuidColumnRepo) GetGroup(context.Context, string) (*dx.Group, error) {
	return nil, errUUIDSyntax
}

func (r *uuidColumnRepo) ListAssignments(context.Context, string) ([]dx.Assignment, error) {
	return nil, errUUIDSyntax
}

func (r *uuidColumnRepo) GetAssignment(context.Context, string, int64) (*dx.Assignment, error) {
	return nil, errUUIDSyntax
}

func TestMalformedGroupID_IsNotFound(t *testing.T) {
	repo := &uuidColumnRepo{faultyRepo: faultyRepo{Repository: memory.NewStore()}}
	svc := NewService(repo, draw.NewGenerator(random.Seeded(21), 0), time.Second)
	ctx := context.Background()

	for _, id := range []string{"abc", "", "{4b1f0000-0000-0000-0000-000000000000}", "4b1f0000000000000000000000000000"} {
		_, err := svc.GetGroup(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.PerformDraw(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.Redraw(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		assert.ErrorIs(t, svc.Join(ctx, id, 1), dx.ErrGroupNotFound, id)
		_, err = svc.Leave(ctx, id, 1)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		assert.ErrorIs(t, svc.AddExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 2}), dx.ErrGroupNotFound, id)
		_, err = svc.RemoveExclusion(ctx, id, dx.ExclusionRule{Giver: 1, ForbiddenReceiver: 2})
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.ListParticipants(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.ListExclusions(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.ListAssignments(ctx, id)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
		_, err = svc.GetAssignment(ctx, id, 1)
		assert.ErrorIs(t, err, dx.ErrGroupNotFound, id)
	}
	assert.Zero(t, repo.begins.Load(), "no transaction may be opened")
}

// racingRepo runs hook once, right after a group read, to interleave a
// concurrent write between the read and the cache fill.
type racingRepo struct {
	dx.Repository
	hook func()
}

func (r *racingRepo) GetGroup(ctx context.Context, id string) (*dx.Group, error) {
	g, err := r.Repository.GetGroup(ctx, id)
	if h := r.hook; h != nil {
		r.hook = nil
		h()
	}
	return g, err
}

func TestGetGroup_CacheSkipsSnapshotOverwrittenByCommit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redisp.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	repo := &racingRepo{Repository: memory.NewStore()}
	svc := NewService(repo, draw.NewGenerator(random.Seeded(22), 0), time.Second).
		WithCache(rcache.NewGroupCache(rdb, time.Minute))

	g, err := svc.CreateGroup(ctx, "Office party", 100)
	require.NoError(t, err)

	repo.hook = func() { require.NoError(t, svc.Join(ctx, g.ID, 7)) }
	stale, err := svc.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, stale.ParticipantsCount)

	fresh, err := svc.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ParticipantsCount)

	cached, err := svc.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.ParticipantsCount)
}
