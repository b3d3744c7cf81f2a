package scheduler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/events"
	"github.com/wobcom/vicky/pkg/scheduler"
	"github.com/wobcom/vicky/pkg/storage/boltstore"
	"github.com/wobcom/vicky/pkg/types"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	store, err := boltstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return scheduler.New(store, broker)
}

func taskReq(name string, locks ...types.Lock) types.Task {
	return types.Task{DisplayName: name, Locks: locks, Features: nil}
}

// Scenario 1: Two readers coexist.
func TestScheduler_TwoReadersCoexist(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	a, err := s.Submit(ctx, taskReq("A", types.Lock{Name: "foo", Kind: types.LockRead}), false)
	require.NoError(t, err)
	b, err := s.Submit(ctx, taskReq("B", types.Lock{Name: "foo", Kind: types.LockRead}), false)
	require.NoError(t, err)

	claimed1, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	claimed2, err := s.Claim(ctx, nil)
	require.NoError(t, err)

	ids := map[string]bool{claimed1.ID.String(): true, claimed2.ID.String(): true}
	require.True(t, ids[a.ID.String()])
	require.True(t, ids[b.ID.String()])
	require.True(t, claimed1.IsRunning())
	require.True(t, claimed2.IsRunning())
}

// Scenario 2: Writer excludes writer.
func TestScheduler_WriterExcludesWriter(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	a, err := s.Submit(ctx, taskReq("A", types.Lock{Name: "foo", Kind: types.LockWrite}), false)
	require.NoError(t, err)
	_, err = s.Submit(ctx, taskReq("B", types.Lock{Name: "foo", Kind: types.LockWrite}), false)
	require.NoError(t, err)

	first, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, first.ID)

	_, err = s.Claim(ctx, nil)
	require.Error(t, err, "second writer must not be admitted while the first holds the name")

	_, err = s.Finish(ctx, first.ID, types.TaskResultSuccess)
	require.NoError(t, err)

	second, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

// Scenario 3: Poison blocks claim until unlocked.
func TestScheduler_PoisonBlocksClaimUntilUnlocked(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	a, err := s.Submit(ctx, taskReq("A", types.Lock{Name: "foo", Kind: types.LockWrite}), false)
	require.NoError(t, err)
	b, err := s.Submit(ctx, taskReq("B", types.Lock{Name: "foo", Kind: types.LockRead}), false)
	require.NoError(t, err)

	claimedA, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, claimedA.ID)

	_, err = s.Finish(ctx, claimedA.ID, types.TaskResultError)
	require.NoError(t, err)

	_, err = s.Claim(ctx, nil)
	require.Error(t, err, "B must stay blocked while foo is poisoned")

	require.NoError(t, s.Unlock(ctx, "foo"))

	claimedB, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, b.ID, claimedB.ID)
}

// Scenario 4: Feature gate.
func TestScheduler_FeatureGate(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	req := taskReq("A")
	req.Features = []string{"gpu"}
	_, err := s.Submit(ctx, req, false)
	require.NoError(t, err)

	_, err = s.Claim(ctx, []string{"cpu"})
	require.Error(t, err)

	claimed, err := s.Claim(ctx, []string{"cpu", "gpu"})
	require.NoError(t, err)
	require.Equal(t, "A", claimed.DisplayName)
}

// Scenario 5: Self-conflicting task rejected at submit time.
func TestScheduler_SelfConflictingTaskRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	req := taskReq("bad", types.Lock{Name: "x", Kind: types.LockRead}, types.Lock{Name: "x", Kind: types.LockWrite})
	_, err := s.Submit(ctx, req, false)
	require.Error(t, err)
}

func TestScheduler_ConfirmMovesNeedsValidationToNew(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	submitted, err := s.Submit(ctx, taskReq("gated"), true)
	require.NoError(t, err)
	require.True(t, submitted.IsWaitingConfirmation())

	_, err = s.Claim(ctx, nil)
	require.Error(t, err, "a gated task must not be claimable before confirmation")

	confirmed, err := s.Confirm(ctx, submitted.ID)
	require.NoError(t, err)
	require.True(t, confirmed.IsNew())

	claimed, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, submitted.ID, claimed.ID)
}

func TestScheduler_FinishSuccessLeavesPoisonedSetUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t)

	_, err := s.Submit(ctx, taskReq("A", types.Lock{Name: "foo", Kind: types.LockWrite}), false)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, nil)
	require.NoError(t, err)

	_, err = s.Finish(ctx, claimed.ID, types.TaskResultSuccess)
	require.NoError(t, err)

	claimed2, err := s.Claim(ctx, nil)
	require.Error(t, err, "no other task to claim")
	require.Nil(t, claimed2)

	// foo was released, not poisoned: a new WRITE on it is claimable.
	_, err = s.Submit(ctx, taskReq("B", types.Lock{Name: "foo", Kind: types.LockWrite}), false)
	require.NoError(t, err)
	claimedB, err := s.Claim(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, "B", claimedB.DisplayName)
}
