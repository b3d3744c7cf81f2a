package scheduler

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wobcom/vicky/pkg/types"
)

func lock(name string, kind types.LockKind) types.Lock {
	return types.Lock{Name: name, Kind: kind}
}

func taskWith(status types.TaskStatus, locks ...types.Lock) types.Task {
	return types.Task{ID: uuid.New(), Status: status, Locks: locks}
}

func TestConstraints_TwoReadersCoexist(t *testing.T) {
	running := taskWith(types.TaskRunning, lock("foo", types.LockRead))
	c, err := NewConstraints([]types.Task{running}, nil)
	require.NoError(t, err)

	fail := c.TryAcquire(lock("foo", types.LockRead))
	assert.Nil(t, fail, "a second READ on the same name must not conflict with an active READ")
}

func TestConstraints_WriterExcludesWriter(t *testing.T) {
	running := taskWith(types.TaskRunning, lock("foo", types.LockWrite))
	c, err := NewConstraints([]types.Task{running}, nil)
	require.NoError(t, err)

	fail := c.TryAcquire(lock("foo", types.LockWrite))
	require.NotNil(t, fail)
	assert.Equal(t, FailActiveLockCollision, fail.Kind)
}

func TestConstraints_WriterExcludesReader(t *testing.T) {
	running := taskWith(types.TaskRunning, lock("foo", types.LockWrite))
	c, err := NewConstraints([]types.Task{running}, nil)
	require.NoError(t, err)

	fail := c.TryAcquire(lock("foo", types.LockRead))
	require.NotNil(t, fail)
	assert.Equal(t, FailActiveLockCollision, fail.Kind)
}

func TestConstraints_PoisonBlocksAcquire(t *testing.T) {
	poisoner := uuid.New()
	poisoned := lock("foo", types.LockWrite)
	poisoned.Poison(poisoner)

	c, err := NewConstraints(nil, []types.Lock{poisoned})
	require.NoError(t, err)

	fail := c.TryAcquire(lock("foo", types.LockRead))
	require.NotNil(t, fail)
	assert.Equal(t, FailPoisonedBy, fail.Kind)
}

func TestConstraints_Evaluate_UnsupportedFeatureDenies(t *testing.T) {
	candidate := taskWith(types.TaskNew)
	candidate.Features = []string{"gpu"}

	c, err := NewConstraints([]types.Task{candidate}, nil)
	require.NoError(t, err)

	eval := c.Evaluate(candidate, []string{"cpu"})
	require.Equal(t, EvalConstrained, eval.Status)
	assert.Equal(t, FailUnsupportedFeature, eval.Fail.Kind)

	eval = c.Evaluate(candidate, []string{"cpu", "gpu"})
	assert.Equal(t, EvalReady, eval.Status)
}

func TestConstraints_Evaluate_NonNewTaskNeverReady(t *testing.T) {
	running := taskWith(types.TaskRunning)
	c, err := NewConstraints([]types.Task{running}, nil)
	require.NoError(t, err)

	eval := c.Evaluate(running, nil)
	assert.Equal(t, EvalNotReady, eval.Status)
}

func TestConstraints_TwoActiveLocksOnSameNameIsInternalError(t *testing.T) {
	a := taskWith(types.TaskRunning, lock("foo", types.LockWrite))
	b := taskWith(types.TaskRunning, lock("foo", types.LockRead))

	_, err := NewConstraints([]types.Task{a, b}, nil)
	assert.ErrorIs(t, err, ErrLockAlreadyOwned)
}

func TestConstraints_CleanupLockWaitsBehindPendingNewTask(t *testing.T) {
	pending := taskWith(types.TaskNew, lock("foo", types.LockWrite))
	c, err := NewConstraints([]types.Task{pending}, nil)
	require.NoError(t, err)

	cleanup := types.NewCleanupLockKindForTests("foo", true)
	fail := c.TryAcquire(types.Lock{Name: "foo", Kind: cleanup})
	require.NotNil(t, fail, "a cleanup lock must not jump ahead of an already-waiting NEW task on the same name")
	assert.Equal(t, FailPassiveLockCollision, fail.Kind)
}
