package scheduler

import (
	"github.com/wobcom/vicky/pkg/types"
)

// ConstraintFailKind classifies why a lock could not be acquired.
type ConstraintFailKind string

const (
	FailUnsupportedFeature  ConstraintFailKind = "unsupported_feature"
	FailActiveLockCollision ConstraintFailKind = "active_lock_collision"
	FailPassiveLockCollision ConstraintFailKind = "passive_lock_collision"
	FailPoisonedBy          ConstraintFailKind = "poisoned_by"
)

// ConstraintFail explains a denied admission: which rule tripped, and the
// lock (or feature name) responsible.
type ConstraintFail struct {
	Kind     ConstraintFailKind
	Feature  string
	Conflict *types.Lock
}

func (f ConstraintFail) String() string {
	switch f.Kind {
	case FailUnsupportedFeature:
		return "unsupported feature: " + f.Feature
	case FailActiveLockCollision:
		return "active lock collision on " + f.Conflict.Name
	case FailPassiveLockCollision:
		return "passive lock collision on " + f.Conflict.Name
	case FailPoisonedBy:
		return "poisoned by prior failure on " + f.Conflict.Name
	default:
		return "constrained"
	}
}

// Constraints is the pure, in-memory view of every lock currently held or
// pending across the task set, built fresh for each admission decision by
// NewConstraints. It never touches storage itself — the scheduler loads
// the task set once per decision and hands it here.
//
// Active locks (held by RUNNING tasks) are checked first, then passive
// locks (held by tasks awaiting confirmation), then the cleanup-ordering
// lane (waiting locks held by NEW tasks, consulted only when the
// candidate lock is itself a cleanup lock), then poisoned locks.
type Constraints struct {
	activeLocks  map[string]types.Lock
	passiveLocks map[string][]types.Lock
	waitingLocks map[string][]types.Lock
	poisonedLocks []types.Lock
}

// NewConstraints builds a Constraints view from the full task set and the
// current poisoned-lock list. It returns an error only if two RUNNING tasks
// hold conflicting locks on the same name (two READs may share a name),
// which would mean the scheduler's own admission invariant has already
// been violated upstream.
func NewConstraints(tasks []types.Task, poisonedLocks []types.Lock) (*Constraints, error) {
	c := &Constraints{
		activeLocks:   make(map[string]types.Lock),
		passiveLocks:  make(map[string][]types.Lock),
		waitingLocks:  make(map[string][]types.Lock),
		poisonedLocks: poisonedLocks,
	}
	for _, t := range tasks {
		if err := c.insertTaskLocks(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Constraints) insertTaskLocks(t types.Task) error {
	for _, lock := range t.Locks {
		switch {
		case t.IsRunning():
			if err := c.insertActiveLock(lock); err != nil {
				return err
			}
		case t.IsWaitingConfirmation():
			c.insertPassiveLock(lock)
		case t.IsNew():
			c.insertWaitingLock(lock)
		}
	}
	return nil
}

func (c *Constraints) insertActiveLock(lock types.Lock) error {
	if c.findActiveConflict(lock) != nil {
		return ErrLockAlreadyOwned
	}
	c.activeLocks[lock.Name] = lock
	return nil
}

func (c *Constraints) insertPassiveLock(lock types.Lock) {
	c.passiveLocks[lock.Name] = append(c.passiveLocks[lock.Name], lock)
}

func (c *Constraints) insertWaitingLock(lock types.Lock) {
	if lock.Kind.IsCleanup() {
		return
	}
	c.waitingLocks[lock.Name] = append(c.waitingLocks[lock.Name], lock)
}

// TryAcquire reports whether lock can be acquired against the current
// view, checking active, then passive, then cleanup-ordering, then
// poisoned locks in that order — the first collision found is returned.
func (c *Constraints) TryAcquire(lock types.Lock) *ConstraintFail {
	if conflict := c.findActiveConflict(lock); conflict != nil {
		return &ConstraintFail{Kind: FailActiveLockCollision, Conflict: conflict}
	}
	if conflict := c.findPassiveConflict(lock); conflict != nil {
		return &ConstraintFail{Kind: FailPassiveLockCollision, Conflict: conflict}
	}
	if conflict := c.findCleanupConflict(lock); conflict != nil {
		return &ConstraintFail{Kind: FailPassiveLockCollision, Conflict: conflict}
	}
	if poison := c.findPoisoner(lock); poison != nil {
		return &ConstraintFail{Kind: FailPoisonedBy, Conflict: poison}
	}
	return nil
}

func (c *Constraints) findActiveConflict(lock types.Lock) *types.Lock {
	existing, ok := c.activeLocks[lock.Name]
	if !ok {
		return nil
	}
	if lock.Kind.IsCleanup() || existing.Kind.IsCleanup() {
		return &existing
	}
	if lock.IsConflicting(existing) {
		return &existing
	}
	return nil
}

func (c *Constraints) findPassiveConflict(lock types.Lock) *types.Lock {
	existing, ok := c.passiveLocks[lock.Name]
	if !ok || len(existing) == 0 {
		return nil
	}
	if lock.Kind.IsCleanup() {
		return &existing[0]
	}
	for i := range existing {
		if lock.IsConflicting(existing[i]) {
			return &existing[i]
		}
	}
	return nil
}

func (c *Constraints) findPoisoner(lock types.Lock) *types.Lock {
	for i := range c.poisonedLocks {
		if lock.IsConflicting(c.poisonedLocks[i]) {
			return &c.poisonedLocks[i]
		}
	}
	return nil
}

func (c *Constraints) findCleanupConflict(lock types.Lock) *types.Lock {
	if !lock.Kind.IsCleanup() {
		return nil
	}
	existing, ok := c.waitingLocks[lock.Name]
	if !ok || len(existing) == 0 {
		return nil
	}
	return &existing[0]
}

// EvaluationStatus is the outcome of evaluating one candidate task against
// the current constraint view and a worker's feature set.
type EvaluationStatus string

const (
	EvalReady       EvaluationStatus = "ready"
	EvalNotReady    EvaluationStatus = "not_ready"
	EvalConstrained EvaluationStatus = "constrained"
)

// Evaluation is the result of evaluating a single candidate task.
type Evaluation struct {
	Status EvaluationStatus
	Fail   *ConstraintFail
}

func readyEval() Evaluation    { return Evaluation{Status: EvalReady} }
func notReadyEval() Evaluation { return Evaluation{Status: EvalNotReady} }
func constrainedEval(f ConstraintFail) Evaluation {
	return Evaluation{Status: EvalConstrained, Fail: &f}
}

// Evaluate decides whether task can run on a worker with workerFeatures,
// given the current constraint view: missing features deny outright, then
// every lock the task declares must clear TryAcquire.
func (c *Constraints) Evaluate(task types.Task, workerFeatures []string) Evaluation {
	if !task.IsNew() {
		return notReadyEval()
	}
	have := make(map[string]struct{}, len(workerFeatures))
	for _, f := range workerFeatures {
		have[f] = struct{}{}
	}
	for _, f := range task.Features {
		if _, ok := have[f]; !ok {
			return constrainedEval(ConstraintFail{Kind: FailUnsupportedFeature, Feature: f})
		}
	}
	for _, lock := range task.Locks {
		if fail := c.TryAcquire(lock); fail != nil {
			return constrainedEval(*fail)
		}
	}
	return readyEval()
}
