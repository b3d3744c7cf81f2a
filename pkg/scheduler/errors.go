package scheduler

import "errors"

// ErrLockAlreadyOwned is returned by Constraints when two RUNNING tasks
// hold conflicting locks on the same lock name — a state the scheduler's
// own admission logic should never produce, surfaced here as a defensive
// check rather than a panic.
var ErrLockAlreadyOwned = errors.New("scheduler: lock already actively owned")

// ErrNoTaskReady is returned by Claim when no NEW task currently admits
// against the worker's feature set and the current lock state.
var ErrNoTaskReady = errors.New("scheduler: no task ready to claim")
