// Package storage defines Vicky's persistence port: the interface the
// scheduler, the template instantiator, and the HTTP API use to read and
// write tasks, locks, templates, and users, without knowing whether the
// backing store is Postgres or an embedded BoltDB file.
//
// One interface lists CRUD methods per entity, implemented by more than
// one concrete backend. WithTx gives submit, claim, finish, confirm, and
// unlock each their own atomic transaction, so no state is ever left
// where a task is claimed but its lock isn't yet reflected in storage.
package storage

import (
	"context"

	"github.com/wobcom/vicky/pkg/types"
)

// Store is the persistence port. Every mutation that must observe the
// rest of the task/lock state atomically goes through WithTx; read-only
// listings used for operator UIs may call the plain methods directly.
type Store interface {
	// WithTx runs fn inside a single backend transaction. If fn returns
	// an error, the transaction is rolled back and that error is
	// returned verbatim; otherwise the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Tasks
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error)

	// Locks
	ListActiveLocks(ctx context.Context) ([]types.Lock, error)
	ListPoisonedLocks(ctx context.Context) ([]types.Lock, error)
	ListPoisonedLocksDetailed(ctx context.Context) ([]types.PoisonedLock, error)

	// Templates
	GetTaskTemplate(ctx context.Context, id string) (*types.TaskTemplate, error)
	GetTaskTemplateByName(ctx context.Context, name string) (*types.TaskTemplate, error)
	ListTaskTemplates(ctx context.Context) ([]types.TaskTemplate, error)

	// Users
	GetUser(ctx context.Context, sub string) (*types.User, error)

	Close() error
}

// Tx is the set of mutating operations available inside a WithTx callback.
// Implementations must serialize concurrent callers enough that the
// scheduler's read-then-decide-then-write admission logic (pkg/scheduler)
// never races with itself — a single backend transaction per call, plus
// row/bucket locking as the backend provides, is sufficient.
type Tx interface {
	// AllTasksForScheduling returns every task the constraint engine
	// needs to build its view: all RUNNING, NEEDS_USER_VALIDATION, and
	// NEW tasks. FINISHED tasks hold no locks and are omitted.
	AllTasksForScheduling(ctx context.Context) ([]types.Task, error)
	PoisonedLocks(ctx context.Context) ([]types.Lock, error)

	InsertTask(ctx context.Context, task types.Task) error
	GetTaskForUpdate(ctx context.Context, id string) (*types.Task, error)
	UpdateTask(ctx context.Context, task types.Task) error

	InsertTaskTemplate(ctx context.Context, tmpl types.TaskTemplate) error

	UpsertUser(ctx context.Context, user types.User) error

	// UnlockLock clears the poison marker on the named lock. It is a
	// no-op (not an error) if the lock was not poisoned.
	UnlockLock(ctx context.Context, name string) error
}
