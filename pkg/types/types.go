package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskResult is the outcome of a finished task.
type TaskResult string

const (
	TaskResultSuccess TaskResult = "SUCCESS"
	TaskResultError   TaskResult = "ERROR"
)

// TaskStatus is a task's position in its lifecycle. FINISHED carries a
// TaskResult; Result is meaningless on any other status.
type TaskStatus string

const (
	// TaskNeedsUserValidation is an optional pre-NEW gate produced by
	// template instantiation with confirmation required. The only
	// transition out of it is Confirm, which moves the task to TaskNew.
	TaskNeedsUserValidation TaskStatus = "NEEDS_USER_VALIDATION"
	TaskNew                 TaskStatus = "NEW"
	TaskRunning             TaskStatus = "RUNNING"
	TaskFinished            TaskStatus = "FINISHED"
)

// FlakeRef is the opaque build reference handed verbatim to the worker's
// build tool: a URI plus a list of string arguments.
type FlakeRef struct {
	Flake string   `json:"flake"`
	Args  []string `json:"args"`
}

// LockKind distinguishes shared (READ) from exclusive (WRITE) locks. The
// cleanup flag is not reachable through ParseLockKind or the two production
// constants below; it exists only so the constraint engine's cleanup-order
// path, never exercised by a real worker today, has a concrete kind to
// test against. See NewCleanupLockKindForTests.
type LockKind struct {
	name    string
	write   bool
	cleanup bool
}

func (k LockKind) String() string  { return k.name }
func (k LockKind) IsWrite() bool   { return k.write }
func (k LockKind) IsCleanup() bool { return k.cleanup }

// NewCleanupLockKindForTests builds a LockKind with the cleanup flag set.
// Production code never produces one; it exists so pkg/scheduler's tests
// can exercise the cleanup-ordering branch of the constraint engine.
func NewCleanupLockKindForTests(name string, write bool) LockKind {
	return LockKind{name: name, write: write, cleanup: true}
}

func (k LockKind) MarshalText() ([]byte, error) {
	return []byte(k.name), nil
}

func (k *LockKind) UnmarshalText(b []byte) error {
	parsed, err := ParseLockKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	LockRead  = LockKind{name: "READ", write: false}
	LockWrite = LockKind{name: "WRITE", write: true}
)

// ParseLockKind parses the wire representation of a LockKind.
func ParseLockKind(s string) (LockKind, error) {
	switch s {
	case "READ":
		return LockRead, nil
	case "WRITE":
		return LockWrite, nil
	default:
		return LockKind{}, ErrUnknownLockKind
	}
}

// Lock is a named, typed exclusion declaration held by a task.
type Lock struct {
	ID         uuid.UUID  `json:"id,omitempty"`
	Name       string     `json:"name"`
	Kind       LockKind   `json:"type"`
	PoisonedBy *uuid.UUID `json:"poisoned,omitempty"`
}

// IsPoisoned reports whether the lock carries a poisoning task reference.
func (l Lock) IsPoisoned() bool { return l.PoisonedBy != nil }

// IsConflicting reports whether two locks on the same name conflict: they
// do if either is poisoned, or at least one is WRITE.
func (l Lock) IsConflicting(other Lock) bool {
	if l.Name != other.Name {
		return false
	}
	if l.IsPoisoned() || other.IsPoisoned() {
		return true
	}
	return l.Kind.IsWrite() || other.Kind.IsWrite()
}

// Poison stamps the lock as poisoned by the given task.
func (l *Lock) Poison(by uuid.UUID) {
	l.PoisonedBy = &by
}

// PoisonedLock joins a poisoned lock with the task that poisoned it, for
// the operator-facing detailed poisoned-locks listing.
type PoisonedLock struct {
	Lock Lock `json:"lock"`
	Task Task `json:"poisoned_by_task"`
}

// Task is a unit of work submitted to the server and executed by a worker.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	DisplayName string     `json:"display_name"`
	Status      TaskStatus `json:"status"`
	Result      TaskResult `json:"result,omitempty"`
	Locks       []Lock     `json:"locks"`
	FlakeRef    FlakeRef   `json:"flake_ref"`
	Features    []string   `json:"features"`
	Group       string     `json:"group,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (t Task) IsNew() bool                 { return t.Status == TaskNew }
func (t Task) IsRunning() bool             { return t.Status == TaskRunning }
func (t Task) IsWaitingConfirmation() bool { return t.Status == TaskNeedsUserValidation }
func (t Task) IsFinished() bool            { return t.Status == TaskFinished }

// HasFeatures reports whether a worker with workerFeatures supports
// everything the task requires.
func (t Task) HasFeatures(workerFeatures []string) bool {
	have := make(map[string]struct{}, len(workerFeatures))
	for _, f := range workerFeatures {
		have[f] = struct{}{}
	}
	for _, f := range t.Features {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// ConflictingLocks reports whether the task's own lock list conflicts with
// itself: true if two locks it requests name the same resource and at
// least one of them is not READ.
func (t Task) ConflictingLocks() bool {
	for i, a := range t.Locks {
		for j, b := range t.Locks {
			if i < j && a.IsConflicting(b) {
				return true
			}
		}
	}
	return false
}

// TaskFilter narrows a task listing query.
type TaskFilter struct {
	Status *TaskStatus
	Limit  int
	Offset int
}

// TaskTemplateVariable is a declared substitution variable.
type TaskTemplateVariable struct {
	Name        string  `json:"name"`
	Default     *string `json:"default_value,omitempty"`
	Description string  `json:"description,omitempty"`
}

// TaskTemplateLock is a lock template: a name template plus a concrete kind.
type TaskTemplateLock struct {
	NameTemplate string   `json:"name"`
	Kind         LockKind `json:"type"`
}

// TaskTemplate is the stored parameterisation a concrete Task is
// rendered from.
type TaskTemplate struct {
	ID                  uuid.UUID              `json:"id"`
	Name                string                 `json:"name"`
	DisplayNameTemplate string                 `json:"display_name_template"`
	FlakeRefTemplate    FlakeRef               `json:"flake_ref"`
	Locks               []TaskTemplateLock     `json:"locks"`
	Features            []string               `json:"features"`
	GroupTemplate       string                 `json:"group,omitempty"`
	Variables           []TaskTemplateVariable `json:"variables"`
	CreatedAt           time.Time              `json:"created_at"`
}

// UserRole distinguishes machine callers from human operators.
type UserRole string

const (
	RoleAdmin   UserRole = "vicky:admin"
	RoleMachine UserRole = "vicky:machine"
)

// User is the local record upserted on first sight of an OIDC subject.
type User struct {
	Sub      uuid.UUID `json:"sub"`
	FullName string    `json:"full_name"`
	Role     UserRole  `json:"role"`
}
