/*
Package types defines the core data structures shared across Vicky.

It holds the task, lock, template, and user model used by the scheduler, the
storage layer, the HTTP API, and the worker client. Nothing in this package
talks to a database, the network, or a filesystem — it is pure data plus the
handful of predicates (IsConflicting, HasFeatures, ConflictingLocks) that
express the data model's own invariants, so the constraint engine and the
storage backends can share one definition of what a conflict is.

# Core Types

Task lifecycle:

  - Task: a unit of work with a display name, a FlakeRef describing what to
    build, a list of Locks it requires, and the worker Features it needs.
  - TaskStatus: NEEDS_USER_VALIDATION (optional) → NEW → RUNNING → FINISHED.
  - TaskResult: SUCCESS or ERROR, set only once a task reaches FINISHED.

Locking:

  - LockKind: READ (shared) or WRITE (exclusive).
  - Lock: a named lock instance, optionally poisoned by a task ID.
  - PoisonedLock: a poisoned Lock joined with the Task that poisoned it.

Templates:

  - TaskTemplate: a named recipe for producing a Task. Every
    templated field may reference declared TaskTemplateVariables via
    "{{name}}" tokens; pkg/templates resolves and validates them.

Identity:

  - User: the local record for an OIDC subject, carrying its Role
    (vicky:admin or vicky:machine).

# Conflict Relation

Two locks with the same Name conflict (Lock.IsConflicting) iff either one is
poisoned, or at least one of them is WRITE. This is the only conflict rule in
the system; the constraint engine in pkg/scheduler applies it across active,
passive, and poisoned lock sets but does not redefine it.

# Thread Safety

Types in this package carry no internal synchronization. Callers that mutate
a Lock or Task concurrently (Poison, in particular) must serialize that
access themselves; the scheduler does so by mutating tasks only inside a
storage.Store.WithTx transaction.
Read-only access from multiple goroutines is always safe.
*/
package types
