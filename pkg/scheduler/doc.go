/*
Package scheduler owns task admission and lifecycle transitions for Vicky:
submitting tasks, claiming the next admissible one for a worker, finishing a
claimed task, confirming one out of NEEDS_USER_VALIDATION, and clearing a
poisoned lock.

# Admission model

Unlike a periodic bin-packing loop, nothing in this package runs on a
ticker. A task is evaluated only when a worker calls Claim: the scheduler
loads every task still eligible for scheduling plus the current poisoned
set, builds a fresh in-memory Constraints view (see constraints.go), and
walks NEW tasks in submission order until one evaluates Ready for the
calling worker's feature set.

	worker calls Claim(features)
	  -> load all NEW/RUNNING tasks + poisoned locks
	  -> build Constraints from that snapshot
	  -> for each NEW task in order:
	       Evaluate(task, features) == Ready?  claim it, stop.
	  -> nothing admits: return ErrNoTaskReady

# Locks and poisoning

A task's lock list is READ or WRITE by name. Two RUNNING tasks may both
hold READ on the same name; a WRITE excludes every other lock on that name,
active or passive. A task that finishes with TaskResultError poisons every
lock it held: no future admission can acquire a poisoned name until an
operator calls Unlock, which clears the marker for exactly that one name.

# Transactional boundary

Every exported method runs inside a single storage.Tx. A submit, claim,
finish, confirm, or unlock either applies in full or not at all — there is
no state where a task is claimed but its lock isn't yet reflected in the
constraint view the next Claim call builds.

# See also

  - constraints.go - the pure in-memory admission rules
  - pkg/api - the HTTP surface that calls into this package
  - pkg/worker - the client-side claim loop
*/
package scheduler
