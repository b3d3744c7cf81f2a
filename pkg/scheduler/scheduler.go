package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/events"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/metrics"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/types"
)

// Scheduler owns task admission and lifecycle transitions. It wraps a
// storage.Store and an events.Broker; every exported method runs inside a
// single store transaction and, on success, publishes the event the
// change implies.
//
// Admission is request-driven rather than periodic: nothing here runs on
// a ticker. A task is only ever evaluated when a worker asks for one.
type Scheduler struct {
	store   storage.Store
	broker  *events.Broker
	logger  zerolog.Logger
}

// New creates a Scheduler bound to store and broker.
func New(store storage.Store, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:  store,
		broker: broker,
		logger: log.WithComponent("scheduler"),
	}
}

// Submit persists a brand-new task. needsConfirmation tasks are stored in
// NEEDS_USER_VALIDATION, otherwise NEW; either way the task's own lock list
// must be internally non-conflicting, checked before it ever reaches
// storage.
func (s *Scheduler) Submit(ctx context.Context, task types.Task, needsConfirmation bool) (*types.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.ConflictingLocks() {
		return nil, apperr.New(apperr.KindBadRequest, "task %q has internally conflicting locks", task.DisplayName)
	}
	task.CreatedAt = time.Now()
	if needsConfirmation {
		task.Status = types.TaskNeedsUserValidation
	} else {
		task.Status = types.TaskNew
	}

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "submit task %s", task.ID)
	}

	metrics.TasksSubmittedTotal.Inc()
	s.broker.Publish(&events.Event{Type: events.EventTaskAdd, TaskID: task.ID.String()})
	s.logger.Info().Str("task_id", task.ID.String()).Str("status", string(task.Status)).Msg("task submitted")
	return &task, nil
}

// Claim evaluates every NEW task, oldest created first, against the
// current constraint view and the calling worker's features, admits the
// first one that is Ready, and atomically transitions it to RUNNING. It
// returns ErrNoTaskReady wrapped in apperr.KindNotFound if nothing
// currently admits.
func (s *Scheduler) Claim(ctx context.Context, workerFeatures []string) (*types.Task, error) {
	var claimed *types.Task

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		all, err := tx.AllTasksForScheduling(ctx)
		if err != nil {
			return fmt.Errorf("list tasks for scheduling: %w", err)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
		poisoned, err := tx.PoisonedLocks(ctx)
		if err != nil {
			return fmt.Errorf("list poisoned locks: %w", err)
		}
		constraints, err := NewConstraints(all, poisoned)
		if err != nil {
			return fmt.Errorf("build constraint view: %w", err)
		}

		for _, candidate := range all {
			if !candidate.IsNew() {
				continue
			}
			eval := constraints.Evaluate(candidate, workerFeatures)
			if eval.Status != EvalReady {
				continue
			}

			now := time.Now()
			candidate.Status = types.TaskRunning
			candidate.ClaimedAt = &now
			if err := tx.UpdateTask(ctx, candidate); err != nil {
				return fmt.Errorf("claim task %s: %w", candidate.ID, err)
			}
			claimed = &candidate
			return nil
		}
		return ErrNoTaskReady
	})

	if err != nil {
		if err == ErrNoTaskReady {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "no task ready for features %v", workerFeatures)
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "claim task")
	}

	metrics.TaskClaimsTotal.Inc()
	s.broker.Publish(&events.Event{Type: events.EventTaskUpdate, TaskID: claimed.ID.String()})
	s.logger.Info().Str("task_id", claimed.ID.String()).Msg("task claimed")
	return claimed, nil
}

// Finish transitions a RUNNING task to FINISHED with the given result. On
// TaskResultError every lock the task held is poisoned in the same
// transaction, so no later admission can observe a half-poisoned state.
func (s *Scheduler) Finish(ctx context.Context, id uuid.UUID, result types.TaskResult) (*types.Task, error) {
	var finished *types.Task

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTaskForUpdate(ctx, id.String())
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		if !task.IsRunning() {
			return apperr.New(apperr.KindInvalidState, "task %s is %s, not RUNNING", id, task.Status)
		}

		now := time.Now()
		task.Status = types.TaskFinished
		task.Result = result
		task.FinishedAt = &now
		if result == types.TaskResultError {
			for i := range task.Locks {
				task.Locks[i].Poison(task.ID)
			}
		}
		if err := tx.UpdateTask(ctx, *task); err != nil {
			return fmt.Errorf("finish task %s: %w", id, err)
		}
		finished = task
		return nil
	})

	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "finish task %s", id)
	}

	if result == types.TaskResultError {
		metrics.PoisonedLocksTotal.Add(float64(len(finished.Locks)))
	}
	metrics.TasksFinishedTotal.WithLabelValues(string(result)).Inc()
	s.broker.Publish(&events.Event{Type: events.EventTaskUpdate, TaskID: finished.ID.String()})
	s.logger.Info().Str("task_id", finished.ID.String()).Str("result", string(result)).Msg("task finished")
	return finished, nil
}

// Confirm moves a task out of NEEDS_USER_VALIDATION into NEW, making it
// eligible for Claim. It is a no-op error if the task is in any other
// status.
func (s *Scheduler) Confirm(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	var confirmed *types.Task

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		task, err := tx.GetTaskForUpdate(ctx, id.String())
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		if !task.IsWaitingConfirmation() {
			return apperr.New(apperr.KindInvalidState, "task %s is %s, not NEEDS_USER_VALIDATION", id, task.Status)
		}
		task.Status = types.TaskNew
		if err := tx.UpdateTask(ctx, *task); err != nil {
			return fmt.Errorf("confirm task %s: %w", id, err)
		}
		confirmed = task
		return nil
	})

	if err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "confirm task %s", id)
	}

	s.broker.Publish(&events.Event{Type: events.EventTaskUpdate, TaskID: confirmed.ID.String()})
	s.logger.Info().Str("task_id", confirmed.ID.String()).Msg("task confirmed")
	return confirmed, nil
}

// Unlock clears the poison marker on a named lock, letting future
// admissions against that name succeed again. There is no task-level event
// to publish for a bare lock unlock; callers needing a UI refresh signal
// subscribe to the events stream's next TaskUpdate instead.
func (s *Scheduler) Unlock(ctx context.Context, lockName string) error {
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UnlockLock(ctx, lockName)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "unlock %s", lockName)
	}
	metrics.LocksUnlockedTotal.Inc()
	s.logger.Info().Str("lock_name", lockName).Msg("lock unlocked")
	return nil
}
