// Package boltstore is an embedded-BoltDB implementation of storage.Store,
// intended for single-node or development deployments that do not want to
// run Postgres. One bucket per entity, JSON-encoded values keyed by UUID
// string, upsert via Put. WithTx is implemented as a single
// bolt.DB.Update call — BoltDB's own transaction already gives the
// all-or-nothing semantics a scheduler transition needs, so no extra
// locking is layered on top.
package boltstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/types"
)

var (
	bucketTasks     = []byte("tasks")
	bucketTemplates = []byte("task_templates")
	bucketUsers     = []byte("users")
)

// Store is a BoltDB-backed storage.Store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a BoltDB file named vicky.db inside
// dataDir and ensures every bucket Store needs exists.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "vicky.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "open boltdb at %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketTemplates, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.KindInternal, err, "create boltdb buckets")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a single BoltDB read-write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "task %s not found", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	var tasks []types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Status != nil && task.Status != *filter.Status {
				return nil
			}
			tasks = append(tasks, task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortTasksByCreatedAt(tasks)
	return paginate(tasks, filter), nil
}

func sortTasksByCreatedAt(tasks []types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func paginate(tasks []types.Task, filter types.TaskFilter) []types.Task {
	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks
}

func (s *Store) ListActiveLocks(ctx context.Context) ([]types.Lock, error) {
	tasks, err := s.allNonFinishedTasks()
	if err != nil {
		return nil, err
	}
	var locks []types.Lock
	for _, t := range tasks {
		locks = append(locks, t.Locks...)
	}
	return locks, nil
}

func (s *Store) ListPoisonedLocks(ctx context.Context) ([]types.Lock, error) {
	detailed, err := s.ListPoisonedLocksDetailed(ctx)
	if err != nil {
		return nil, err
	}
	locks := make([]types.Lock, len(detailed))
	for i, p := range detailed {
		locks[i] = p.Lock
	}
	return locks, nil
}

func (s *Store) ListPoisonedLocksDetailed(ctx context.Context) ([]types.PoisonedLock, error) {
	var tasks []types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, task)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var poisoned []types.PoisonedLock
	for _, t := range tasks {
		for _, l := range t.Locks {
			if l.IsPoisoned() {
				poisoned = append(poisoned, types.PoisonedLock{Lock: l, Task: byID[*l.PoisonedBy]})
			}
		}
	}
	return poisoned, nil
}

func (s *Store) allNonFinishedTasks() ([]types.Task, error) {
	var tasks []types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !task.IsFinished() {
				tasks = append(tasks, task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *Store) GetTaskTemplate(ctx context.Context, id string) (*types.TaskTemplate, error) {
	var tmpl types.TaskTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "task template %s not found", id)
		}
		return json.Unmarshal(data, &tmpl)
	})
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func (s *Store) GetTaskTemplateByName(ctx context.Context, name string) (*types.TaskTemplate, error) {
	var found *types.TaskTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl types.TaskTemplate
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			if tmpl.Name == name {
				found = &tmpl
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apperr.New(apperr.KindNotFound, "task template %s not found", name)
	}
	return found, nil
}

func (s *Store) ListTaskTemplates(ctx context.Context) ([]types.TaskTemplate, error) {
	var templates []types.TaskTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tmpl types.TaskTemplate
			if err := json.Unmarshal(v, &tmpl); err != nil {
				return err
			}
			templates = append(templates, tmpl)
			return nil
		})
	})
	return templates, err
}

func (s *Store) GetUser(ctx context.Context, sub string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(sub))
		if data == nil {
			return apperr.New(apperr.KindNotFound, "user %s not found", sub)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type boltTx struct {
	tx *bolt.Tx
}

// AllTasksForScheduling returns every non-finished task, oldest first.
// BoltDB iterates a bucket in key order and tasks are keyed by random
// UUID, so the result is sorted by CreatedAt explicitly rather than
// relying on iteration order to pick the oldest admissible task.
func (t *boltTx) AllTasksForScheduling(ctx context.Context) ([]types.Task, error) {
	var tasks []types.Task
	err := t.tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		if !task.IsFinished() {
			tasks = append(tasks, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasksByCreatedAt(tasks)
	return tasks, nil
}

func (t *boltTx) PoisonedLocks(ctx context.Context) ([]types.Lock, error) {
	var locks []types.Lock
	err := t.tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		for _, l := range task.Locks {
			if l.IsPoisoned() {
				locks = append(locks, l)
			}
		}
		return nil
	})
	return locks, err
}

func (t *boltTx) InsertTask(ctx context.Context, task types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketTasks).Put([]byte(task.ID.String()), data)
}

func (t *boltTx) GetTaskForUpdate(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	data := t.tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", id)
	}
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *boltTx) UpdateTask(ctx context.Context, task types.Task) error {
	return t.InsertTask(ctx, task)
}

func (t *boltTx) InsertTaskTemplate(ctx context.Context, tmpl types.TaskTemplate) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketTemplates).Put([]byte(tmpl.ID.String()), data)
}

func (t *boltTx) UpsertUser(ctx context.Context, user types.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketUsers).Put([]byte(user.Sub.String()), data)
}

func (t *boltTx) UnlockLock(ctx context.Context, name string) error {
	b := t.tx.Bucket(bucketTasks)

	// Two passes: bbolt forbids mutating a bucket while ForEach is
	// iterating it, so collect the tasks to rewrite first.
	var dirty []types.Task
	err := b.ForEach(func(k, v []byte) error {
		var task types.Task
		if err := json.Unmarshal(v, &task); err != nil {
			return err
		}
		changed := false
		for i := range task.Locks {
			if task.Locks[i].Name == name && task.Locks[i].IsPoisoned() {
				task.Locks[i].PoisonedBy = nil
				changed = true
			}
		}
		if changed {
			dirty = append(dirty, task)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, task := range dirty {
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(task.ID.String()), data); err != nil {
			return err
		}
	}
	return nil
}
