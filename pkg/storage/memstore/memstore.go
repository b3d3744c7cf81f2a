// Package memstore is an in-memory storage.Store test double. It has no
// persistence and no concurrency tuning beyond a single mutex. No test in
// this repository imports it; the pkg/scheduler, pkg/api and pkg/auth
// tests run against a boltstore opened in a temporary directory.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/types"
)

// Store is an in-memory storage.Store.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]types.Task
	templates map[string]types.TaskTemplate
	users     map[string]types.User
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]types.Task),
		templates: make(map[string]types.TaskTemplate),
		users:     make(map[string]types.User),
	}
}

func (s *Store) Close() error { return nil }

// WithTx runs fn under the store's single mutex, which is sufficient to
// give the scheduler the same read-then-write atomicity a real backend
// transaction would.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{store: s})
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", id)
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tasks []types.Task
	for _, t := range s.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func (s *Store) ListActiveLocks(ctx context.Context) ([]types.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var locks []types.Lock
	for _, t := range s.tasks {
		if !t.IsFinished() {
			locks = append(locks, t.Locks...)
		}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	var poisoned []types.PoisonedLock
	for _, t := range s.tasks {
		for _, l := range t.Locks {
			if l.IsPoisoned() {
				by := s.tasks[l.PoisonedBy.String()]
				poisoned = append(poisoned, types.PoisonedLock{Lock: l, Task: by})
			}
		}
	}
	return poisoned, nil
}

func (s *Store) GetTaskTemplate(ctx context.Context, id string) (*types.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmpl, ok := s.templates[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task template %s not found", id)
	}
	return &tmpl, nil
}

func (s *Store) GetTaskTemplateByName(ctx context.Context, name string) (*types.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tmpl := range s.templates {
		if tmpl.Name == name {
			t := tmpl
			return &t, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "task template %s not found", name)
}

func (s *Store) ListTaskTemplates(ctx context.Context) ([]types.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates := make([]types.TaskTemplate, 0, len(s.templates))
	for _, tmpl := range s.templates {
		templates = append(templates, tmpl)
	}
	return templates, nil
}

func (s *Store) GetUser(ctx context.Context, sub string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[sub]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user %s not found", sub)
	}
	return &user, nil
}

type memTx struct {
	store *Store
}

// AllTasksForScheduling returns every non-finished task, oldest first.
// t.store.tasks is a Go map keyed by task ID, whose iteration order is
// randomized per run, so the result is sorted by CreatedAt explicitly
// rather than relying on map iteration to pick the oldest admissible
// task.
func (t *memTx) AllTasksForScheduling(ctx context.Context) ([]types.Task, error) {
	var tasks []types.Task
	for _, task := range t.store.tasks {
		if !task.IsFinished() {
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (t *memTx) PoisonedLocks(ctx context.Context) ([]types.Lock, error) {
	var locks []types.Lock
	for _, task := range t.store.tasks {
		for _, l := range task.Locks {
			if l.IsPoisoned() {
				locks = append(locks, l)
			}
		}
	}
	return locks, nil
}

func (t *memTx) InsertTask(ctx context.Context, task types.Task) error {
	t.store.tasks[task.ID.String()] = task
	return nil
}

func (t *memTx) GetTaskForUpdate(ctx context.Context, id string) (*types.Task, error) {
	task, ok := t.store.tasks[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task %s not found", id)
	}
	return &task, nil
}

func (t *memTx) UpdateTask(ctx context.Context, task types.Task) error {
	t.store.tasks[task.ID.String()] = task
	return nil
}

func (t *memTx) InsertTaskTemplate(ctx context.Context, tmpl types.TaskTemplate) error {
	t.store.templates[tmpl.ID.String()] = tmpl
	return nil
}

func (t *memTx) UpsertUser(ctx context.Context, user types.User) error {
	t.store.users[user.Sub.String()] = user
	return nil
}

func (t *memTx) UnlockLock(ctx context.Context, name string) error {
	for id, task := range t.store.tasks {
		changed := false
		for i := range task.Locks {
			if task.Locks[i].Name == name && task.Locks[i].IsPoisoned() {
				task.Locks[i].PoisonedBy = nil
				changed = true
			}
		}
		if changed {
			t.store.tasks[id] = task
		}
	}
	return nil
}
