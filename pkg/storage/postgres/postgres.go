// Package postgres is the production storage.Store backend: a pgx
// connection pool against a schema with one row per task and one row per
// task template, each carrying its locks/variables as a jsonb column
// rather than normalized child tables. Vicky never mutates a single lock
// row independently of its owning task, so folding locks into the task
// row removes a join from every scheduling query without losing
// anything a normalized schema would have enforced.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           uuid PRIMARY KEY,
	display_name text NOT NULL,
	status       text NOT NULL,
	result       text NOT NULL DEFAULT '',
	locks        jsonb NOT NULL DEFAULT '[]',
	flake_ref    jsonb NOT NULL,
	features     text[] NOT NULL DEFAULT '{}',
	task_group   text NOT NULL DEFAULT '',
	created_at   timestamptz NOT NULL,
	claimed_at   timestamptz,
	finished_at  timestamptz
);

CREATE TABLE IF NOT EXISTS task_templates (
	id                    uuid PRIMARY KEY,
	name                  text NOT NULL UNIQUE,
	display_name_template text NOT NULL,
	flake_ref_template    jsonb NOT NULL,
	locks                 jsonb NOT NULL DEFAULT '[]',
	features              text[] NOT NULL DEFAULT '{}',
	group_template        text NOT NULL DEFAULT '',
	variables             jsonb NOT NULL DEFAULT '[]',
	created_at            timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	sub       uuid PRIMARY KEY,
	full_name text NOT NULL,
	role      text NOT NULL
);

CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
`

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "connect to postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.KindInternal, err, "apply postgres schema")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "begin transaction")
	}

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "commit transaction")
	}
	return nil
}

type taskRow struct {
	ID          uuid.UUID
	DisplayName string
	Status      string
	Result      string
	Locks       []byte
	FlakeRef    []byte
	Features    []string
	Group       string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	FinishedAt  *time.Time
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var r taskRow
	err := row.Scan(&r.ID, &r.DisplayName, &r.Status, &r.Result, &r.Locks, &r.FlakeRef,
		&r.Features, &r.Group, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "task not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "scan task row")
	}
	return rowToTask(r)
}

func rowToTask(r taskRow) (*types.Task, error) {
	var locks []types.Lock
	if err := json.Unmarshal(r.Locks, &locks); err != nil {
		return nil, err
	}
	var flakeRef types.FlakeRef
	if err := json.Unmarshal(r.FlakeRef, &flakeRef); err != nil {
		return nil, err
	}
	return &types.Task{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Status:      types.TaskStatus(r.Status),
		Result:      types.TaskResult(r.Result),
		Locks:       locks,
		FlakeRef:    flakeRef,
		Features:    r.Features,
		Group:       r.Group,
		CreatedAt:   r.CreatedAt,
		ClaimedAt:   r.ClaimedAt,
		FinishedAt:  r.FinishedAt,
	}, nil
}

const taskColumns = `id, display_name, status, result, locks, flake_ref, features, task_group, created_at, claimed_at, finished_at`

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list tasks")
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		var r taskRow
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Status, &r.Result, &r.Locks, &r.FlakeRef,
			&r.Features, &r.Group, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		task, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (s *Store) ListActiveLocks(ctx context.Context) ([]types.Lock, error) {
	rows, err := s.pool.Query(ctx, `SELECT locks FROM tasks WHERE status != $1`, string(types.TaskFinished))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list active locks")
	}
	defer rows.Close()

	var locks []types.Lock
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var taskLocks []types.Lock
		if err := json.Unmarshal(raw, &taskLocks); err != nil {
			return nil, err
		}
		locks = append(locks, taskLocks...)
	}
	return locks, rows.Err()
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
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE locks::text LIKE '%poisoned%'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list poisoned locks")
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]types.Task)
	var candidates []types.Task
	for rows.Next() {
		var r taskRow
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Status, &r.Result, &r.Locks, &r.FlakeRef,
			&r.Features, &r.Group, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		task, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		byID[task.ID] = *task
		candidates = append(candidates, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	poisonerIDs := map[uuid.UUID]struct{}{}
	for _, t := range candidates {
		for _, l := range t.Locks {
			if l.IsPoisoned() {
				poisonerIDs[*l.PoisonedBy] = struct{}{}
			}
		}
	}
	for id := range poisonerIDs {
		if _, ok := byID[id]; ok {
			continue
		}
		task, err := s.GetTask(ctx, id.String())
		if err == nil {
			byID[id] = *task
		}
	}

	var poisoned []types.PoisonedLock
	for _, t := range candidates {
		for _, l := range t.Locks {
			if l.IsPoisoned() {
				poisoned = append(poisoned, types.PoisonedLock{Lock: l, Task: byID[*l.PoisonedBy]})
			}
		}
	}
	return poisoned, nil
}

func (s *Store) GetTaskTemplate(ctx context.Context, id string) (*types.TaskTemplate, error) {
	return s.queryOneTemplate(ctx, `id = $1`, id)
}

func (s *Store) GetTaskTemplateByName(ctx context.Context, name string) (*types.TaskTemplate, error) {
	return s.queryOneTemplate(ctx, `name = $1`, name)
}

const templateColumns = `id, name, display_name_template, flake_ref_template, locks, features, group_template, variables, created_at`

func (s *Store) queryOneTemplate(ctx context.Context, whereClause string, arg any) (*types.TaskTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE `+whereClause, arg)
	tmpl, err := scanTemplate(row)
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

func scanTemplate(row pgx.Row) (*types.TaskTemplate, error) {
	var (
		flakeRefRaw, locksRaw, variablesRaw       []byte
		name, displayNameTemplate, groupTemplate string
		features                                 []string
		createdAt                                time.Time
		id                                        uuid.UUID
	)
	err := row.Scan(&id, &name, &displayNameTemplate, &flakeRefRaw, &locksRaw, &features, &groupTemplate, &variablesRaw, &createdAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "task template not found")
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "scan task template row")
	}

	var flakeRef types.FlakeRef
	if err := json.Unmarshal(flakeRefRaw, &flakeRef); err != nil {
		return nil, err
	}
	var locks []types.TaskTemplateLock
	if err := json.Unmarshal(locksRaw, &locks); err != nil {
		return nil, err
	}
	var variables []types.TaskTemplateVariable
	if err := json.Unmarshal(variablesRaw, &variables); err != nil {
		return nil, err
	}

	return &types.TaskTemplate{
		ID:                  id,
		Name:                name,
		DisplayNameTemplate: displayNameTemplate,
		FlakeRefTemplate:    flakeRef,
		Locks:               locks,
		Features:            features,
		GroupTemplate:       groupTemplate,
		Variables:           variables,
		CreatedAt:           createdAt,
	}, nil
}

func (s *Store) ListTaskTemplates(ctx context.Context) ([]types.TaskTemplate, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+templateColumns+` FROM task_templates ORDER BY name ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list task templates")
	}
	defer rows.Close()

	var templates []types.TaskTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tmpl)
	}
	return templates, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, sub string) (*types.User, error) {
	var user types.User
	err := s.pool.QueryRow(ctx, `SELECT sub, full_name, role FROM users WHERE sub = $1`, sub).
		Scan(&user.Sub, &user.FullName, &user.Role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.New(apperr.KindNotFound, "user %s not found", sub)
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "get user")
	}
	return &user, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) AllTasksForScheduling(ctx context.Context) ([]types.Task, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status != $1 ORDER BY created_at ASC FOR UPDATE`, string(types.TaskFinished))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list schedulable tasks")
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		var r taskRow
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.Status, &r.Result, &r.Locks, &r.FlakeRef,
			&r.Features, &r.Group, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		task, err := rowToTask(r)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (t *postgresTx) PoisonedLocks(ctx context.Context) ([]types.Lock, error) {
	rows, err := t.tx.Query(ctx, `SELECT locks FROM tasks WHERE locks::text LIKE '%poisoned%'`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list poisoned locks")
	}
	defer rows.Close()

	var locks []types.Lock
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var taskLocks []types.Lock
		if err := json.Unmarshal(raw, &taskLocks); err != nil {
			return nil, err
		}
		for _, l := range taskLocks {
			if l.IsPoisoned() {
				locks = append(locks, l)
			}
		}
	}
	return locks, rows.Err()
}

func (t *postgresTx) InsertTask(ctx context.Context, task types.Task) error {
	locks, err := json.Marshal(task.Locks)
	if err != nil {
		return err
	}
	flakeRef, err := json.Marshal(task.FlakeRef)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO tasks (id, display_name, status, result, locks, flake_ref, features, task_group, created_at, claimed_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.DisplayName, string(task.Status), string(task.Result), locks, flakeRef,
		task.Features, task.Group, task.CreatedAt, task.ClaimedAt, task.FinishedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "insert task")
	}
	return nil
}

func (t *postgresTx) GetTaskForUpdate(ctx context.Context, id string) (*types.Task, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	return scanTask(row)
}

func (t *postgresTx) UpdateTask(ctx context.Context, task types.Task) error {
	locks, err := json.Marshal(task.Locks)
	if err != nil {
		return err
	}
	flakeRef, err := json.Marshal(task.FlakeRef)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE tasks SET display_name=$2, status=$3, result=$4, locks=$5, flake_ref=$6,
			features=$7, task_group=$8, claimed_at=$9, finished_at=$10
		WHERE id = $1`,
		task.ID, task.DisplayName, string(task.Status), string(task.Result), locks, flakeRef,
		task.Features, task.Group, task.ClaimedAt, task.FinishedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "update task")
	}
	return nil
}

func (t *postgresTx) InsertTaskTemplate(ctx context.Context, tmpl types.TaskTemplate) error {
	flakeRef, err := json.Marshal(tmpl.FlakeRefTemplate)
	if err != nil {
		return err
	}
	locks, err := json.Marshal(tmpl.Locks)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(tmpl.Variables)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO task_templates (id, name, display_name_template, flake_ref_template, locks, features, group_template, variables, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tmpl.ID, tmpl.Name, tmpl.DisplayNameTemplate, flakeRef, locks, tmpl.Features, tmpl.GroupTemplate, variables, tmpl.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "insert task template")
	}
	return nil
}

func (t *postgresTx) UpsertUser(ctx context.Context, user types.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (sub, full_name, role) VALUES ($1, $2, $3)
		ON CONFLICT (sub) DO UPDATE SET full_name = EXCLUDED.full_name, role = EXCLUDED.role`,
		user.Sub, user.FullName, string(user.Role))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "upsert user")
	}
	return nil
}

func (t *postgresTx) UnlockLock(ctx context.Context, name string) error {
	rows, err := t.tx.Query(ctx, `SELECT id, locks FROM tasks WHERE locks::text LIKE '%'||$1||'%' FOR UPDATE`, name)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "select tasks for unlock")
	}

	type dirtyRow struct {
		id    uuid.UUID
		locks []types.Lock
	}
	var dirty []dirtyRow
	for rows.Next() {
		var id uuid.UUID
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var locks []types.Lock
		if err := json.Unmarshal(raw, &locks); err != nil {
			rows.Close()
			return err
		}
		changed := false
		for i := range locks {
			if locks[i].Name == name && locks[i].IsPoisoned() {
				locks[i].PoisonedBy = nil
				changed = true
			}
		}
		if changed {
			dirty = append(dirty, dirtyRow{id: id, locks: locks})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range dirty {
		raw, err := json.Marshal(d.locks)
		if err != nil {
			return err
		}
		if _, err := t.tx.Exec(ctx, `UPDATE tasks SET locks = $2 WHERE id = $1`, d.id, raw); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "unlock lock")
		}
	}
	return nil
}
