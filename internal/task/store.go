package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists tasks in SQLite. Every query is scoped by owner id so
// one owner can never observe or mutate another owner's tasks.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrating task schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		priority TEXT,
		tags TEXT,
		due_date TEXT,
		recurrence TEXT,
		recurrence_interval INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_completed ON tasks(owner_id, completed);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a time-ordered UUID, falling back to a random one if v7
// generation fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Create validates the draft and inserts a new pending task for owner.
func (s *Store) Create(ctx context.Context, ownerID string, d Draft) (*Task, error) {
	title, err := ValidateTitle(d.Title)
	if err != nil {
		return nil, err
	}
	desc, err := ValidateDescription(d.Description)
	if err != nil {
		return nil, err
	}
	if err := ValidatePriority(d.Priority); err != nil {
		return nil, err
	}
	if err := ValidateRecurrence(d.Recurrence, d.RecurrenceInterval); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:                 NewID(),
		OwnerID:            ownerID,
		Title:              title,
		Description:        desc,
		Priority:           d.Priority,
		Tags:               d.Tags,
		DueDate:            d.DueDate,
		Recurrence:         d.Recurrence,
		RecurrenceInterval: d.RecurrenceInterval,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.insert(ctx, s.db, t); err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

// execer covers *sql.DB and *sql.Tx for inserts inside and outside a
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, t *Task) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, title, description, completed, priority, tags,
			due_date, recurrence, recurrence_interval, parent_task_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, nullString(t.Description), boolToInt(t.Completed),
		nullString(t.Priority), tags, timeToNull(t.DueDate), nullString(t.Recurrence),
		t.RecurrenceInterval, nullString(t.ParentTaskID),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// Get returns the owner's task by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, ownerID, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, completed, priority, tags,
			due_date, recurrence, recurrence_interval, parent_task_id, created_at, updated_at
		FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// List returns the owner's tasks matching the filter. The default order
// is newest created first.
func (s *Store) List(ctx context.Context, ownerID string, f Filter) ([]*Task, error) {
	if f.Status == "" {
		f.Status = StatusAll
	}
	if err := ValidateStatus(f.Status); err != nil {
		return nil, err
	}
	if err := ValidatePriority(f.Priority); err != nil {
		return nil, err
	}
	if err := ValidateSort(f.SortBy, f.SortOrder); err != nil {
		return nil, err
	}

	query := `
		SELECT id, owner_id, title, description, completed, priority, tags,
			due_date, recurrence, recurrence_interval, parent_task_id, created_at, updated_at
		FROM tasks WHERE owner_id = ?`
	args := []any{ownerID}
	switch f.Status {
	case StatusPending:
		query += " AND completed = 0"
	case StatusCompleted:
		query += " AND completed = 1"
	}
	if f.Priority != "" {
		query += " AND priority = ?"
		args = append(args, f.Priority)
	}
	// AND logic: every requested tag must be present in the stored JSON
	// array. COALESCE keeps json_each happy on tasks with no tags.
	for _, tag := range f.Tags {
		query += ` AND EXISTS (SELECT 1 FROM json_each(COALESCE(tasks.tags, '[]')) WHERE json_each.value = ?)`
		args = append(args, tag)
	}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		query += " AND (title LIKE ? OR description LIKE ?)"
		args = append(args, pattern, pattern)
	}
	if f.DueStart != nil {
		query += " AND due_date IS NOT NULL AND datetime(due_date) >= datetime(?)"
		args = append(args, f.DueStart.UTC().Format(time.RFC3339Nano))
	}
	if f.DueEnd != nil {
		query += " AND due_date IS NOT NULL AND datetime(due_date) <= datetime(?)"
		args = append(args, f.DueEnd.UTC().Format(time.RFC3339Nano))
	}
	query += orderClause(f.SortBy, f.SortOrder)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// orderClause maps validated sort parameters onto whitelisted columns.
// Undated tasks sort after dated ones; priority orders by rank rather
// than alphabetically; created_at breaks ties.
func orderClause(sortBy, sortOrder string) string {
	dir := "DESC"
	if sortOrder == SortAsc {
		dir = "ASC"
	}
	switch sortBy {
	case SortByDueDate:
		return fmt.Sprintf(" ORDER BY due_date %s NULLS LAST, created_at DESC", dir)
	case SortByPriority:
		return fmt.Sprintf(` ORDER BY CASE priority
			WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0
			END %s, created_at DESC`, dir)
	case SortByTitle:
		return fmt.Sprintf(" ORDER BY title COLLATE NOCASE %s, created_at DESC", dir)
	default:
		return " ORDER BY created_at " + dir
	}
}

// Update applies a patch to the owner's task. An empty patch is a
// validation error. Setting Completed via Update does not trigger
// recurrence; use Complete for that.
func (s *Store) Update(ctx context.Context, ownerID, id string, p Patch) (*Task, error) {
	if p.Empty() {
		return nil, validationf("no fields to update")
	}

	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		title, err := ValidateTitle(*p.Title)
		if err != nil {
			return nil, err
		}
		t.Title = title
	}
	if p.Description != nil {
		desc, err := ValidateDescription(*p.Description)
		if err != nil {
			return nil, err
		}
		t.Description = desc
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.Priority != nil {
		if err := ValidatePriority(*p.Priority); err != nil {
			return nil, err
		}
		t.Priority = *p.Priority
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		t.DueDate = p.DueDate
	}
	if p.Recurrence != nil {
		t.Recurrence = *p.Recurrence
	}
	if p.RecurrenceInterval != nil {
		t.RecurrenceInterval = *p.RecurrenceInterval
	}
	if err := ValidateRecurrence(t.Recurrence, t.RecurrenceInterval); err != nil {
		return nil, err
	}

	t.UpdatedAt = time.Now().UTC()
	if err := s.write(ctx, t); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	return t, nil
}

func (s *Store) write(ctx context.Context, t *Task) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, completed = ?, priority = ?, tags = ?,
			due_date = ?, recurrence = ?, recurrence_interval = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?`,
		t.Title, nullString(t.Description), boolToInt(t.Completed), nullString(t.Priority),
		tags, timeToNull(t.DueDate), nullString(t.Recurrence), t.RecurrenceInterval,
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID, t.OwnerID)
	return err
}

// Complete marks the owner's task done. Completing an already-completed
// task is a no-op that returns the task unchanged. If the task recurs, a
// pending successor with an advanced due date is created in the same
// transaction and returned alongside the completed task.
func (s *Store) Complete(ctx context.Context, ownerID, id string) (*Task, *Task, error) {
	t, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if t.Completed {
		return t, nil, nil
	}

	now := time.Now().UTC()
	t.Completed = true
	t.UpdatedAt = now

	var successor *Task
	if t.Recurrence != "" {
		successor = &Task{
			ID:                 NewID(),
			OwnerID:            t.OwnerID,
			Title:              t.Title,
			Description:        t.Description,
			Priority:           t.Priority,
			Tags:               t.Tags,
			DueDate:            t.NextDueDate(),
			Recurrence:         t.Recurrence,
			RecurrenceInterval: t.RecurrenceInterval,
			ParentTaskID:       t.ID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// The completed guard closes the window between the read above and
	// this write: if a concurrent call completed the task first, no rows
	// match and no second successor is created.
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET completed = 1, updated_at = ? WHERE id = ? AND owner_id = ? AND completed = 0`,
		now.Format(time.RFC3339Nano), t.ID, t.OwnerID)
	if err != nil {
		return nil, nil, fmt.Errorf("completing task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("checking completion result: %w", err)
	}
	if n == 0 {
		tx.Rollback()
		fresh, err := s.Get(ctx, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		return fresh, nil, nil
	}
	if successor != nil {
		if err := s.insert(ctx, tx, successor); err != nil {
			return nil, nil, fmt.Errorf("inserting recurring successor: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing completion: %w", err)
	}
	return t, successor, nil
}

// Delete removes the owner's task, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats summarizes an owner's tasks.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
}

// GetStats returns task counts for the owner.
func (s *Store) GetStats(ctx context.Context, ownerID string) (*Stats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(completed = 0), 0), COALESCE(SUM(completed = 1), 0)
		FROM tasks WHERE owner_id = ?`, ownerID)
	var st Stats
	if err := row.Scan(&st.Total, &st.Pending, &st.Completed); err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                    Task
		desc, priority, tags sql.NullString
		dueDate, recurrence  sql.NullString
		parentID             sql.NullString
		completed            int
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &desc, &completed, &priority, &tags,
		&dueDate, &recurrence, &t.RecurrenceInterval, &parentID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	t.Description = desc.String
	t.Completed = completed != 0
	t.Priority = priority.String
	t.Recurrence = recurrence.String
	t.ParentTaskID = parentID.String

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &t.Tags); err != nil {
			return nil, fmt.Errorf("parsing tags: %w", err)
		}
	}
	if dueDate.Valid {
		due, err := time.Parse(time.RFC3339Nano, dueDate.String)
		if err != nil {
			return nil, fmt.Errorf("parsing due_date: %w", err)
		}
		t.DueDate = &due
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

func marshalTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding tags: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
