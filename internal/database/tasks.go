package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

// UpsertTask records a deadline extracted from a conversation. Tasks dedup
// by (title, dueDate) so repeated enrichment passes do not pile up
// duplicate reminders.
func (m *Manager) UpsertTask(ctx context.Context, studentID string, task apptype.Task) (*apptype.Task, error) {
	done := metrics.TimeOp("db_upsert_task")
	success := false
	defer func() { done(success) }()

	if strings.TrimSpace(task.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "must be a non-empty string"}
	}

	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	var due any
	if task.DueDate != nil {
		due = formatSQLTime(*task.DueDate)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM tasks WHERE title = ? AND due_date IS ?", task.Title, due).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		task.ID = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tasks (id, title, description, due_date, source_chat) VALUES (?, ?, ?, ?, ?)",
			task.ID, task.Title, task.Description, due, task.SourceChat); err != nil {
			return nil, fmt.Errorf("failed to insert task %q: %w", task.Title, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up task %q: %w", task.Title, err)
	default:
		task.ID = existingID
		if task.Description != "" {
			if _, err := tx.ExecContext(ctx,
				"UPDATE tasks SET description = ? WHERE id = ?", task.Description, existingID); err != nil {
				return nil, fmt.Errorf("failed to update task %q: %w", task.Title, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	success = true
	return &task, nil
}

// ListTasks returns all tasks for a student ordered by due date.
func (m *Manager) ListTasks(ctx context.Context, studentID string) ([]apptype.Task, error) {
	done := metrics.TimeOp("db_list_tasks")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT id, title, description, due_date, source_chat FROM tasks ORDER BY due_date IS NULL, due_date, title")
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []apptype.Task{}
	for rows.Next() {
		var task apptype.Task
		var due sql.NullString
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &due, &task.SourceChat); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		task.DueDate = parseNullTime(due)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	success = true
	return tasks, nil
}
