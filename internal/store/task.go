package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cpjudge/apiserver/types"
)

// TaskRepository handles persistence for tasks.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) List(ctx context.Context, offset, limit int) ([]types.Task, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	const countQuery = `SELECT COUNT(1) FROM tasks`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	const listQuery = `
		SELECT id, title, visible, type, file_names, created_at, updated_at
		FROM tasks
		ORDER BY id
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, listQuery, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tasks := make([]types.Task, 0, limit)
	for rows.Next() {
		var task types.Task
		var fileNamesJSON []byte
		if err := rows.Scan(
			&task.ID,
			&task.Title,
			&task.Visible,
			&task.Type,
			&fileNamesJSON,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal(fileNamesJSON, &task.FileNames)
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return tasks, total, nil
}

func (r *TaskRepository) Get(ctx context.Context, id int) (types.Task, error) {
	const query = `
		SELECT id, title, visible, type, file_names, created_at, updated_at
		FROM tasks
		WHERE id = $1`
	var task types.Task
	var fileNamesJSON []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID,
		&task.Title,
		&task.Visible,
		&task.Type,
		&fileNamesJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Task{}, ErrNotFound
		}
		return types.Task{}, err
	}

	_ = json.Unmarshal(fileNamesJSON, &task.FileNames)
	return task, nil
}

func (r *TaskRepository) Create(ctx context.Context, task types.Task) (types.Task, error) {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	fileNamesJSON, err := json.Marshal(task.FileNames)
	if err != nil {
		return types.Task{}, err
	}

	const query = `
		INSERT INTO tasks (title, visible, type, file_names, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		task.Title,
		task.Visible,
		task.Type,
		fileNamesJSON,
		task.CreatedAt,
		task.UpdatedAt,
	).Scan(&task.ID); err != nil {
		return types.Task{}, err
	}

	return task, nil
}

func (r *TaskRepository) Update(ctx context.Context, task types.Task) (types.Task, error) {
	task.UpdatedAt = time.Now()

	fileNamesJSON, err := json.Marshal(task.FileNames)
	if err != nil {
		return types.Task{}, err
	}

	const query = `
		UPDATE tasks
		SET title = $1,
			visible = $2,
			type = $3,
			file_names = $4,
			updated_at = $5
		WHERE id = $6`
	result, err := r.db.ExecContext(
		ctx,
		query,
		task.Title,
		task.Visible,
		task.Type,
		fileNamesJSON,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return types.Task{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Task{}, err
	}
	if affected == 0 {
		return types.Task{}, ErrNotFound
	}

	return task, nil
}
