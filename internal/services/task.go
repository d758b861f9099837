package services

import (
	"context"

	"github.com/cpjudge/apiserver/types"
)

// TaskStore defines persistence operations for tasks.
type TaskStore interface {
	List(ctx context.Context, offset, limit int) ([]types.Task, int, error)
	Get(ctx context.Context, id int) (types.Task, error)
	Create(ctx context.Context, task types.Task) (types.Task, error)
	Update(ctx context.Context, task types.Task) (types.Task, error)
}

// TaskService encapsulates task use-cases.
type TaskService struct {
	repo TaskStore
}

func NewTaskService(repo TaskStore) *TaskService {
	return &TaskService{repo: repo}
}

func (s *TaskService) List(ctx context.Context, offset, limit int) ([]types.Task, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.List(ctx, offset, limit)
}

func (s *TaskService) Get(ctx context.Context, id int) (types.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *TaskService) Create(ctx context.Context, task types.Task) (types.Task, error) {
	if task.Type == "" {
		task.Type = types.TaskTypeNormal
	}
	return s.repo.Create(ctx, task)
}

func (s *TaskService) Update(ctx context.Context, task types.Task) (types.Task, error) {
	return s.repo.Update(ctx, task)
}
