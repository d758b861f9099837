package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cpjudge/apiserver/internal/services"
	"github.com/cpjudge/apiserver/internal/store"
	"github.com/cpjudge/apiserver/types"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPage  = 1
	defaultLimit = 20
	maxLimit     = 100
	adminRole    = "admin"
)

// TaskHandler provides HTTP handlers for tasks.
type TaskHandler struct {
	taskService *services.TaskService
	userService *services.UserService
}

// NewTaskHandler constructs a handler with the provided services.
func NewTaskHandler(taskService *services.TaskService, userService *services.UserService) *TaskHandler {
	return &TaskHandler{
		taskService: taskService,
		userService: userService,
	}
}

// TaskRouter registers task routes on the given router. Mutations are
// admin-only.
func TaskRouter(
	r chi.Router,
	taskService *services.TaskService,
	userService *services.UserService,
	authMiddleware func(http.Handler) http.Handler,
) {
	handler := NewTaskHandler(taskService, userService)

	r.Get("/", handler.ListTasks)
	if authMiddleware != nil {
		r.With(authMiddleware, handler.requireAdmin).Post("/", handler.CreateTask)
	} else {
		r.With(handler.requireAdmin).Post("/", handler.CreateTask)
	}
	r.Route("/{taskID}", func(r chi.Router) {
		r.Get("/", handler.GetTask)
		if authMiddleware != nil {
			r.With(authMiddleware, handler.requireAdmin).Put("/", handler.UpdateTask)
		} else {
			r.With(handler.requireAdmin).Put("/", handler.UpdateTask)
		}
	})
}

// TaskUpsertRequest is the task creation/update payload.
type TaskUpsertRequest struct {
	Title     string   `json:"title"`
	Visible   bool     `json:"visible"`
	Type      string   `json:"type"`
	FileNames []string `json:"file_names"`
}

// TaskListResponse is the paginated list response payload.
type TaskListResponse struct {
	Items []types.Task `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.taskService.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	resp := TaskListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := h.taskService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseTaskBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.taskService.Create(r.Context(), types.Task{
		Title:     req.Title,
		Visible:   req.Visible,
		Type:      req.Type,
		FileNames: req.FileNames,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *TaskHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := parseTaskBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.taskService.Update(r.Context(), types.Task{
		ID:        id,
		Title:     req.Title,
		Visible:   req.Visible,
		Type:      req.Type,
		FileNames: req.FileNames,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func parsePagination(r *http.Request) (page, limit, offset int, err error) {
	page = defaultPage
	limit = defaultLimit

	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, 0, errors.New("invalid page")
		}
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, 0, errors.New("invalid limit")
		}
	}

	if limit > maxLimit {
		limit = maxLimit
	}

	offset = (page - 1) * limit
	return page, limit, offset, nil
}

func parseTaskID(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "taskID")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return 0, errors.New("invalid task id")
	}
	return id, nil
}

func parseTaskBody(r *http.Request) (TaskUpsertRequest, error) {
	var req TaskUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return TaskUpsertRequest{}, errors.New("invalid request body")
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return TaskUpsertRequest{}, errors.New("title is required")
	}

	if req.Type == "" {
		req.Type = types.TaskTypeNormal
	}
	if req.Type != types.TaskTypeNormal && len(req.FileNames) == 0 {
		return TaskUpsertRequest{}, errors.New("file_names is required for multi-file task types")
	}

	return req, nil
}

func (h *TaskHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := userIDFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		user, err := h.userService.GetByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load user")
			return
		}

		if !strings.EqualFold(user.Role, adminRole) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
