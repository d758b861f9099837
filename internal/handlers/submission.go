package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cpjudge/apiserver/internal/services"
	"github.com/cpjudge/apiserver/types"
	"github.com/go-chi/chi/v5"
)

// SubmissionHandler provides the submission RPC endpoints and the public
// listing.
type SubmissionHandler struct {
	service *services.SubmissionService
}

// NewSubmissionHandler constructs a handler with the provided service.
func NewSubmissionHandler(service *services.SubmissionService) *SubmissionHandler {
	return &SubmissionHandler{service: service}
}

// SubmissionRouter registers submission routes on the given router.
// Endpoints taking a JSON body are POST; the public listing is a plain GET.
func SubmissionRouter(
	r chi.Router,
	service *services.SubmissionService,
	authMiddleware func(http.Handler) http.Handler,
	optionalAuth func(http.Handler) http.Handler,
) {
	handler := NewSubmissionHandler(service)

	r.Get("/", handler.ListPublic)
	r.Post("/list/recent", handler.ListRecent)
	r.Post("/list/filtered", handler.ListFiltered)
	r.Post("/detail", handler.GetDetail)
	r.Post("/queue", handler.ListQueued)
	if optionalAuth != nil {
		r.With(optionalAuth).Post("/get", handler.GetOne)
	} else {
		r.Post("/get", handler.GetOne)
	}
	if authMiddleware != nil {
		r.With(authMiddleware).Post("/create", handler.Create)
		r.With(authMiddleware).Post("/submit", handler.Submit)
		r.With(authMiddleware).Post("/result", handler.UpdateResult)
	} else {
		r.Post("/create", handler.Create)
		r.Post("/submit", handler.Submit)
		r.Post("/result", handler.UpdateResult)
	}
}

type ListRecentRequest struct {
	Limit   int   `json:"limit"`
	AfterID int64 `json:"after_id"`
}

type ListFilteredRequest struct {
	Limit  *int `json:"limit"`
	UserID *int `json:"user_id"`
	TaskID *int `json:"task_id"`
}

type SubmissionIDRequest struct {
	SubmissionID int64 `json:"submission_id"`
}

type ListQueuedRequest struct {
	Limit  *int `json:"limit"`
	TaskID *int `json:"task_id"`
}

type CreateSubmissionRequest struct {
	UserID   int    `json:"user_id"`
	TaskID   int    `json:"task_id"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

// SubmitRequest is the task-aware creation payload. Code is either a list
// of per-file contents or a single base64-encoded zip archive.
type SubmitRequest struct {
	TaskID   int             `json:"task_id"`
	Code     json.RawMessage `json:"code"`
	Language string          `json:"language"`
}

// ResultRequest is the grading report of the judging worker. All scalar
// fields are mandatory; case results and groups come only from the richer
// grading backend.
type ResultRequest struct {
	SubmissionID *int64              `json:"submission_id"`
	Status       *string             `json:"status"`
	Points       *float64            `json:"points"`
	Time         *float64            `json:"time"`
	Memory       *int64              `json:"memory"`
	CaseResults  []types.CaseVerdict `json:"case_results"`
	Groups       []types.GroupResult `json:"groups"`
}

// SubmissionListResponse is the list response payload.
type SubmissionListResponse struct {
	Items []types.Submission `json:"items"`
}

// QueuedListResponse is the queue feed response payload.
type QueuedListResponse struct {
	Items []services.QueuedSubmission `json:"items"`
}

// CreatedResponse carries the identifier of a new submission.
type CreatedResponse struct {
	ID int64 `json:"id"`
}

func (h *SubmissionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	var req ListRecentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}

	items, err := h.service.ListRecent(r.Context(), req.Limit, req.AfterID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if items == nil {
		items = []types.Submission{}
	}
	writeJSON(w, http.StatusOK, SubmissionListResponse{Items: items})
}

func (h *SubmissionHandler) ListFiltered(w http.ResponseWriter, r *http.Request) {
	var req ListFilteredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}
	if req.Limit == nil {
		writeInvalidArgument(w, "limit is required")
		return
	}

	items, err := h.service.ListFiltered(r.Context(), *req.Limit, req.UserID, req.TaskID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if items == nil {
		items = []types.Submission{}
	}
	writeJSON(w, http.StatusOK, SubmissionListResponse{Items: items})
}

func (h *SubmissionHandler) GetDetail(w http.ResponseWriter, r *http.Request) {
	var req SubmissionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}

	detail, err := h.service.GetDetail(r.Context(), req.SubmissionID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *SubmissionHandler) ListQueued(w http.ResponseWriter, r *http.Request) {
	var req ListQueuedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}
	if req.Limit == nil {
		writeInvalidArgument(w, "limit is required")
		return
	}

	items, err := h.service.ListQueued(r.Context(), *req.Limit, req.TaskID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if items == nil {
		items = []services.QueuedSubmission{}
	}
	writeJSON(w, http.StatusOK, QueuedListResponse{Items: items})
}

func (h *SubmissionHandler) GetOne(w http.ResponseWriter, r *http.Request) {
	var req SubmissionIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}

	view, err := h.service.GetOne(r.Context(), callerID(r.Context()), req.SubmissionID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if view == nil {
		// Hidden task: an empty object, no leaked fields.
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *SubmissionHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	var username *string
	if raw := strings.TrimSpace(r.URL.Query().Get("username")); raw != "" {
		username = &raw
	}

	taskID, err := optionalIntParam(r, "task_id")
	if err != nil {
		writeInvalidArgument(w, "invalid task id")
		return
	}

	offset, err := optionalIntParam(r, "offset")
	if err != nil {
		writeInvalidArgument(w, "invalid offset")
		return
	}

	rows, err := h.service.ListPublic(r.Context(), username, taskID, offset)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if rows == nil {
		rows = []services.PublicRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *SubmissionHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}

	id, err := h.service.Create(r.Context(), caller, services.CreateInput{
		UserID:   req.UserID,
		TaskID:   req.TaskID,
		Code:     req.Code,
		Language: req.Language,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: id})
}

func (h *SubmissionHandler) Submit(w http.ResponseWriter, r *http.Request) {
	caller, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}

	files, archive, err := parseCodePayload(req.Code)
	if err != nil {
		writeInvalidArgument(w, err.Error())
		return
	}

	id, err := h.service.Submit(r.Context(), caller, services.SubmitInput{
		TaskID:      req.TaskID,
		CodeFiles:   files,
		CodeArchive: archive,
		Language:    req.Language,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{ID: id})
}

func (h *SubmissionHandler) UpdateResult(w http.ResponseWriter, r *http.Request) {
	if _, err := userIDFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidArgument(w, "invalid request body")
		return
	}
	if req.SubmissionID == nil || req.Status == nil || req.Points == nil || req.Time == nil || req.Memory == nil {
		writeInvalidArgument(w, "submission_id, status, points, time and memory are required")
		return
	}

	err := h.service.UpdateResult(r.Context(), services.ResultInput{
		ID:           *req.SubmissionID,
		Status:       *req.Status,
		Points:       *req.Points,
		Time:         *req.Time,
		Memory:       *req.Memory,
		CaseVerdicts: req.CaseResults,
		Groups:       req.Groups,
	})
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseCodePayload interprets the task-aware code field: a JSON list of
// per-file contents, or a single string holding a base64-encoded zip
// archive (raw archive bytes are accepted too).
func parseCodePayload(raw json.RawMessage) (files []string, archive []byte, err error) {
	if len(raw) == 0 {
		return nil, nil, errInvalidCode
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, nil, errInvalidCode
	}
	if single == "" {
		return nil, nil, errInvalidCode
	}

	if decoded, err := base64.StdEncoding.DecodeString(single); err == nil {
		return nil, decoded, nil
	}
	return nil, []byte(single), nil
}

var errInvalidCode = errors.New("code must be a non-empty string or a list of strings")

func optionalIntParam(r *http.Request, name string) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}
