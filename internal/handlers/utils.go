package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cpjudge/apiserver/internal/apperrors"
)

type contextKey string

const contextSubjectKey contextKey = "sub"

// ErrorResponse is the error payload. Kind is one of the closed set of
// error kinds; plain HTTP-level failures omit it.
type ErrorResponse struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userIDFromContext(ctx context.Context) (int, error) {
	value := ctx.Value(contextSubjectKey)
	switch subject := value.(type) {
	case int:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return subject, nil
	case int64:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return int(subject), nil
	case float64:
		if subject < 1 {
			return 0, errors.New("invalid subject")
		}
		return int(subject), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(subject))
		if err != nil || parsed < 1 {
			return 0, errors.New("invalid subject")
		}
		return parsed, nil
	default:
		return 0, errors.New("missing subject")
	}
}

// callerID returns the authenticated user id, or zero for anonymous
// callers on routes with optional authentication.
func callerID(ctx context.Context) int {
	id, err := userIDFromContext(ctx)
	if err != nil {
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeKindError maps a service error to its HTTP status while keeping
// the kind in the body so RPC callers can match on it.
func writeKindError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	message := err.Error()
	if kind == apperrors.KindUnknown {
		// Opaque dependency failures lose their original classification.
		message = "internal error"
	}
	writeJSON(w, apperrors.HTTPStatus(kind), ErrorResponse{Kind: string(kind), Error: message})
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	writeKindError(w, apperrors.New(apperrors.KindInvalidArgument, message))
}
