package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/outpost/internal/backend"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemWithErrors carries per-field failures for rejected records and
// conditions.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

const problemTypeBase = "https://outpost.dev/errors/"

type problemKind struct {
	slug  string
	title string
}

// problemKinds covers every status the sync API answers with.
var problemKinds = map[int]problemKind{
	http.StatusBadRequest:          {"bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"not-found", "Not Found"},
	http.StatusUnprocessableEntity: {"validation-error", "Validation Error"},
	http.StatusInternalServerError: {"internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {"service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	kind, ok := problemKinds[status]
	if !ok {
		kind = problemKind{slug: "unknown", title: http.StatusText(status)}
	}
	return Problem{
		Type:     problemTypeBase + kind.slug,
		Title:    kind.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func encodeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "status", status, "error", err)
	}
}

// WriteProblem answers r with a Problem for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	encodeProblem(w, status, newProblem(r, status, detail))
}

// WriteProblemWithErrors answers r with a 422 listing field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	encodeProblem(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapBackendError converts backend errors to Problem Details responses.
// Failures the backend reports inside a response envelope never get here.
func MapBackendError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownModel):
		WriteProblem(w, r, http.StatusNotFound, "Unknown model")
	case errors.Is(err, backend.ErrInvalidToken):
		WriteProblem(w, r, http.StatusBadRequest, "Invalid nextToken")
	case errors.Is(err, backend.ErrClosed):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Backend is shutting down")
	default:
		// Internal details stay in the log.
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
