package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/outpost/internal/backend"
	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/internal/types"
	"github.com/hyperengineering/outpost/internal/validation"
)

// Backend is the record service the API exposes.
type Backend interface {
	syncengine.RemoteSyncGateway
	Registry() *model.Registry
	Stats(ctx context.Context) (backend.Stats, error)
}

// Handler implements the API handlers
type Handler struct {
	backend Backend
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(b Backend, apiKey, version string) *Handler {
	return &Handler{
		backend: b,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.backend.Stats(r.Context())
	if err != nil {
		slog.Error("health stats failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, types.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Models:     h.backend.Registry().Names(),
		Records:    stats.Records,
		Tombstones: stats.Tombstones,
	})
}

// CreateRecord handles POST /api/v1/models/{model}/records
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())

	req, ok := decodeMutation(w, r, false)
	if !ok {
		return
	}
	rec, ok := bindRecord(w, r, schema.Name, "", req.Record)
	if !ok {
		return
	}

	resp, err := h.backend.Create(r.Context(), rec)
	if err != nil {
		h.mutationFailed(w, r, "create", rec.Model, rec.ID, err)
		return
	}
	logMutation("create", rec.Model, rec.ID, resp)
	writeJSON(w, resp)
}

// UpdateRecord handles PUT /api/v1/models/{model}/records/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())

	req, ok := decodeMutation(w, r, false)
	if !ok {
		return
	}
	rec, ok := bindRecord(w, r, schema.Name, chi.URLParam(r, "id"), req.Record)
	if !ok {
		return
	}
	if !checkCondition(w, r, req.Condition) {
		return
	}

	resp, err := h.backend.Update(r.Context(), rec, req.ExpectedVersion, req.Condition)
	if err != nil {
		h.mutationFailed(w, r, "update", rec.Model, rec.ID, err)
		return
	}
	logMutation("update", rec.Model, rec.ID, resp)
	writeJSON(w, resp)
}

// DeleteRecord handles DELETE /api/v1/models/{model}/records/{id}. The body
// is optional.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())
	id := chi.URLParam(r, "id")

	req, ok := decodeMutation(w, r, true)
	if !ok {
		return
	}
	if !checkCondition(w, r, req.Condition) {
		return
	}

	resp, err := h.backend.Delete(r.Context(), schema.Name, id, req.ExpectedVersion, req.Condition)
	if err != nil {
		h.mutationFailed(w, r, "delete", schema.Name, id, err)
		return
	}
	logMutation("delete", schema.Name, id, resp)
	writeJSON(w, resp)
}

// Sync handles GET /api/v1/models/{model}/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	schema := MustSchemaFromContext(r.Context())

	req, err := parseSyncRequest(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.backend.Sync(r.Context(), schema.Name, req.since, req.nextToken, req.limit)
	if err != nil {
		if !errors.Is(err, backend.ErrInvalidToken) {
			slog.Error("sync query failed",
				"component", "api",
				"model", schema.Name,
				"error", err,
			)
		}
		MapBackendError(w, r, err)
		return
	}

	slog.Debug("sync page served",
		"component", "api",
		"action", "sync",
		"model", schema.Name,
		"base", req.since == nil,
		"items", len(page.Items),
		"has_more", page.NextToken != "",
	)
	writeJSON(w, page)
}

type syncRequest struct {
	since     *time.Time
	nextToken string
	limit     int
}

func parseSyncRequest(r *http.Request) (syncRequest, error) {
	var req syncRequest
	q := r.URL.Query()

	// lastSync (optional, unix milliseconds); absent means a base query
	if s := q.Get(types.QueryLastSync); s != "" {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid %s parameter: must be an integer", types.QueryLastSync)
		}
		if ms < 0 {
			return req, fmt.Errorf("invalid %s parameter: must be >= 0", types.QueryLastSync)
		}
		t := time.UnixMilli(ms).UTC()
		req.since = &t
	}

	req.nextToken = q.Get(types.QueryNextToken)

	// limit (optional)
	limitStr := q.Get(types.QueryLimit)
	if limitStr == "" {
		req.limit = backend.DefaultSyncLimit
	} else {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return req, fmt.Errorf("invalid %s parameter: must be an integer", types.QueryLimit)
		}
		if limit < 1 {
			return req, fmt.Errorf("invalid %s parameter: must be >= 1", types.QueryLimit)
		}
		if limit > backend.MaxSyncLimit {
			limit = backend.MaxSyncLimit
		}
		req.limit = limit
	}

	return req, nil
}

func decodeMutation(w http.ResponseWriter, r *http.Request, allowEmpty bool) (types.MutationRequest, bool) {
	var req types.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return req, true
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return req, false
	}
	if req.ExpectedVersion < 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			*validation.ValidateMinInt("expectedVersion", req.ExpectedVersion, 0),
		})
		return req, false
	}
	return req, true
}

// bindRecord reconciles the body's record with the URL. A body model or ID
// that disagrees with the URL is rejected.
func bindRecord(w http.ResponseWriter, r *http.Request, modelName, pathID string, rec model.Record) (model.Record, bool) {
	var c validation.Collector
	if rec.Model != "" && rec.Model != modelName {
		c.Add(&validation.ValidationError{Field: "record.model", Message: "does not match URL"})
	}
	if pathID != "" {
		if rec.ID != "" && rec.ID != pathID {
			c.Add(&validation.ValidationError{Field: "record.id", Message: "does not match URL"})
		}
		rec.ID = pathID
	}
	c.Add(validation.ValidateRequired("record.id", rec.ID))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return rec, false
	}
	rec.Model = modelName
	return rec, true
}

func checkCondition(w http.ResponseWriter, r *http.Request, pred *model.Predicate) bool {
	if err := pred.Validate(); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid condition: %s", err.Error()))
		return false
	}
	return true
}

func (h *Handler) mutationFailed(w http.ResponseWriter, r *http.Request, action, modelName, id string, err error) {
	slog.Error("mutation failed",
		"component", "api",
		"action", action,
		"model", modelName,
		"record_id", id,
		"error", err,
	)
	MapBackendError(w, r, err)
}

func logMutation(action, modelName, id string, resp syncengine.Response) {
	if resp.HasErrors() {
		slog.Info("mutation refused",
			"component", "api",
			"action", action,
			"model", modelName,
			"record_id", id,
			"error_type", resp.Errors[0].ErrorType,
		)
		return
	}
	if resp.Data == nil {
		return
	}
	slog.Info("mutation applied",
		"component", "api",
		"action", action,
		"model", modelName,
		"record_id", id,
		"version", resp.Data.Metadata.Version,
	)
}

// writeJSON writes v with status 200. Failures the backend reports in an
// envelope are still 200 responses.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
