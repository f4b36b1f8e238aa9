package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeremieb/developer-diary/internal/journal"
	"github.com/jeremieb/developer-diary/internal/preview"
	"github.com/jeremieb/developer-diary/internal/scene"
	"github.com/jeremieb/developer-diary/internal/storage"
)

// maxSceneBodySize caps request bodies that may carry a scene descriptor.
const maxSceneBodySize = 16 << 20 // 16MB

type AppDeps struct {
	Journal *journal.Service
	Token   string
	// Metrics is served at /metrics behind bearer auth when set.
	Metrics http.Handler
}

// CreateRecordRequest is the body of POST /records.
type CreateRecordRequest struct {
	Title string           `json:"title"`
	Note  string           `json:"note"`
	Scene scene.Descriptor `json:"scene"`
}

// RecordView is a record as served by the API.
type RecordView struct {
	storage.Record
	PreviewStatus preview.Status `json:"preview_status"`
}

// NewAppHandler returns the diary REST API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", deps.Metrics)
		}
		r.Post("/records", handleCreateRecord(deps))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Patch("/records/{id}", handlePatchRecord(deps))
		r.Delete("/records/{id}", handleDeleteRecord(deps))
		r.Get("/records/{id}/preview", handleGetPreview(deps))
		r.Post("/records/{id}/preview/refresh", handleRefreshPreview(deps))
		r.Post("/maintenance/sweep", handleSweep(deps))
	})

	return r
}

func view(j *journal.Service, rec storage.Record) RecordView {
	return RecordView{Record: rec, PreviewStatus: j.PreviewStatus(rec.ID)}
}

func handleCreateRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSceneBodySize)
		defer r.Body.Close()

		var req CreateRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		rec, err := deps.Journal.Create(r.Context(), journal.NewEntry{
			Title: req.Title,
			Note:  req.Note,
			Scene: req.Scene,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save record: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, view(deps.Journal, rec))
	}
}

func handleListRecords(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Journal.List(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}

		views := make([]RecordView, len(recs))
		for i, rec := range recs {
			views[i] = view(deps.Journal, rec)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Journal.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view(deps.Journal, rec))
	}
}

// handlePatchRecord applies a partial update. Absent fields are left alone;
// "scene": null removes the scene.
func handlePatchRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxSceneBodySize)
		defer r.Body.Close()

		var fields map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var ch journal.Changes
		for key, raw := range fields {
			var err error
			switch key {
			case "title":
				ch.Title = new(string)
				err = json.Unmarshal(raw, ch.Title)
			case "note":
				ch.Note = new(string)
				err = json.Unmarshal(raw, ch.Note)
			case "scene":
				ch.Scene = new(scene.Descriptor)
				err = json.Unmarshal(raw, ch.Scene)
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown field %q", key)
				return
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid %s: %v", key, err)
				return
			}
		}
		if ch.Title != nil && strings.TrimSpace(*ch.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title must not be empty")
			return
		}

		rec, err := deps.Journal.Update(r.Context(), id, ch)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update record: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, view(deps.Journal, rec))
	}
}

func handleDeleteRecord(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Journal.Delete(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete record: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// handleGetPreview serves the preview image. While the preview is being
// generated it answers 202 so clients can show a placeholder and poll.
func handleGetPreview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		width := 0
		if s := r.URL.Query().Get("w"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "w must be a positive integer")
				return
			}
			width = v
		}

		a, status, err := deps.Journal.Preview(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		case errors.Is(err, preview.ErrNoScene):
			httpError(w, http.StatusNotFound, "not_found", "record has no scene")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve preview: %v", err)
			return
		}
		if a == nil {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
			return
		}

		data, err := a.Scaled(width)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to scale preview: %v", err)
			return
		}
		w.Header().Set("Content-Type", a.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}
}

func handleRefreshPreview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Journal.RefreshPreview(r.Context(), id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		case errors.Is(err, preview.ErrNoScene):
			httpError(w, http.StatusNotFound, "not_found", "record has no scene")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to refresh preview: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(deps.Journal.PreviewStatus(id))})
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Journal.Sweep(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
	}
}
