package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aozorahub/imagecache/internal/catalog"
	"github.com/aozorahub/imagecache/internal/downloader"
	"github.com/aozorahub/imagecache/internal/imagestore"
	"github.com/aozorahub/imagecache/internal/ledger"
	"github.com/aozorahub/imagecache/internal/logctx"
	"github.com/aozorahub/imagecache/internal/telemetry"
)

// Orchestrator is the slice of the downloader the handler needs.
type Orchestrator interface {
	Start(ctx context.Context, year *int) error
	Stats() ledger.DownloadStatus
	Clear(ctx context.Context) error
}

// ImageResolver locates stored images by category and hash.
type ImageResolver interface {
	Resolve(ctx context.Context, category catalog.Category, hash string) (string, error)
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ImageHandler struct {
	orchestrator Orchestrator
	resolver     ImageResolver
	telemetry    *telemetry.Telemetry
}

// NewImageHandler creates a new image handler.
func NewImageHandler(orchestrator Orchestrator, resolver ImageResolver, t *telemetry.Telemetry) *ImageHandler {
	return &ImageHandler{
		orchestrator: orchestrator,
		resolver:     resolver,
		telemetry:    t,
	}
}

func (h *ImageHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/start", h.HandleStart)
	r.Get("/status", h.HandleStatus)
	r.Post("/clear", h.HandleClear)
	r.Get("/local/{category}/{hash}", h.HandleLocalImage)

	return r
}

// HandleStart schedules a download run and returns immediately.
func (h *ImageHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var year *int

	if raw := r.URL.Query().Get("year"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiResponse{
				Status:  "error",
				Message: "invalid year: " + raw,
			})

			return
		}

		year = &parsed
	}

	if err := h.orchestrator.Start(r.Context(), year); err != nil {
		if errors.Is(err, downloader.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, apiResponse{
				Status:  "error",
				Message: "a download run is already in progress",
			})

			return
		}

		logger.ErrorContext(r.Context(), "failed to start download run", "err", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{
			Status:  "error",
			Message: err.Error(),
		})

		return
	}

	message := "download started for all items"
	if year != nil {
		message = "download started for year " + strconv.Itoa(*year)
	}

	writeJSON(w, http.StatusAccepted, apiResponse{
		Status:  "success",
		Message: message,
	})
}

// HandleStatus reports the current run counters and per-item outcomes.
func (h *ImageHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{
		Status: "success",
		Data:   h.orchestrator.Stats(),
	})
}

// HandleClear removes all stored images and resets the persisted status.
func (h *ImageHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := h.orchestrator.Clear(r.Context()); err != nil {
		if errors.Is(err, downloader.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, apiResponse{
				Status:  "error",
				Message: "cannot clear while a download run is in progress",
			})

			return
		}

		logger.ErrorContext(r.Context(), "failed to clear image store", "err", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{
			Status:  "error",
			Message: err.Error(),
		})

		return
	}

	clearedPaths := make([]string, 0, len(catalog.Categories)*2)
	for _, cat := range catalog.Categories {
		clearedPaths = append(clearedPaths, filepath.Join("images", string(cat)))
	}

	for _, cat := range catalog.Categories {
		clearedPaths = append(clearedPaths, filepath.Join("images", cat.OrphanDir()))
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Status: "success",
		Data: map[string]any{
			"cleared_paths": clearedPaths,
			"status_file":   "download_status.json",
		},
	})
}

// HandleLocalImage serves a stored image from disk.
func (h *ImageHandler) HandleLocalImage(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	category, err := catalog.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{
			Status:  "error",
			Message: err.Error(),
		})

		return
	}

	hash := chi.URLParam(r, "hash")

	path, err := h.resolver.Resolve(r.Context(), category, hash)
	if err != nil {
		if errors.Is(err, imagestore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiResponse{
				Status:  "error",
				Message: "image not found",
			})

			return
		}

		logger.ErrorContext(r.Context(), "failed to resolve image", "category", category, "err", err)
		writeJSON(w, http.StatusInternalServerError, apiResponse{
			Status:  "error",
			Message: "failed to resolve image",
		})

		return
	}

	w.Header().Set("Content-Type", mediaTypeForPath(path))
	http.ServeFile(w, r, path)
}

// mediaTypeForPath maps a stored file extension to its media type.
// Both .jpg and .jpeg serve as image/jpeg.
func mediaTypeForPath(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "jpg" || ext == "jpeg" {
		return "image/jpeg"
	}

	return "image/" + ext
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
