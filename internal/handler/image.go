package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
)

// ImageHandler serves and deletes stored coloring pages.
type ImageHandler struct {
	images *service.ImageService
	logger *slog.Logger
}

func NewImageHandler(images *service.ImageService, logger *slog.Logger) *ImageHandler {
	return &ImageHandler{images: images, logger: logger}
}

// HandleGet streams one stored page to its owner.
//
// HTTP: GET /api/images/{accountId}/{file}
// Auth: Required. Other accounts get 403.
//
// Keys embed a random uuid and are never rewritten, so the response may be
// cached forever by the browser, but not by shared caches.
func (h *ImageHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Authentication required"))
		return
	}

	key := chi.URLParam(r, "accountId") + "/" + chi.URLParam(r, "file")
	obj, err := h.images.Get(r.Context(), accountID, key)
	if err != nil {
		fail(w, r, h.logger, "serving image failed", err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, obj.Body); err != nil {
		// Headers are gone; the client sees a truncated body.
		h.logger.WarnContext(r.Context(), "streaming image interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

type deleteRequest struct {
	Filenames []string `json:"filenames"`
}

type deleteResponse struct {
	Results []service.DeleteResult `json:"results"`
}

// HandleDelete removes a batch of the caller's pages.
//
// HTTP: POST /api/image-delete
// REQUEST BODY: {"filenames": ["<accountId>/<file>", …]}
//
// 200 when every key was deleted, 207 when some failed. Any foreign key
// refuses the whole batch with 403.
func (h *ImageHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Authentication required"))
		return
	}

	var req deleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Filenames) == 0 {
		writeError(w, apperror.ValidationFailed("filenames", "No filenames provided"))
		return
	}

	results, err := h.images.Delete(r.Context(), accountID, req.Filenames)
	if err != nil {
		fail(w, r, h.logger, "deleting images failed", err)
		return
	}

	status := http.StatusOK
	for _, res := range results {
		if !res.Success {
			status = http.StatusMultiStatus
			break
		}
	}
	writeJSON(w, status, deleteResponse{Results: results})
}
