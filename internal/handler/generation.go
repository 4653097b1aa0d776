package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
)

const (
	// MaxImageBytes bounds a single uploaded photo.
	MaxImageBytes = 20 << 20
	// maxFormMemory is how much of the form is buffered in memory; the rest
	// spills to temporary files.
	maxFormMemory = 32 << 20
)

// maxUploadBytes bounds the whole multipart body.
const maxUploadBytes = (service.MaxSourceImages+1)*MaxImageBytes + 1<<20

// GenerationHandler accepts family photos and returns coloring pages.
type GenerationHandler struct {
	generator *service.GenerationService
	logger    *slog.Logger
}

func NewGenerationHandler(generator *service.GenerationService, logger *slog.Logger) *GenerationHandler {
	return &GenerationHandler{generator: generator, logger: logger}
}

// HandleGenerate runs one generation for the signed-in account.
//
// HTTP: POST /api/images
// Auth: Required
// BODY (multipart/form-data): prompt, size, quality, image_0 … image_9
//
// RESPONSE: {"images":[{"filename","output_format","url"}],"usage":{…},"creditsRemaining":N}
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Authentication required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, apperror.ValidationFailed("images", "Upload is too large"))
			return
		}
		writeError(w, apperror.ValidationFailed("", "Expected a multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	images, err := readImages(r.MultipartForm)
	if err != nil {
		fail(w, r, h.logger, "reading uploaded images failed", err)
		return
	}

	res, err := h.generator.Generate(r.Context(), accountID, service.GenerationInput{
		Prompt:  r.FormValue("prompt"),
		Size:    r.FormValue("size"),
		Quality: r.FormValue("quality"),
		Images:  images,
	})
	if err != nil {
		fail(w, r, h.logger, "generation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readImages collects image_0, image_1, … in order, stopping at the first
// gap. One more than the maximum is read so the service can reject it.
func readImages(form *multipart.Form) ([]service.UploadedImage, error) {
	var images []service.UploadedImage
	for i := 0; i <= service.MaxSourceImages; i++ {
		field := fmt.Sprintf("image_%d", i)
		headers := form.File[field]
		if len(headers) == 0 {
			break
		}
		fh := headers[0]
		if fh.Size > MaxImageBytes {
			return nil, apperror.ValidationFailed(field,
				fmt.Sprintf("%s is larger than %d MB", fh.Filename, MaxImageBytes>>20))
		}

		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("handler/generation: reading %s: %w", field, err)
		}
		images = append(images, service.UploadedImage{Filename: fh.Filename, Data: data})
	}
	return images, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
