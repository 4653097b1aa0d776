package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/storage"
)

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// ParseImageKey splits "<accountId>/<file>" and checks both segments.
func ParseImageKey(key string) (owner, file string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 2 {
		return "", "", apperror.ValidationFailed("filename", "Invalid filename")
	}
	for _, p := range parts {
		if !segmentPattern.MatchString(p) || p == "." || p == ".." {
			return "", "", apperror.ValidationFailed("filename", "Invalid filename")
		}
	}
	return parts[0], parts[1], nil
}

// ImageService serves and deletes stored coloring pages. Every key is
// namespaced by its owner's account id.
type ImageService struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

func NewImageService(store storage.ObjectStore, logger *slog.Logger) *ImageService {
	return &ImageService{store: store, logger: logger}
}

// Get opens an image the caller owns. The caller closes the body.
func (s *ImageService) Get(ctx context.Context, accountID, key string) (*storage.Object, error) {
	owner, _, err := ParseImageKey(key)
	if err != nil {
		return nil, err
	}
	if owner != accountID {
		return nil, apperror.Forbidden("You do not have access to this image")
	}

	obj, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, apperror.NotFound("image", key)
		}
		return nil, fmt.Errorf("service/image: %w", err)
	}
	return obj, nil
}

// DeleteResult is the outcome for one requested key.
type DeleteResult struct {
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Delete removes a batch of images. The batch is refused as a whole when
// any key is malformed or belongs to someone else; otherwise each key is
// attempted and reported on its own.
func (s *ImageService) Delete(ctx context.Context, accountID string, keys []string) ([]DeleteResult, error) {
	for _, key := range keys {
		owner, _, err := ParseImageKey(key)
		if err != nil {
			return nil, err
		}
		if owner != accountID {
			s.logger.WarnContext(ctx, "refused delete of foreign image",
				slog.String("accountID", accountID),
				slog.String("key", key),
			)
			return nil, apperror.Forbidden("You can only delete your own images")
		}
	}

	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.ErrorContext(ctx, "deleting image failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			results = append(results, DeleteResult{Filename: key, Error: "Failed to delete file"})
			continue
		}
		results = append(results, DeleteResult{Filename: key, Success: true})
	}
	return results, nil
}
