package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/imagegen"
	"github.com/ylayali/family-coloring-page-generator/internal/metrics"
	"github.com/ylayali/family-coloring-page-generator/internal/repository"
	"github.com/ylayali/family-coloring-page-generator/internal/storage"
)

const (
	MaxPromptLength = 1000
	MaxSourceImages = 10

	DefaultGenerationTimeout = 120 * time.Second
)

// UploadedImage is one source photo as received from the client.
type UploadedImage struct {
	Filename string
	Data     []byte
}

type GenerationInput struct {
	Prompt  string
	Size    string
	Quality string
	Images  []UploadedImage
}

type GeneratedImage struct {
	Filename     string `json:"filename"`
	OutputFormat string `json:"output_format"`
	URL          string `json:"url"`
}

type GenerationResult struct {
	Images           []GeneratedImage `json:"images"`
	Usage            imagegen.Usage   `json:"usage"`
	CreditsRemaining int              `json:"creditsRemaining"`
}

// GenerationService is the generation gate: it decides whether a request
// may spend a credit and charges exactly one credit per delivered result.
//
// ORDER OF OPERATIONS:
//  1. Refresh the account (trial expiry is applied first)
//  2. Refuse with no_credits on an empty balance
//  3. Validate and normalise the input (no provider call on bad input)
//  4. Call the provider under a timeout
//  5. Store every output
//  6. Debit one credit atomically
//
// Any failure before step 6 leaves the balance untouched. If the debit
// loses a race for the last credit, the stored outputs are deleted.
type GenerationService struct {
	refresher *AccountService
	ledger    repository.AccountRepository
	provider  imagegen.Provider
	store     storage.ObjectStore
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newName   func() string
}

func NewGenerationService(
	refresher *AccountService,
	ledger repository.AccountRepository,
	provider imagegen.Provider,
	store storage.ObjectStore,
	timeout time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *GenerationService {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &GenerationService{
		refresher: refresher,
		ledger:    ledger,
		provider:  provider,
		store:     store,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
		newName: func() string {
			return "coloring-page-" + uuid.NewString() + ".png"
		},
	}
}

func (s *GenerationService) Generate(ctx context.Context, accountID string, in GenerationInput) (*GenerationResult, error) {
	acct, err := s.refresher.Refresh(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.CreditsRemaining <= 0 {
		s.metrics.ObserveGeneration("no_credits")
		return nil, apperror.NoCredits()
	}

	req, err := buildRequest(in)
	if err != nil {
		s.metrics.ObserveGeneration("invalid")
		return nil, err
	}

	res, err := s.callProvider(ctx, accountID, req)
	if err != nil {
		return nil, err
	}

	keys, err := s.storeAll(ctx, accountID, res.Images)
	if err != nil {
		s.metrics.ObserveGeneration("storage_error")
		return nil, err
	}

	updated, err := s.ledger.DebitCredit(ctx, accountID)
	if err != nil {
		s.discard(ctx, keys)
		if errors.Is(err, apperror.ErrNoCredits) {
			s.logger.WarnContext(ctx, "credit taken by a concurrent request, discarding result",
				slog.String("accountID", accountID),
			)
			s.metrics.ObserveGeneration("lost_race")
			return nil, apperror.NoCredits()
		}
		s.metrics.ObserveGeneration("error")
		return nil, fmt.Errorf("service/generation: debiting credit: %w", err)
	}
	s.metrics.ObserveDebit()
	s.metrics.ObserveGeneration("success")

	out := &GenerationResult{
		Images:           make([]GeneratedImage, 0, len(keys)),
		Usage:            res.Usage,
		CreditsRemaining: updated.CreditsRemaining,
	}
	for _, key := range keys {
		out.Images = append(out.Images, GeneratedImage{
			Filename:     key,
			OutputFormat: "png",
			URL:          "/api/images/" + key,
		})
	}

	s.logger.InfoContext(ctx, "coloring page generated",
		slog.String("accountID", accountID),
		slog.Int("images", len(keys)),
		slog.Int("creditsRemaining", updated.CreditsRemaining),
		slog.Int("totalTokens", res.Usage.TotalTokens),
	)
	return out, nil
}

// buildRequest validates the input and normalises every photo.
func buildRequest(in GenerationInput) (imagegen.Request, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return imagegen.Request{}, apperror.ValidationFailed("prompt", "Prompt is required")
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return imagegen.Request{}, apperror.ValidationFailed("prompt",
			fmt.Sprintf("Prompt must be %d characters or fewer", MaxPromptLength))
	}

	if len(in.Images) == 0 {
		return imagegen.Request{}, apperror.ValidationFailed("images", "At least one image is required")
	}
	if len(in.Images) > MaxSourceImages {
		return imagegen.Request{}, apperror.ValidationFailed("images",
			fmt.Sprintf("At most %d images can be combined", MaxSourceImages))
	}

	size, err := imagegen.ParseSize(in.Size)
	if err != nil {
		return imagegen.Request{}, apperror.ValidationFailed("size", "Size must be portrait or landscape")
	}
	quality, err := imagegen.ParseQuality(in.Quality)
	if err != nil {
		return imagegen.Request{}, apperror.ValidationFailed("quality", "Quality must be low, medium, high or auto")
	}

	images := make([]imagegen.SourceImage, 0, len(in.Images))
	for i, up := range in.Images {
		src, err := imagegen.PrepareSource(up.Filename, up.Data)
		if err != nil {
			if errors.Is(err, imagegen.ErrUnsupportedImage) {
				return imagegen.Request{}, apperror.ValidationFailed(fmt.Sprintf("image_%d", i),
					fmt.Sprintf("%s: only JPG, PNG, GIF and BMP photos are supported", up.Filename))
			}
			return imagegen.Request{}, fmt.Errorf("service/generation: preparing %s: %w", up.Filename, err)
		}
		images = append(images, src)
	}

	return imagegen.Request{
		Prompt:  imagegen.ColoringPagePrompt(prompt),
		Images:  images,
		Size:    size,
		Quality: quality,
	}, nil
}

func (s *GenerationService) callProvider(ctx context.Context, accountID string, req imagegen.Request) (*imagegen.Result, error) {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.provider.Generate(pctx, req)
	s.metrics.ObserveProviderCall(time.Since(start))

	if err == nil && len(res.Images) == 0 {
		err = errors.New("provider returned no images")
	}
	if err != nil {
		appErr, outcome := classifyProviderError(err, pctx)
		s.metrics.ObserveGeneration(outcome)
		s.logger.ErrorContext(ctx, "image generation failed",
			slog.String("accountID", accountID),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		return nil, appErr
	}
	return res, nil
}

func classifyProviderError(err error, ctx context.Context) (*apperror.AppError, string) {
	switch {
	case errors.Is(err, imagegen.ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperror.Provider(apperror.ErrProviderTimeout,
			"Generating the coloring page took too long. Please try again."), "provider_timeout"
	case errors.Is(err, imagegen.ErrQuotaExceeded):
		return apperror.Provider(apperror.ErrProviderQuota,
			"The image service is busy right now. Please try again later."), "provider_quota"
	case errors.Is(err, imagegen.ErrUnauthorized):
		return apperror.Provider(apperror.ErrProviderUnavailable,
			"The image service is unavailable right now. Please try again later."), "provider_unavailable"
	case errors.Is(err, imagegen.ErrRejected):
		return apperror.Provider(apperror.ErrProviderRejected,
			"These photos or this description could not be turned into a coloring page. Try different ones."), "provider_rejected"
	default:
		return apperror.Provider(apperror.ErrProvider,
			"Failed to generate coloring page. Please try again."), "provider_error"
	}
}

// storeAll uploads every output concurrently. On any failure the objects
// already written are removed and no key is returned.
func (s *GenerationService) storeAll(ctx context.Context, accountID string, images [][]byte) ([]string, error) {
	keys := make([]string, len(images))
	for i := range images {
		keys[i] = accountID + "/" + s.newName()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, data := range images {
		g.Go(func() error {
			return s.store.Put(gctx, keys[i], data, "image/png")
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.ErrorContext(ctx, "storing generated images failed",
			slog.String("accountID", accountID),
			slog.String("error", err.Error()),
		)
		s.discard(ctx, keys)
		return nil, fmt.Errorf("service/generation: storing images: %w", err)
	}
	return keys, nil
}

// discard deletes stored outputs on a best-effort basis. It runs even when
// the request context is already cancelled.
func (s *GenerationService) discard(ctx context.Context, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "removing discarded image failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}
