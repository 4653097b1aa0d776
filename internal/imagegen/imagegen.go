// Package imagegen turns family photos into coloring pages through an
// external image model.
//
// The package owns the request shape (size, quality, source images), the
// prompt template and the provider error categories. The OpenAI client in
// openai.go is the only Provider today.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider failure categories. Callers map these onto user-facing errors.
var (
	ErrQuotaExceeded = errors.New("imagegen: provider quota exceeded")
	ErrUnauthorized  = errors.New("imagegen: provider rejected credentials")
	ErrRejected      = errors.New("imagegen: request rejected by provider")
	ErrTimeout       = errors.New("imagegen: provider timed out")
)

// Provider generates coloring pages.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Size is the output dimension string sent to the provider.
type Size string

const (
	SizePortrait  Size = "1024x1536"
	SizeLandscape Size = "1536x1024"
)

// ParseSize accepts the orientation names used by the form as well as the
// raw dimension strings. Empty means portrait.
func ParseSize(s string) (Size, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "portrait", string(SizePortrait):
		return SizePortrait, nil
	case "landscape", string(SizeLandscape):
		return SizeLandscape, nil
	default:
		return "", fmt.Errorf("unsupported size %q: use portrait or landscape", s)
	}
}

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityAuto   Quality = "auto"
)

// ParseQuality defaults to high.
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case "":
		return QualityHigh, nil
	case QualityLow, QualityMedium, QualityHigh, QualityAuto:
		return q, nil
	default:
		return "", fmt.Errorf("unsupported quality %q", s)
	}
}

// SourceImage is a normalised PNG ready to upload.
type SourceImage struct {
	Name string
	Data []byte
}

type Request struct {
	Prompt  string
	Images  []SourceImage
	Size    Size
	Quality Quality
}

// Usage reports provider token consumption and its estimated cost.
type Usage struct {
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	TotalTokens      int     `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// Result holds the generated PNGs in provider order.
type Result struct {
	Images [][]byte
	Usage  Usage
}

// ColoringPagePrompt wraps the user's scene description in the fixed
// line-art instructions.
func ColoringPagePrompt(description string) string {
	var b strings.Builder
	b.WriteString("Transform the uploaded family photos into a coloring page. ")
	b.WriteString(strings.TrimSpace(description))
	b.WriteString("\n\nDraw clean line art suitable for coloring:\n")
	b.WriteString("- clear, bold black outlines on a white background\n")
	b.WriteString("- no filled areas, shading or gradients\n")
	b.WriteString("- simple, child-friendly shapes with recognisable faces\n")
	b.WriteString("- every person from the photos combined into one scene\n")
	b.WriteString("\nThe result should look like a page from a professional coloring book.")
	return b.String()
}
