package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-image-1"

	maxResponseBytes = 64 << 20
)

// Per-token prices for gpt-image-1 in USD.
const (
	textInputPrice  = 5.0 / 1_000_000
	imageInputPrice = 10.0 / 1_000_000
	outputPrice     = 40.0 / 1_000_000
)

var _ Provider = (*OpenAIClient)(nil)

// OpenAIClient calls the image edits endpoint with the family photos as
// reference images.
type OpenAIClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient builds a client whose transport adds the API key as a
// bearer token on every request.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
	return &OpenAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: oauth2.NewClient(context.Background(), src),
	}
}

// APIError is a non-2xx answer from the provider. It unwraps to one of the
// package error categories when one applies.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string

	kind error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("imagegen: provider returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

type openAIResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Usage struct {
		InputTokens        int `json:"input_tokens"`
		OutputTokens       int `json:"output_tokens"`
		TotalTokens        int `json:"total_tokens"`
		InputTokensDetails struct {
			TextTokens  int `json:"text_tokens"`
			ImageTokens int `json:"image_tokens"`
		} `json:"input_tokens_details"`
	} `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Generate sends one edits request. A context deadline surfaces as
// ErrTimeout.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Result, error) {
	body, contentType, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", body)
	if err != nil {
		return nil, fmt.Errorf("imagegen: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("imagegen: calling provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("imagegen: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, raw)
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("imagegen: decoding response: %w", err)
	}

	result := &Result{}
	for i, d := range out.Data {
		if d.B64JSON == "" {
			continue
		}
		png, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("imagegen: decoding image %d: %w", i, err)
		}
		result.Images = append(result.Images, png)
	}
	if len(result.Images) == 0 {
		return nil, errors.New("imagegen: provider returned no images")
	}

	u := out.Usage
	textTokens := u.InputTokensDetails.TextTokens
	imageTokens := u.InputTokensDetails.ImageTokens
	if textTokens == 0 && imageTokens == 0 {
		textTokens = u.InputTokens
	}
	result.Usage = Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
		EstimatedCostUSD: float64(textTokens)*textInputPrice +
			float64(imageTokens)*imageInputPrice +
			float64(u.OutputTokens)*outputPrice,
	}
	if result.Usage.TotalTokens == 0 {
		result.Usage.TotalTokens = u.InputTokens + u.OutputTokens
	}

	return result, nil
}

// encode builds the multipart body. Images go up as image[] parts with an
// explicit PNG content type; the endpoint refuses octet-stream parts.
func (c *OpenAIClient) encode(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"model", c.model},
		{"prompt", req.Prompt},
		{"n", "1"},
		{"size", string(req.Size)},
		{"quality", string(req.Quality)},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("imagegen: writing field %s: %w", f.name, err)
		}
	}

	for i, img := range req.Images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("photo-%d.png", i)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image[]"; filename=%q`, name))
		h.Set("Content-Type", "image/png")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("imagegen: creating image part: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("imagegen: writing image part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("imagegen: closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func newAPIError(status int, raw []byte) *APIError {
	var body openAIErrorBody
	_ = json.Unmarshal(raw, &body)

	e := &APIError{
		StatusCode: status,
		Type:       body.Error.Type,
		Code:       body.Error.Code,
		Message:    body.Error.Message,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || e.Code == "invalid_api_key":
		e.kind = ErrUnauthorized
	case status == http.StatusTooManyRequests || e.Code == "insufficient_quota" || e.Code == "billing_hard_limit_reached":
		e.kind = ErrQuotaExceeded
	case e.Code == "moderation_blocked" || e.Code == "content_policy_violation" ||
		e.Type == "image_generation_user_error":
		e.kind = ErrRejected
	}
	return e
}
