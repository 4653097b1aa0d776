package handler_test

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylayali/family-coloring-page-generator/internal/imagegen"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
)

// multipartRequest builds a POST /api/images form with the given fields
// and one image_N part per photo.
func multipartRequest(t *testing.T, fields map[string]string, photos ...[]byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for i, data := range photos {
		part, err := mw.CreateFormFile(fmt.Sprintf("image_%d", i), fmt.Sprintf("photo-%d.jpg", i))
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestGenerate_Success(t *testing.T) {
	f := newAPIFixture(t)
	a := f.seed(t, "parent@example.com", 3)

	rr := f.do(t, multipartRequest(t, map[string]string{
		"prompt": "Grandma and the kids flying kites",
		"size":   "portrait",
	}, testPhoto(t), testPhoto(t)), a.ID)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	res := decode[service.GenerationResult](t, rr)
	assert.Equal(t, 2, res.CreditsRemaining)
	assert.Equal(t, 42, res.Usage.TotalTokens)
	require.Len(t, res.Images, 1)
	assert.True(t, strings.HasPrefix(res.Images[0].Filename, a.ID+"/coloring-page-"))
	assert.Equal(t, "png", res.Images[0].OutputFormat)

	// The returned URL serves the page to its owner.
	get := f.do(t, httptest.NewRequest(http.MethodGet, res.Images[0].URL, nil), a.ID)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "image/png", get.Header().Get("Content-Type"))
	assert.Equal(t, "private, max-age=31536000, immutable", get.Header().Get("Cache-Control"))
	assert.Equal(t, "\x89PNG generated", get.Body.String())
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name        string
		credits     int
		providerErr error
		fields      map[string]string
		photos      int
		wantStatus  int
		wantError   string
	}{
		{"no credits", 0, nil, map[string]string{"prompt": "family"}, 1, http.StatusPaymentRequired, "no_credits"},
		{"missing prompt", 3, nil, map[string]string{}, 1, http.StatusBadRequest, "validation_error"},
		{"no photos", 3, nil, map[string]string{"prompt": "family"}, 0, http.StatusBadRequest, "validation_error"},
		{"bad size", 3, nil, map[string]string{"prompt": "family", "size": "square"}, 1, http.StatusBadRequest, "validation_error"},
		{"provider quota", 3, imagegen.ErrQuotaExceeded, map[string]string{"prompt": "family"}, 1, http.StatusTooManyRequests, "provider_quota_exceeded"},
		{"provider rejected", 3, imagegen.ErrRejected, map[string]string{"prompt": "family"}, 1, http.StatusUnprocessableEntity, "generation_rejected"},
		{"provider timeout", 3, imagegen.ErrTimeout, map[string]string{"prompt": "family"}, 1, http.StatusGatewayTimeout, "provider_timeout"},
		{"provider credentials", 3, imagegen.ErrUnauthorized, map[string]string{"prompt": "family"}, 1, http.StatusBadGateway, "provider_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.provider.err = tt.providerErr
			a := f.seed(t, "parent@example.com", tt.credits)

			photos := make([][]byte, tt.photos)
			for i := range photos {
				photos[i] = testPhoto(t)
			}

			rr := f.do(t, multipartRequest(t, tt.fields, photos...), a.ID)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Equal(t, tt.wantError, decode[errorBody](t, rr).Error)
			assert.Equal(t, tt.credits, mustAccount(t, f, a.ID).CreditsRemaining, "balance must not change")
		})
	}
}

func TestGenerate_RequiresMultipart(t *testing.T) {
	f := newAPIFixture(t)
	a := f.seed(t, "parent@example.com", 3)

	rr := f.do(t, jsonRequest(http.MethodPost, "/api/images", map[string]string{"prompt": "family"}), a.ID)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGenerate_RequiresAuth(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, multipartRequest(t, map[string]string{"prompt": "family"}, testPhoto(t)), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
