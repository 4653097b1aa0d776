package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/billing"
	billingstripe "github.com/ylayali/family-coloring-page-generator/internal/billing/stripe"
	"github.com/ylayali/family-coloring-page-generator/internal/handler"
	"github.com/ylayali/family-coloring-page-generator/internal/imagegen"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/memory"
	"github.com/ylayali/family-coloring-page-generator/internal/repository/repositorytest"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
	"github.com/ylayali/family-coloring-page-generator/internal/storage"
	"github.com/ylayali/family-coloring-page-generator/internal/trial"
)

// =========================================================================
// FAKES
// =========================================================================

type fakeProvider struct {
	err error
}

func (f *fakeProvider) Generate(_ context.Context, _ imagegen.Request) (*imagegen.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imagegen.Result{
		Images: [][]byte{[]byte("\x89PNG generated")},
		Usage:  imagegen.Usage{TotalTokens: 42},
	}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, deleteErr: map[string]error{}}
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.Object{
		Key:         key,
		ContentType: storage.ContentTypeFor(key),
		Size:        int64(len(data)),
		Body:        io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	delete(f.objects, key)
	return nil
}

type fakeProcessor struct{}

func (fakeProcessor) CreateCustomer(context.Context, billing.CustomerParams) (string, error) {
	return "cus_handler", nil
}

func (fakeProcessor) CreateCheckoutSession(_ context.Context, p billing.CheckoutParams) (*billing.CheckoutSession, error) {
	return &billing.CheckoutSession{ID: "cs_" + p.PriceID, URL: "https://checkout.example/" + p.PriceID}, nil
}

// =========================================================================
// FIXTURE
// =========================================================================

const webhookSecret = "whsec_handler_test"

type apiFixture struct {
	router   http.Handler
	ledger   *memory.Store
	tokens   *auth.TokenService
	provider *fakeProvider
	store    *fakeStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newAPIFixture wires the real services over the in-memory ledger and
// mounts the handlers the way the server does.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := discardLogger()

	ledger := memory.New()
	tokens, err := auth.NewTokenService("handler-test-secret-0123456789")
	require.NoError(t, err)
	provider := &fakeProvider{}
	store := newFakeStore()
	catalog := billing.NewCatalog("price_basic", "price_premium")

	accounts := service.NewAccountService(ledger, trial.New(7), logger, nil)
	authService := service.NewAuthService(ledger, accounts, tokens, auth.NewPasswordServiceForTest(4), logger, 3)
	generator := service.NewGenerationService(accounts, ledger, provider, store, time.Second, logger, nil)
	images := service.NewImageService(store, logger)
	billingService := service.NewBillingService(ledger, fakeProcessor{}, catalog, "https://pages.example", logger)
	reconciler := billing.NewReconciler(ledger, catalog, logger, nil)

	authH := handler.NewAuthHandler(authService, false, logger)
	genH := handler.NewGenerationHandler(generator, logger)
	imageH := handler.NewImageHandler(images, logger)
	billingH := handler.NewBillingHandler(billingService, billingstripe.NewWebhookVerifier(webhookSecret), reconciler, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", authH.HandleSignUp)
		r.Post("/auth/login", authH.HandleLogin)
		r.Post("/auth/logout", authH.HandleLogout)
		r.Get("/plans", billingH.HandlePlans)
		r.Post("/stripe/webhook", billingH.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))
			r.Get("/auth/me", authH.HandleMe)
			r.Post("/images", genH.HandleGenerate)
			r.Get("/images/{accountId}/{file}", imageH.HandleGet)
			r.Post("/image-delete", imageH.HandleDelete)
			r.Post("/stripe/create-checkout-session", billingH.HandleCreateCheckoutSession)
		})
	})

	return &apiFixture{router: r, ledger: ledger, tokens: tokens, provider: provider, store: store}
}

// seed stores a trial account that started now.
func (f *apiFixture) seed(t *testing.T, email string, credits int) *model.Account {
	t.Helper()
	a := repositorytest.NewTrialAccount(email, credits, time.Now())
	require.NoError(t, f.ledger.Create(context.Background(), a))
	return a
}

// do sends req, signed in as accountID unless it is empty.
func (f *apiFixture) do(t *testing.T, req *http.Request, accountID string) *httptest.ResponseRecorder {
	t.Helper()
	if accountID != "" {
		token, err := f.tokens.Generate(accountID)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func jsonRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func testPhoto(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(6, 4, color.NRGBA{R: 10, G: 200, B: 90, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func mustAccount(t *testing.T, f *apiFixture, id string) *model.Account {
	t.Helper()
	a, err := f.ledger.GetByID(context.Background(), id)
	require.NoError(t, err, fmt.Sprintf("account %s", id))
	return a
}
