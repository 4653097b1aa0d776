package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/billing"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
)

// maxWebhookBytes matches the payload ceiling the processor documents.
const maxWebhookBytes = 64 << 10

// BillingHandler exposes the plan catalog, starts checkouts and receives
// processor webhooks.
type BillingHandler struct {
	billing    *service.BillingService
	verifier   billing.EventVerifier
	reconciler *billing.Reconciler
	logger     *slog.Logger
}

func NewBillingHandler(
	billingService *service.BillingService,
	verifier billing.EventVerifier,
	reconciler *billing.Reconciler,
	logger *slog.Logger,
) *BillingHandler {
	return &BillingHandler{
		billing:    billingService,
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger,
	}
}

// HandlePlans returns the plan catalog.
//
// HTTP: GET /api/plans
func (h *BillingHandler) HandlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]billing.Plan{"plans": h.billing.Plans()})
}

type checkoutRequest struct {
	PlanID string `json:"planId"`
	// Plan is accepted as an alias of planId.
	Plan string `json:"plan"`
}

// HandleCreateCheckoutSession opens a processor checkout for a plan.
//
// HTTP: POST /api/stripe/create-checkout-session
// Auth: Required
// REQUEST BODY: {"planId": "basic" | "premium"}
// RESPONSE: {"sessionId": "...", "url": "..."}
func (h *BillingHandler) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Authentication required"))
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	planID := req.PlanID
	if strings.TrimSpace(planID) == "" {
		planID = req.Plan
	}

	session, err := h.billing.CreateCheckoutSession(r.Context(), accountID, planID)
	if err != nil {
		fail(w, r, h.logger, "creating checkout session failed", err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// HandleWebhook verifies and applies one processor event.
//
// HTTP: POST /api/stripe/webhook
//
// RESPONSES:
//   - 400 when the signature does not verify; nothing changes
//   - 500 when the ledger fails; the processor retries later
//   - 200 {"received": true} otherwise, including events we ignore
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperror.ValidationFailed("", "Unreadable webhook body"))
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			h.logger.WarnContext(r.Context(), "webhook signature rejected", slog.String("error", err.Error()))
			writeError(w, apperror.ValidationFailed("", "Invalid signature"))
			return
		}
		h.logger.WarnContext(r.Context(), "webhook payload rejected", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("", "Invalid webhook payload"))
		return
	}

	if _, err := h.reconciler.Apply(r.Context(), ev); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("eventID", ev.ID),
			slog.String("eventType", ev.Type),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Webhook processing failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
