package handler

import (
	"log/slog"
	"net/http"

	"github.com/ylayali/family-coloring-page-generator/internal/apperror"
	"github.com/ylayali/family-coloring-page-generator/internal/auth"
	"github.com/ylayali/family-coloring-page-generator/internal/model"
	"github.com/ylayali/family-coloring-page-generator/internal/service"
)

// AuthHandler manages email/password sign-up, login and the session cookie.
//
// HANDLER RESPONSIBILITIES:
//   - HandleSignUp  → create a trial account and sign it in
//   - HandleLogin   → check credentials, issue the session cookie
//   - HandleLogout  → clear the session cookie
//   - HandleMe      → return the signed-in account, trial state refreshed
type AuthHandler struct {
	auth          *service.AuthService
	secureCookies bool
	logger        *slog.Logger
}

// NewAuthHandler creates an AuthHandler. secureCookies is false only in
// local development over plain http.
func NewAuthHandler(authService *service.AuthService, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:          authService,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

type userResponse struct {
	User *model.Account `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleSignUp creates an account in its free-trial state.
//
// HTTP: POST /api/auth/signup
// REQUEST BODY: {"email": "...", "password": "...", "name": "..."}
func (h *AuthHandler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var in service.SignUpInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.auth.SignUp(r.Context(), in)
	if err != nil {
		fail(w, r, h.logger, "sign-up failed", err)
		return
	}

	http.SetCookie(w, auth.SessionCookie(res.Token, h.secureCookies))
	writeJSON(w, http.StatusCreated, userResponse{User: res.Account})
}

// HandleLogin signs an existing account in.
//
// HTTP: POST /api/auth/login
// REQUEST BODY: {"email": "...", "password": "..."}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		fail(w, r, h.logger, "login failed", err)
		return
	}

	h.logger.InfoContext(r.Context(), "account signed in", slog.String("accountID", res.Account.ID))
	http.SetCookie(w, auth.SessionCookie(res.Token, h.secureCookies))
	writeJSON(w, http.StatusOK, userResponse{User: res.Account})
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /api/auth/logout
//
// Sessions are stateless JWTs, so logging out only removes the cookie.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, auth.ClearedSessionCookie(h.secureCookies))
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the signed-in account.
//
// HTTP: GET /api/auth/me
// Auth: Required
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("Authentication required"))
		return
	}

	acct, err := h.auth.Current(r.Context(), accountID)
	if err != nil {
		fail(w, r, h.logger, "loading current account failed", err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: acct})
}
