package auth

import (
	"context"
	"net/http"
)

// CookieName is the session cookie carrying the signed token.
const CookieName = "auth-token"

// contextKey is unexported so only this package can read or write the
// account id stored in a request context.
type contextKey string

const accountIDKey contextKey = "accountID"

// unauthenticatedBody is the single 401 response for every failure: missing
// cookie, bad signature, expired token.
const unauthenticatedBody = `{"error":"not_authenticated","message":"Authentication required"}`

// RequireAuth reads the session cookie, validates it, and stores the
// account id in the request context. Requests without a valid token stop
// here with 401.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := extractAccountID(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(unauthenticatedBody + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}

// WithAccountID returns a context carrying the authenticated account id.
// Handler tests use it to skip the cookie round trip.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountIDFromContext returns the authenticated account id, or ("", false)
// for anonymous requests.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok && id != ""
}

func extractAccountID(r *http.Request, tokens *TokenService) (string, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", ErrInvalidToken
	}
	return tokens.Validate(cookie.Value)
}

// SessionCookie builds the cookie that carries a freshly issued token.
// secure is false only for local development over plain HTTP.
func SessionCookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(SessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearedSessionCookie expires the session cookie immediately.
func ClearedSessionCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
