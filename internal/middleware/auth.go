package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

type ctxKey int

const userKey ctxKey = iota

// TokenVerifier resolves a bearer token to the user it was issued to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's email in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			email, err := verifier.Verify(r.Context(), token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				utils.RespondError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), email)))
		})
	}
}

// WithUser returns ctx carrying the authenticated email.
func WithUser(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, userKey, email)
}

// UserFromContext returns the authenticated email, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(userKey).(string)
	return email, ok && email != ""
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
