package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/dyshay/agentauth/token"
)

type claimsKey struct{}

// RequireAgent guards next behind a valid capability token. On success the
// AgentAuth-* headers are applied to the response and the verified claims
// are stored on the request context for ClaimsFrom. Failures answer with
// the token error's status and the standard JSON error body.
func RequireAgent(next http.Handler, opts token.GuardOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := token.VerifyRequest(r, opts)
		if err != nil {
			status, typ, message := http.StatusUnauthorized, "invalid_token", err.Error()
			var terr *token.Error
			if errors.As(err, &terr) {
				status, typ, message = terr.Status, terr.Type, terr.Message
			}
			writeError(w, status, typ, message)
			return
		}

		for name, value := range res.Headers {
			w.Header().Set(name, value)
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, res.Claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFrom returns the claims RequireAgent stored on ctx, or nil when the
// request did not pass through the guard.
func ClaimsFrom(ctx context.Context) *token.Claims {
	c, _ := ctx.Value(claimsKey{}).(*token.Claims)
	return c
}
