package token

import (
	"fmt"
	"net/http"
	"strings"
)

// GuardOptions configures VerifyRequest.
type GuardOptions struct {
	Secret   []byte
	MinScore float64 // 0 selects 0.7
}

// GuardResult is a successful request verification: the claims plus the
// AgentAuth-* headers the caller should apply to its response.
type GuardResult struct {
	Claims  *Claims
	Headers map[string]string
}

// VerifyRequest extracts the Bearer token from r, verifies it, and enforces
// the minimum mean capability score. Failures are *Error values: 401 for
// token problems, 403 for an insufficient score.
func VerifyRequest(r *http.Request, opts GuardOptions) (*GuardResult, error) {
	raw := BearerToken(r)
	if raw == "" {
		return nil, newError(401, "missing_token", "missing bearer token")
	}

	minScore := opts.MinScore
	if minScore == 0 {
		minScore = 0.7
	}

	claims, err := NewVerifier(opts.Secret).Verify(raw)
	if err != nil {
		return nil, err
	}

	avg := claims.Capabilities.Mean()
	if avg < minScore {
		return nil, newError(403, "insufficient_score",
			fmt.Sprintf("insufficient capability score: %.2f < %.2f", avg, minScore))
	}

	headers := map[string]string{
		HeaderStatus:       "verified",
		HeaderScore:        fmt.Sprintf("%.2f", avg),
		HeaderModelFamily:  claims.ModelFamily,
		HeaderCapabilities: FormatCapabilities(claims.Capabilities),
		HeaderVersion:      claims.AgentAuthVersion,
		HeaderTokenExpires: fmt.Sprintf("%d", claims.Exp),
	}
	if len(claims.ChallengeIDs) > 0 {
		headers[HeaderChallengeID] = claims.ChallengeIDs[0]
	}

	return &GuardResult{Claims: claims, Headers: headers}, nil
}

// BearerToken returns the Bearer credential from r's Authorization header,
// or "" when absent.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
