// Package token issues and verifies the bearer credentials handed out after a
// successful solve. Tokens are compact HS256 JWTs carrying the capability
// score and model identity; verification is local and needs only the shared
// secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Issuer is the iss claim stamped into every signed token.
const Issuer = "agentauth"

// Version is the agentauth_version claim value this package produces.
const Version = "1"

// CapabilityScore grades an agent along five dimensions, each in [0, 1].
type CapabilityScore struct {
	Reasoning   float64 `json:"reasoning"`
	Execution   float64 `json:"execution"`
	Autonomy    float64 `json:"autonomy"`
	Speed       float64 `json:"speed"`
	Consistency float64 `json:"consistency"`
}

// Mean returns the average of the five dimensions.
func (s CapabilityScore) Mean() float64 {
	return (s.Reasoning + s.Execution + s.Autonomy + s.Speed + s.Consistency) / 5
}

// Claims is the claim set carried by an issued token.
type Claims struct {
	Sub              string          `json:"sub"`
	Iss              string          `json:"iss"`
	Iat              int64           `json:"iat"`
	Exp              int64           `json:"exp"`
	Jti              string          `json:"jti"`
	Capabilities     CapabilityScore `json:"capabilities"`
	ModelFamily      string          `json:"model_family"`
	ChallengeIDs     []string        `json:"challenge_ids"`
	AgentAuthVersion string          `json:"agentauth_version"`
}

// Error is a typed token failure carrying the HTTP status class it maps to.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("token error [%d] %s: %s", e.Status, e.Type, e.Message)
}

func newError(status int, typ, message string) *Error {
	return &Error{Status: status, Type: typ, Message: message}
}

// SignInput names the per-token claims; Sign stamps the rest.
type SignInput struct {
	Sub          string
	Capabilities CapabilityScore
	ModelFamily  string
	ChallengeIDs []string
}

// Verifier signs and verifies tokens under a shared HS256 secret.
type Verifier struct {
	secret []byte
}

// NewVerifier wraps secret for signing and verification.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Sign issues a token for input, valid for ttlSeconds (0 selects 3600).
func (v *Verifier) Sign(input *SignInput, ttlSeconds int64) (string, error) {
	if ttlSeconds == 0 {
		ttlSeconds = 3600
	}

	now := time.Now().Unix()
	claims := Claims{
		Sub:              input.Sub,
		Iss:              Issuer,
		Iat:              now,
		Exp:              now + ttlSeconds,
		Jti:              uuid.NewString(),
		Capabilities:     input.Capabilities,
		ModelFamily:      input.ModelFamily,
		ChallengeIDs:     input.ChallengeIDs,
		AgentAuthVersion: Version,
	}

	headerJSON, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshaling token header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling token claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(v.sign(signingInput)), nil
}

func (v *Verifier) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Verify checks the signature, issuer, and expiry of token and returns its
// claims. Failures are *Error values with 401 statuses.
func (v *Verifier) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newError(401, "invalid_token", "invalid token format")
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, newError(401, "invalid_token", "invalid token header")
	}
	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, newError(401, "invalid_token", "invalid token header")
	}
	if h.Alg != "HS256" {
		return nil, newError(401, "invalid_token", fmt.Sprintf("unsupported algorithm: %s", h.Alg))
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, newError(401, "invalid_signature", "invalid token signature encoding")
	}
	if subtle.ConstantTimeCompare(v.sign(parts[0]+"."+parts[1]), sig) != 1 {
		return nil, newError(401, "invalid_signature", "invalid token signature")
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, newError(401, "invalid_token", "invalid token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, newError(401, "invalid_token", "invalid token payload")
	}

	if claims.Iss != Issuer {
		return nil, newError(401, "invalid_issuer", "invalid token issuer")
	}
	if time.Now().Unix() > claims.Exp {
		return nil, newError(401, "token_expired", "token has expired")
	}

	return &claims, nil
}

// Decode extracts the claims without checking the signature or expiry. Use
// it for inspection only; failures are *Error values with 400 statuses.
func Decode(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, newError(400, "decode_error", "invalid token format")
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, newError(400, "decode_error", "invalid token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, newError(400, "decode_error", "invalid token payload")
	}
	return &claims, nil
}

// decodeSegment tolerates both padded and unpadded base64url.
func decodeSegment(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
