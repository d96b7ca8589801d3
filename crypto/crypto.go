// Package crypto provides the hashing, HMAC, randomness and key-derivation
// primitives shared by the challenge, token and engine packages.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const (
	// ChallengeIDBytes is the entropy behind a challenge identifier.
	ChallengeIDBytes = 16
	// SessionTokenBytes is the entropy behind a session token.
	SessionTokenBytes = 24

	challengeIDPrefix  = "ch_"
	sessionTokenPrefix = "st_"
)

// SHA256Hex returns the lowercase hex encoding of the SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HMACSHA256 computes the raw HMAC-SHA256 digest of message under key.
func HMACSHA256(message, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HMACSHA256Hex computes HMAC-SHA256 of message under key and returns the
// digest as lowercase hex. Solve submissions bind their answer to the
// session token with exactly this construction.
func HMACSHA256Hex(message, key string) string {
	return hex.EncodeToString(HMACSHA256([]byte(message), []byte(key)))
}

// TimingSafeEqual reports whether a and b are equal without leaking the
// position of the first difference. Length is not treated as secret.
func TimingSafeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomBytes returns n bytes from the system entropy source.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return buf, nil
}

// RandomInt returns a uniform random int in [0, max). It rejects max < 1.
func RandomInt(max int) (int, error) {
	if max < 1 {
		return 0, fmt.Errorf("random int: max %d out of range", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("random int: %w", err)
	}
	return int(n.Int64()), nil
}

// NewChallengeID mints a challenge identifier: "ch_" followed by 32 hex
// characters covering 16 random bytes.
func NewChallengeID() (string, error) {
	b, err := RandomBytes(ChallengeIDBytes)
	if err != nil {
		return "", fmt.Errorf("generating challenge id: %w", err)
	}
	return challengeIDPrefix + hex.EncodeToString(b), nil
}

// NewSessionToken mints a session token: "st_" followed by 48 hex characters
// covering 24 random bytes.
func NewSessionToken() (string, error) {
	b, err := RandomBytes(SessionTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return sessionTokenPrefix + hex.EncodeToString(b), nil
}

// DeriveKey expands master into a length-byte key bound to the given info
// label using HKDF-SHA256. Distinct labels yield independent keys from the
// same master secret, so deployments can rotate one concern without
// touching the others.
func DeriveKey(master []byte, info string, length int) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("deriving key: empty master secret")
	}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key for %q: %w", info, err)
	}
	return key, nil
}
