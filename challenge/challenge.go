// Package challenge defines the challenge model, the driver contract and the
// driver registry, together with the four reference drivers: crypto-nl,
// multi-step, ambiguous-logic and code-execution.
//
// A driver generates a payload whose answer the server can re-derive from
// the payload context. The client only ever sees the type, instructions,
// data and step count; the context stays on the server.
package challenge

import (
	"fmt"
	"math/rand/v2"

	"github.com/dyshay/agentauth/crypto"
)

// Difficulty selects how much work a generated challenge demands.
type Difficulty string

const (
	DifficultyEasy        Difficulty = "easy"
	DifficultyMedium      Difficulty = "medium"
	DifficultyHard        Difficulty = "hard"
	DifficultyAdversarial Difficulty = "adversarial"
)

// DefaultDifficulty applies when a request does not name one.
const DefaultDifficulty = DifficultyMedium

// ParseDifficulty maps s onto a known difficulty. The empty string selects
// the default.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(s); d {
	case "":
		return DefaultDifficulty, nil
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyAdversarial:
		return d, nil
	}
	return "", fmt.Errorf("unknown difficulty %q", s)
}

// Dimension names a capability a challenge exercises.
type Dimension string

const (
	DimensionReasoning Dimension = "reasoning"
	DimensionExecution Dimension = "execution"
	DimensionMemory    Dimension = "memory"
	DimensionAmbiguity Dimension = "ambiguity"
)

// Names of the reference drivers.
const (
	TypeCryptoNL       = "crypto-nl"
	TypeMultiStep      = "multi-step"
	TypeAmbiguousLogic = "ambiguous-logic"
	TypeCodeExecution  = "code-execution"
)

// Payload is the body of a challenge. Type, Instructions, Data and Steps
// are client-visible. Context holds whatever the driver needs to re-derive
// the answer server-side and must never reach the client.
type Payload struct {
	Type         string         `json:"type"`
	Instructions string         `json:"instructions"`
	Data         string         `json:"data,omitempty"` // base64 of the input bytes
	Steps        int            `json:"steps,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Challenge binds a payload to its identity, session secret and lifetime.
// CreatedAt and ExpiresAt are Unix seconds.
type Challenge struct {
	ID           string      `json:"id"`
	SessionToken string      `json:"session_token,omitempty"`
	Payload      *Payload    `json:"payload"`
	Difficulty   Difficulty  `json:"difficulty"`
	Dimensions   []Dimension `json:"dimensions,omitempty"`
	CreatedAt    int64       `json:"created_at"`
	ExpiresAt    int64       `json:"expires_at"`
}

// Public returns a copy safe to transmit: the session token and the payload
// context are stripped.
func (c *Challenge) Public() *Challenge {
	out := *c
	out.SessionToken = ""
	if c.Payload != nil {
		p := *c.Payload
		p.Context = nil
		out.Payload = &p
	}
	return &out
}

// Record is the server-side state for an outstanding challenge.
type Record struct {
	Challenge        *Challenge `json:"challenge"`
	AnswerHash       string     `json:"answer_hash"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	CreatedAtMs      int64      `json:"created_at_ms"`
	InjectedCanaries []string   `json:"injected_canaries,omitempty"`
}

// Driver generates challenges of one type and re-derives their answers.
// Implementations must be safe for concurrent use when their random source
// is left unset.
type Driver interface {
	Name() string
	Dimensions() []Dimension

	// Generate builds a fresh payload for the given difficulty. The payload
	// context carries whatever Solve needs to re-derive the answer.
	Generate(d Difficulty) (*Payload, error)

	// Solve returns the canonical answer string for a generated payload.
	Solve(p *Payload) (string, error)

	// ComputeAnswerHash returns the SHA-256 hex digest of the canonical
	// answer string.
	ComputeAnswerHash(p *Payload) (string, error)

	// Verify reports whether submitted matches the stored answer hash.
	Verify(answerHash string, submitted any) bool

	EstimatedHumanTimeMs() int64
	EstimatedAITimeMs() int64
}

// answerHash derives the stored answer hash from a driver's canonical
// answer string.
func answerHash(d Driver, p *Payload) (string, error) {
	answer, err := d.Solve(p)
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex([]byte(answer)), nil
}

// verifyAnswer hashes the submission and compares digests in constant time.
// Non-string submissions are rejected, but only after the same hash work,
// so the type check is not observable as a faster path.
func verifyAnswer(answerHash string, submitted any) bool {
	s, ok := submitted.(string)
	if !ok {
		s = fmt.Sprint(submitted)
	}
	sum := crypto.SHA256Hex([]byte(s))
	return crypto.TimingSafeEqual(answerHash, sum) && ok
}

// xorBytes returns data with every byte XORed against the low 8 bits of key.
func xorBytes(data []byte, key int) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ byte(key)
	}
	return out
}

// intN draws from r when set, else from the shared source. Structural
// choices (op picks, parameters, phrasings) go through here so tests can
// pin generation; secret material always comes from crypto/rand.
func intN(r *rand.Rand, n int) int {
	if r != nil {
		return r.IntN(n)
	}
	return rand.IntN(n)
}

// intIn returns a uniform value in [lo, hi].
func intIn(r *rand.Rand, lo, hi int) int {
	return lo + intN(r, hi-lo+1)
}

// pickOne selects a uniform element of options.
func pickOne[T any](r *rand.Rand, options []T) T {
	return options[intN(r, len(options))]
}

// shuffle permutes s uniformly, drawing from r when set.
func shuffle[T any](r *rand.Rand, s []T) {
	swap := func(i, j int) { s[i], s[j] = s[j], s[i] }
	if r != nil {
		r.Shuffle(len(s), swap)
		return
	}
	rand.Shuffle(len(s), swap)
}
