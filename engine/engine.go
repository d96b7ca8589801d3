// Package engine orchestrates the challenge lifecycle: it generates and
// stores challenges, verifies solutions, runs timing and model-identity
// analysis over them, scores the solving agent, and issues capability
// tokens.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dyshay/agentauth/challenge"
	"github.com/dyshay/agentauth/crypto"
	"github.com/dyshay/agentauth/pomi"
	"github.com/dyshay/agentauth/store"
	"github.com/dyshay/agentauth/timing"
	"github.com/dyshay/agentauth/token"
)

// ErrUnknownType rejects an init request naming a driver that is not
// registered. HTTP surfaces map it to a client error.
var ErrUnknownType = errors.New("unknown challenge type")

// Config configures an Engine. Secret and Store are required; zero values
// elsewhere select the defaults noted on each field.
type Config struct {
	// Secret signs issued tokens. At least 32 bytes.
	Secret []byte

	// Store holds outstanding challenges. Required.
	Store store.Store

	// Registry supplies the challenge drivers. Nil starts empty; drivers
	// can still be added with RegisterDriver.
	Registry *challenge.Registry

	ChallengeTTLSeconds int64                // default 30
	TokenTTLSeconds     int64                // default 3600
	Difficulty          challenge.Difficulty // default medium

	// MinScore is the mean capability score a guard should demand before
	// admitting a token holder. The solve path never enforces it; see
	// GuardOptions. Default 0.7.
	MinScore float64

	PoMI   PoMIConfig
	Timing TimingConfig

	Logger *slog.Logger // default slog.Default()
}

// PoMIConfig controls canary injection and model-family classification.
type PoMIConfig struct {
	Enabled bool

	// Canaries overrides the built-in catalog. Nil selects the defaults.
	Canaries []pomi.Canary

	// CanariesPerChallenge is how many probes each challenge carries.
	// Default 2.
	CanariesPerChallenge int

	// Families are the hypotheses the classifier scores. Default
	// pomi.DefaultFamilies.
	Families []string

	// ConfidenceThreshold is the posterior a family must clear to be named
	// in the verdict. Default 0.5.
	ConfidenceThreshold float64
}

// TimingConfig controls response-time analysis.
type TimingConfig struct {
	Enabled bool

	// Analyzer overrides baselines and the fallback zone envelope.
	Analyzer *timing.Config

	// SessionTracking correlates timings across solves that self-report
	// the same model name.
	SessionTracking bool
}

// Engine is the server core. Its methods are safe for concurrent use
// provided the configured Store is.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *challenge.Registry
	verifier *token.Verifier
	logger   *slog.Logger

	analyzer *timing.Analyzer       // nil when timing analysis is off
	tracker  *timing.SessionTracker // nil unless session tracking is on

	catalog    *pomi.Catalog // nil when PoMI is off
	injector   *pomi.Injector
	classifier *pomi.Classifier

	// nowMs is the engine clock in Unix milliseconds; tests pin it.
	nowMs func() int64
}

// New validates cfg, fills in defaults, and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("engine secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	if cfg.Store == nil {
		return nil, errors.New("engine requires a challenge store")
	}
	if cfg.Registry == nil {
		cfg.Registry = challenge.NewRegistry()
	}
	if cfg.ChallengeTTLSeconds == 0 {
		cfg.ChallengeTTLSeconds = 30
	}
	if cfg.TokenTTLSeconds == 0 {
		cfg.TokenTTLSeconds = 3600
	}
	if cfg.Difficulty == "" {
		cfg.Difficulty = challenge.DefaultDifficulty
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = 0.7
	}
	if cfg.PoMI.CanariesPerChallenge == 0 {
		cfg.PoMI.CanariesPerChallenge = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		verifier: token.NewVerifier(cfg.Secret),
		logger:   cfg.Logger,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}

	if cfg.Timing.Enabled {
		e.analyzer = timing.NewAnalyzer(cfg.Timing.Analyzer)
		if cfg.Timing.SessionTracking {
			e.tracker = timing.NewSessionTracker()
		}
	}

	if cfg.PoMI.Enabled {
		e.catalog = pomi.NewCatalog(cfg.PoMI.Canaries)
		e.injector = pomi.NewInjector(e.catalog)
		e.classifier = pomi.NewClassifier(cfg.PoMI.Families, cfg.PoMI.ConfidenceThreshold)
	}

	return e, nil
}

// RegisterDriver adds a challenge driver to the engine's registry.
func (e *Engine) RegisterDriver(d challenge.Driver) error {
	return e.registry.Register(d)
}

// GuardOptions returns verifier settings matching this engine's token secret
// and score policy, for mounting request guards in front of protected routes.
func (e *Engine) GuardOptions() token.GuardOptions {
	return token.GuardOptions{Secret: e.cfg.Secret, MinScore: e.cfg.MinScore}
}

// InitOptions narrows challenge creation. All fields are optional.
type InitOptions struct {
	// Type pins a driver by name. Unknown names error.
	Type string `json:"type,omitempty"`

	// Difficulty overrides the engine default.
	Difficulty challenge.Difficulty `json:"difficulty,omitempty"`

	// Dimensions rank drivers by coverage when Type is empty.
	Dimensions []challenge.Dimension `json:"dimensions,omitempty"`

	// SessionID tags the request in logs. Advisory.
	SessionID string `json:"session_id,omitempty"`

	// Metadata carries client hints such as a self-reported model name.
	// Advisory, never trusted.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// InitResult is the public outcome of InitChallenge. The payload context
// never appears here.
type InitResult struct {
	ID           string               `json:"id"`
	SessionToken string               `json:"session_token"`
	Challenge    *challenge.Challenge `json:"challenge"`
	ExpiresAt    int64                `json:"expires_at"`
	TTLSeconds   int64                `json:"ttl_seconds"`
}

// InitChallenge generates a challenge, stores it under the configured TTL,
// and returns the client-facing view plus the session token the solver must
// key its HMAC with.
func (e *Engine) InitChallenge(ctx context.Context, opts *InitOptions) (*InitResult, error) {
	difficulty := e.cfg.Difficulty
	var dims []challenge.Dimension
	if opts != nil {
		if opts.Difficulty != "" {
			d, err := challenge.ParseDifficulty(string(opts.Difficulty))
			if err != nil {
				return nil, err
			}
			difficulty = d
		}
		dims = opts.Dimensions
	}

	var driver challenge.Driver
	if opts != nil && opts.Type != "" {
		driver = e.registry.Get(opts.Type)
		if driver == nil {
			return nil, fmt.Errorf("%w %q", ErrUnknownType, opts.Type)
		}
	} else {
		selected, err := e.registry.Select(dims, 1)
		if err != nil {
			return nil, fmt.Errorf("selecting challenge driver: %w", err)
		}
		driver = selected[0]
	}

	payload, err := driver.Generate(difficulty)
	if err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}

	// Hash before injection so canary text never reaches the answer.
	answerHash, err := driver.ComputeAnswerHash(payload)
	if err != nil {
		return nil, fmt.Errorf("computing answer hash: %w", err)
	}

	var canaryIDs []string
	if e.injector != nil && e.cfg.PoMI.CanariesPerChallenge > 0 {
		injection := e.injector.Inject(payload, e.cfg.PoMI.CanariesPerChallenge, nil)
		payload = injection.Payload
		canaryIDs = make([]string, len(injection.Injected))
		for i, c := range injection.Injected {
			canaryIDs[i] = c.ID
		}
	}

	id, err := crypto.NewChallengeID()
	if err != nil {
		return nil, err
	}
	sessionToken, err := crypto.NewSessionToken()
	if err != nil {
		return nil, err
	}

	nowMs := e.nowMs()
	now := nowMs / 1000
	expiresAt := now + e.cfg.ChallengeTTLSeconds

	rec := &challenge.Record{
		Challenge: &challenge.Challenge{
			ID:           id,
			SessionToken: sessionToken,
			Payload:      payload,
			Difficulty:   difficulty,
			Dimensions:   driver.Dimensions(),
			CreatedAt:    now,
			ExpiresAt:    expiresAt,
		},
		AnswerHash:       answerHash,
		MaxAttempts:      3,
		CreatedAtMs:      nowMs,
		InjectedCanaries: canaryIDs,
	}

	if err := e.store.Put(ctx, rec, e.cfg.ChallengeTTLSeconds); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	attrs := []any{"id", id, "type", driver.Name(), "difficulty", difficulty, "canaries", len(canaryIDs)}
	if opts != nil && opts.SessionID != "" {
		attrs = append(attrs, "session_id", opts.SessionID)
	}
	if opts != nil && opts.Metadata["model"] != "" {
		attrs = append(attrs, "model_hint", opts.Metadata["model"])
	}
	e.logger.Debug("challenge initialized", attrs...)

	return &InitResult{
		ID:           id,
		SessionToken: sessionToken,
		Challenge:    rec.Challenge.Public(),
		ExpiresAt:    expiresAt,
		TTLSeconds:   e.cfg.ChallengeTTLSeconds,
	}, nil
}

// GetChallenge returns the public view of an outstanding challenge. Absent,
// expired, and session-token-mismatched challenges are all reported as nil
// so a prober cannot tell them apart.
func (e *Engine) GetChallenge(ctx context.Context, id, sessionToken string) (*challenge.Challenge, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if !crypto.TimingSafeEqual(rec.Challenge.SessionToken, sessionToken) {
		return nil, nil
	}
	return rec.Challenge.Public(), nil
}
