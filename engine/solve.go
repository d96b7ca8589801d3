package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/dyshay/agentauth/challenge"
	"github.com/dyshay/agentauth/crypto"
	"github.com/dyshay/agentauth/pomi"
	"github.com/dyshay/agentauth/timing"
	"github.com/dyshay/agentauth/token"
)

// FailReason says why a solve attempt was rejected. These are protocol
// outcomes, not transport errors; HTTP surfaces return them inside a 200.
type FailReason string

const (
	FailWrongAnswer FailReason = "wrong_answer"
	FailExpired     FailReason = "expired"
	FailInvalidHMAC FailReason = "invalid_hmac"
	FailTooFast     FailReason = "too_fast"
	FailTimeout     FailReason = "timeout"

	// Reserved for stores and proxies that distinguish these cases. The
	// reference flow reports reuse as expired and has no rate limiter.
	FailAlreadyUsed FailReason = "already_used"
	FailTooSlow     FailReason = "too_slow"
	FailRateLimited FailReason = "rate_limited"
)

// SolveRequest carries a proposed solution. Answer and HMAC are required;
// the remaining fields refine timing analysis and model identification.
type SolveRequest struct {
	Answer string `json:"answer"`

	// HMAC is hex(HMAC-SHA256(key=session_token, message=answer)).
	HMAC string `json:"hmac"`

	// SessionToken is accepted for SDK compatibility; the HMAC already
	// binds the answer to it.
	SessionToken string `json:"session_token,omitempty"`

	// ClientRTTMs is the client's measured round-trip time. It widens the
	// timing zones but is capped at half the observed elapsed time.
	ClientRTTMs float64 `json:"client_rtt_ms,omitempty"`

	// ElapsedMs is the client's own stopwatch. Advisory; the server clock
	// decides.
	ElapsedMs float64 `json:"elapsed_ms,omitempty"`

	// StepTimings are per-step durations for multi-step challenges.
	StepTimings []float64 `json:"step_timings,omitempty"`

	// CanaryResponses map canary IDs to the agent's side-task answers.
	CanaryResponses map[string]string `json:"canary_responses,omitempty"`

	// Metadata carries client hints; metadata["model"] keys session
	// tracking and is the fallback model family when classification is
	// inconclusive. Never raises trust.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SolveResult is the outcome of a solve attempt. Failures zero the score;
// TimingAnalysis is attached both on success and on timing rejections so
// callers can see what tripped the gate.
type SolveResult struct {
	Success          bool                    `json:"success"`
	FailReason       FailReason              `json:"fail_reason,omitempty"`
	Score            token.CapabilityScore   `json:"score"`
	Token            string                  `json:"token,omitempty"`
	ModelIdentity    *pomi.Identification    `json:"model_identity,omitempty"`
	TimingAnalysis   *timing.Analysis        `json:"timing_analysis,omitempty"`
	PatternAnalysis  *timing.PatternAnalysis `json:"pattern_analysis,omitempty"`
	SessionAnomalies []timing.SessionAnomaly `json:"session_anomalies,omitempty"`
}

// SolveChallenge verifies a solution end to end and, on success, issues a
// capability token. The challenge is consumed on every outcome except an
// HMAC mismatch, which leaves it live: a wrong HMAC is a probe by someone
// without the session token, not an attempt by its holder.
func (e *Engine) SolveChallenge(ctx context.Context, id string, req *SolveRequest) (*SolveResult, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}
	if rec == nil {
		return &SolveResult{FailReason: FailExpired}, nil
	}

	expected := crypto.HMACSHA256Hex(req.Answer, rec.Challenge.SessionToken)
	if !crypto.TimingSafeEqual(expected, req.HMAC) {
		e.logger.Debug("solve rejected", "id", id, "reason", FailInvalidHMAC)
		return &SolveResult{FailReason: FailInvalidHMAC}, nil
	}

	// Single-use gate: whoever receives the prior entry owns this attempt.
	// A concurrent winner leaves nil behind, which reads as expired.
	prior, err := e.store.Delete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}
	if prior == nil {
		return &SolveResult{FailReason: FailExpired}, nil
	}
	rec = prior

	driver := e.registry.Get(rec.Challenge.Payload.Type)
	if driver == nil || !driver.Verify(rec.AnswerHash, req.Answer) {
		e.logger.Debug("solve rejected", "id", id, "reason", FailWrongAnswer)
		return &SolveResult{FailReason: FailWrongAnswer}, nil
	}

	var analysis *timing.Analysis
	if e.analyzer != nil {
		baseElapsed := float64(e.nowMs() - rec.CreatedAtMs)
		rtt := 0.0
		if req.ClientRTTMs > 0 {
			rtt = math.Min(req.ClientRTTMs, baseElapsed*0.5)
		}
		a := e.analyzer.Analyze(rec.Challenge.Payload.Type, rec.Challenge.Difficulty, baseElapsed-rtt, rtt)
		analysis = &a

		switch a.Zone {
		case timing.ZoneTooFast:
			e.logger.Debug("solve rejected", "id", id, "reason", FailTooFast, "elapsed_ms", a.ElapsedMs)
			return &SolveResult{FailReason: FailTooFast, TimingAnalysis: analysis}, nil
		case timing.ZoneTimeout:
			e.logger.Debug("solve rejected", "id", id, "reason", FailTimeout, "elapsed_ms", a.ElapsedMs)
			return &SolveResult{FailReason: FailTimeout, TimingAnalysis: analysis}, nil
		}
	}

	var pattern *timing.PatternAnalysis
	if e.analyzer != nil && len(req.StepTimings) > 0 {
		p := e.analyzer.AnalyzeSteps(req.StepTimings)
		pattern = &p
	}

	score := computeScore(rec.Challenge.Dimensions, analysis, pattern)

	var identity *pomi.Identification
	if e.classifier != nil && len(rec.InjectedCanaries) > 0 {
		ident := e.classifier.Classify(e.resolveCanaries(rec.InjectedCanaries), req.CanaryResponses)
		identity = &ident
	}

	modelFamily := "unknown"
	switch {
	case identity != nil && identity.Family != "unknown":
		modelFamily = identity.Family
	case req.Metadata["model"] != "":
		modelFamily = req.Metadata["model"]
	}

	var anomalies []timing.SessionAnomaly
	if e.tracker != nil && analysis != nil && req.Metadata["model"] != "" {
		session := req.Metadata["model"]
		e.tracker.Record(session, analysis.ElapsedMs, analysis.Zone)
		anomalies = e.tracker.Analyze(session)
	}

	tok, err := e.verifier.Sign(&token.SignInput{
		Sub:          id,
		Capabilities: score,
		ModelFamily:  modelFamily,
		ChallengeIDs: []string{id},
	}, e.cfg.TokenTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	e.logger.Info("challenge solved", "id", id, "type", rec.Challenge.Payload.Type,
		"model_family", modelFamily, "anomalies", len(anomalies))

	return &SolveResult{
		Success:          true,
		Score:            score,
		Token:            tok,
		ModelIdentity:    identity,
		TimingAnalysis:   analysis,
		PatternAnalysis:  pattern,
		SessionAnomalies: anomalies,
	}, nil
}

// resolveCanaries maps stored canary IDs back to catalog entries. IDs that
// have since left the catalog are skipped.
func (e *Engine) resolveCanaries(ids []string) []pomi.Canary {
	canaries := make([]pomi.Canary, 0, len(ids))
	for _, id := range ids {
		if c := e.catalog.Get(id); c != nil {
			canaries = append(canaries, *c)
		}
	}
	return canaries
}

// computeScore maps the challenge dimensions and the timing verdicts onto
// the five capability axes. Timing penalties hit speed and autonomy; an
// artificial step pattern additionally discounts autonomy and consistency.
func computeScore(dims []challenge.Dimension, analysis *timing.Analysis, pattern *timing.PatternAnalysis) token.CapabilityScore {
	penalty := 0.0
	var zone timing.Zone
	if analysis != nil {
		penalty = analysis.Penalty
		zone = analysis.Zone
	}

	patternPenalty := 0.0
	if pattern != nil && pattern.Verdict == "artificial" {
		patternPenalty = 0.3
	}

	reasoning := 0.5
	if slices.Contains(dims, challenge.DimensionReasoning) {
		reasoning = 0.9
	}
	execution := 0.5
	if slices.Contains(dims, challenge.DimensionExecution) {
		execution = 0.95
	}

	speed := round3((1 - penalty) * 0.95)

	autonomy := 0.9
	if zone == timing.ZoneHuman || zone == timing.ZoneSuspicious {
		autonomy = (1 - penalty) * 0.9
	}
	autonomy = round3(autonomy * (1 - patternPenalty))

	consistency := 0.9
	if slices.Contains(dims, challenge.DimensionMemory) {
		consistency = 0.92
	}
	consistency = round3(consistency * (1 - patternPenalty))

	return token.CapabilityScore{
		Reasoning:   reasoning,
		Execution:   execution,
		Autonomy:    autonomy,
		Speed:       speed,
		Consistency: consistency,
	}
}

// TokenVerification is the outcome of VerifyToken. Invalid tokens carry the
// error taxonomy instead of an error return so HTTP surfaces can always
// answer with a body.
type TokenVerification struct {
	Valid        bool          `json:"valid"`
	Claims       *token.Claims `json:"claims,omitempty"`
	Score        float64       `json:"score,omitempty"`
	ErrorType    string        `json:"error_type,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// VerifyToken checks a bearer token against the engine secret. It never
// returns an error: failures are reported in the result.
func (e *Engine) VerifyToken(tok string) *TokenVerification {
	claims, err := e.verifier.Verify(tok)
	if err != nil {
		out := &TokenVerification{ErrorType: "invalid_token", ErrorMessage: err.Error()}
		var terr *token.Error
		if errors.As(err, &terr) {
			out.ErrorType = terr.Type
			out.ErrorMessage = terr.Message
		}
		return out
	}
	return &TokenVerification{
		Valid:  true,
		Claims: claims,
		Score:  round3(claims.Capabilities.Mean()),
	}
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
