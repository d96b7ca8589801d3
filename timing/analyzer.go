// Package timing classifies solve latencies against per-challenge baselines.
// A response time lands in one of five zones, each carrying a suspicion
// penalty and a confidence level; series of step timings are additionally
// screened for artificial patterns, and a session tracker correlates timing
// across repeated solves by the same agent.
package timing

import (
	"fmt"
	"math"

	"github.com/dyshay/agentauth/challenge"
)

// Zone names the band a response time falls into.
type Zone string

const (
	ZoneTooFast    Zone = "too_fast"
	ZoneAI         Zone = "ai_zone"
	ZoneSuspicious Zone = "suspicious"
	ZoneHuman      Zone = "human"
	ZoneTimeout    Zone = "timeout"
)

// Analysis is the verdict for a single response time.
type Analysis struct {
	ElapsedMs  float64 `json:"elapsed_ms"`
	Zone       Zone    `json:"zone"`
	Confidence float64 `json:"confidence"`
	ZScore     float64 `json:"z_score"`
	Penalty    float64 `json:"penalty"`
	Details    string  `json:"details"`
}

// PatternAnalysis is the verdict over a series of per-step timings.
type PatternAnalysis struct {
	VarianceCoefficient float64 `json:"variance_coefficient"`
	Trend               string  `json:"trend"`
	RoundNumberRatio    float64 `json:"round_number_ratio"`
	Verdict             string  `json:"verdict"`
}

// Config overrides the built-in baselines and the fallback envelope used for
// challenge types without a baseline entry.
type Config struct {
	Baselines        []Baseline
	DefaultTooFastMs float64
	DefaultAILowerMs float64
	DefaultAIUpperMs float64
	DefaultHumanMs   float64
	DefaultTimeoutMs float64
}

// Analyzer classifies response times into zones and computes penalties,
// z-scores, and confidence levels.
type Analyzer struct {
	baselines map[string]Baseline
	defaults  struct {
		tooFast float64
		aiLower float64
		aiUpper float64
		human   float64
		timeout float64
	}
}

// NewAnalyzer builds an Analyzer. A nil config selects DefaultBaselines and
// the stock fallback envelope.
func NewAnalyzer(cfg *Config) *Analyzer {
	a := &Analyzer{baselines: make(map[string]Baseline)}

	rows := DefaultBaselines
	if cfg != nil && len(cfg.Baselines) > 0 {
		rows = cfg.Baselines
	}
	for _, b := range rows {
		a.baselines[baselineKey(b.ChallengeType, b.Difficulty)] = b
	}

	a.defaults.tooFast = 50
	a.defaults.aiLower = 50
	a.defaults.aiUpper = 2000
	a.defaults.human = 10000
	a.defaults.timeout = 30000

	if cfg != nil {
		if cfg.DefaultTooFastMs > 0 {
			a.defaults.tooFast = cfg.DefaultTooFastMs
		}
		if cfg.DefaultAILowerMs > 0 {
			a.defaults.aiLower = cfg.DefaultAILowerMs
		}
		if cfg.DefaultAIUpperMs > 0 {
			a.defaults.aiUpper = cfg.DefaultAIUpperMs
		}
		if cfg.DefaultHumanMs > 0 {
			a.defaults.human = cfg.DefaultHumanMs
		}
		if cfg.DefaultTimeoutMs > 0 {
			a.defaults.timeout = cfg.DefaultTimeoutMs
		}
	}

	return a
}

func baselineKey(challengeType string, difficulty challenge.Difficulty) string {
	return fmt.Sprintf("%s:%s", challengeType, difficulty)
}

// Analyze classifies elapsedMs against the baseline for the given challenge
// type and difficulty. A positive rttMs widens the upper zone boundaries so
// network latency is not billed to the agent.
func (a *Analyzer) Analyze(challengeType string, difficulty challenge.Difficulty, elapsedMs, rttMs float64) Analysis {
	baseline, ok := a.baselines[baselineKey(challengeType, difficulty)]
	if !ok {
		baseline = a.defaultBaseline()
	}

	tolerance := 0.0
	if rttMs > 0 {
		tolerance = math.Max(rttMs*0.5, 200)
	}
	adjusted := baseline
	if tolerance > 0 {
		adjusted.AIUpperMs = baseline.AIUpperMs + tolerance
		adjusted.HumanMs = baseline.HumanMs + tolerance
	}

	zone := classifyZone(elapsedMs, adjusted)
	penalty := zonePenalty(zone, elapsedMs, adjusted)
	confidence := zoneConfidence(zone, elapsedMs, adjusted)
	details := describeZone(zone, elapsedMs, adjusted)

	// The z-score is measured against the unadjusted baseline so RTT
	// tolerance never shifts the reported deviation.
	zScore := 0.0
	if baseline.StdMs != 0 {
		zScore = (elapsedMs - baseline.MeanMs) / baseline.StdMs
	}

	// Elapsed times that land exactly on a multiple of 100ms inside the AI
	// zone smell of a scripted sleep rather than real work.
	if int(elapsedMs)%100 == 0 && zone == ZoneAI && elapsedMs > 0 {
		confidence = round3(confidence * 0.85)
		details += " [round-number timing detected]"
	}

	return Analysis{
		ElapsedMs:  elapsedMs,
		Zone:       zone,
		Confidence: confidence,
		ZScore:     math.Round(zScore*100) / 100,
		Penalty:    round3(penalty),
		Details:    details,
	}
}

// AnalyzeSteps screens a series of per-step timings for artificial patterns:
// near-zero variance and round-number clustering both read as scripted.
func (a *Analyzer) AnalyzeSteps(stepTimings []float64) PatternAnalysis {
	if len(stepTimings) < 2 {
		return PatternAnalysis{Trend: "constant", Verdict: "inconclusive"}
	}

	mean := 0.0
	for _, t := range stepTimings {
		mean += t
	}
	mean /= float64(len(stepTimings))

	variance := 0.0
	for _, t := range stepTimings {
		d := t - mean
		variance += d * d
	}
	variance /= float64(len(stepTimings))
	std := math.Sqrt(variance)

	cv := 0.0
	if mean > 0 {
		cv = std / mean
	}

	roundCount := 0
	for _, t := range stepTimings {
		if int(t)%100 == 0 {
			roundCount++
		}
	}
	roundRatio := float64(roundCount) / float64(len(stepTimings))

	verdict := "inconclusive"
	switch {
	case cv < 0.05 && len(stepTimings) >= 3:
		verdict = "artificial"
	case roundRatio > 0.5:
		verdict = "artificial"
	case cv > 0.1:
		verdict = "natural"
	}

	return PatternAnalysis{
		VarianceCoefficient: round3(cv),
		Trend:               detectTrend(stepTimings),
		RoundNumberRatio:    math.Round(roundRatio*100) / 100,
		Verdict:             verdict,
	}
}

func (a *Analyzer) defaultBaseline() Baseline {
	return Baseline{
		ChallengeType: "default",
		Difficulty:    challenge.DefaultDifficulty,
		MeanMs:        (a.defaults.aiLower + a.defaults.aiUpper) / 2,
		StdMs:         (a.defaults.aiUpper - a.defaults.aiLower) / 4,
		TooFastMs:     a.defaults.tooFast,
		AILowerMs:     a.defaults.aiLower,
		AIUpperMs:     a.defaults.aiUpper,
		HumanMs:       a.defaults.human,
		TimeoutMs:     a.defaults.timeout,
	}
}

func classifyZone(elapsed float64, b Baseline) Zone {
	switch {
	case elapsed < b.TooFastMs:
		return ZoneTooFast
	case elapsed <= b.AIUpperMs:
		return ZoneAI
	case elapsed <= b.HumanMs:
		return ZoneSuspicious
	case elapsed <= b.TimeoutMs:
		return ZoneHuman
	}
	return ZoneTimeout
}

func zonePenalty(zone Zone, elapsed float64, b Baseline) float64 {
	switch zone {
	case ZoneTooFast:
		return 1.0
	case ZoneAI:
		return 0.0
	case ZoneSuspicious:
		band := b.HumanMs - b.AIUpperMs
		if band <= 0 {
			return 0.5
		}
		return 0.3 + 0.4*(elapsed-b.AIUpperMs)/band
	case ZoneHuman:
		return 0.9
	case ZoneTimeout:
		return 1.0
	}
	return 0.0
}

func zoneConfidence(zone Zone, elapsed float64, b Baseline) float64 {
	switch zone {
	case ZoneTooFast:
		return math.Max(0.5, 1-elapsed/b.TooFastMs)
	case ZoneAI:
		dist := math.Abs(elapsed-b.MeanMs) / b.StdMs
		return math.Max(0.5, math.Min(1, 1-dist*0.15))
	case ZoneSuspicious:
		band := b.HumanMs - b.AIUpperMs
		if band <= 0 {
			return 0.4
		}
		return 0.4 + 0.2*(elapsed-b.AIUpperMs)/band
	case ZoneHuman:
		return 0.8
	case ZoneTimeout:
		return 0.95
	}
	return 0.5
}

func describeZone(zone Zone, elapsed float64, b Baseline) string {
	ms := int(math.Round(elapsed))
	switch zone {
	case ZoneTooFast:
		return fmt.Sprintf("Response time %dms is below %.0fms threshold -- likely pre-computed or scripted", ms, b.TooFastMs)
	case ZoneAI:
		return fmt.Sprintf("Response time %dms is within expected AI range [%.0fms, %.0fms]", ms, b.AILowerMs, b.AIUpperMs)
	case ZoneSuspicious:
		return fmt.Sprintf("Response time %dms exceeds AI range -- possible human assistance", ms)
	case ZoneHuman:
		return fmt.Sprintf("Response time %dms exceeds %.0fms -- likely human solver", ms, b.HumanMs)
	case ZoneTimeout:
		return fmt.Sprintf("Response time %dms exceeds timeout threshold of %.0fms", ms, b.TimeoutMs)
	}
	return ""
}

// detectTrend fits a least-squares line through the timings and buckets the
// slope, normalized by the mean, into constant/increasing/decreasing/variable.
func detectTrend(timings []float64) string {
	if len(timings) < 3 {
		return "variable"
	}

	n := float64(len(timings))
	xMean := (n - 1) / 2
	yMean := 0.0
	for _, t := range timings {
		yMean += t
	}
	yMean /= n

	num := 0.0
	den := 0.0
	for i, t := range timings {
		xi := float64(i) - xMean
		num += xi * (t - yMean)
		den += xi * xi
	}
	if den == 0 {
		return "constant"
	}
	slope := num / den

	normalized := 0.0
	if yMean > 0 {
		normalized = slope / yMean
	}

	switch {
	case math.Abs(normalized) < 0.05:
		return "constant"
	case normalized > 0.1:
		return "increasing"
	case normalized < -0.1:
		return "decreasing"
	}
	return "variable"
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
