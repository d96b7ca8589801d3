// Package pomi implements proof-of-model-identity fingerprinting. Canary
// prompts are woven into challenge instructions, the agent's side answers
// are scored as evidence, and a Bayesian pass over per-family likelihoods
// identifies the model family behind the agent.
package pomi

// Method says where a canary prompt lands relative to the challenge
// instructions.
type Method string

const (
	MethodInline   Method = "inline"
	MethodPrefix   Method = "prefix"
	MethodSuffix   Method = "suffix"
	MethodEmbedded Method = "embedded"
)

// Analysis method names.
const (
	AnalysisExactMatch  = "exact_match"
	AnalysisPattern     = "pattern"
	AnalysisStatistical = "statistical"
)

// Distribution is a per-family Gaussian over the numeric answer a canary
// tends to draw from that family.
type Distribution struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Analysis describes how a canary response is scored. Exactly one of
// Expected, Patterns or Distributions is set, keyed by model family,
// according to Type.
type Analysis struct {
	Type          string                  `json:"type"`
	Expected      map[string]string       `json:"expected,omitempty"`
	Patterns      map[string]string       `json:"patterns,omitempty"`
	Distributions map[string]Distribution `json:"distributions,omitempty"`
}

// Canary is one fingerprinting probe: a prompt whose answer differs between
// model families in a measurable way.
type Canary struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	InjectionMethod  Method   `json:"injection_method"`
	Analysis         Analysis `json:"analysis"`
	ConfidenceWeight float64  `json:"confidence_weight"`
}

// Evidence is the scored outcome of one canary response.
type Evidence struct {
	CanaryID               string  `json:"canary_id"`
	Observed               string  `json:"observed"`
	Expected               string  `json:"expected"`
	Match                  bool    `json:"match"`
	ConfidenceContribution float64 `json:"confidence_contribution"`
}

// Alternative is a runner-up hypothesis with its posterior.
type Alternative struct {
	Family     string  `json:"family"`
	Confidence float64 `json:"confidence"`
}

// Identification is the classifier's verdict. Family is "unknown" when no
// hypothesis clears the confidence threshold; the best candidate then leads
// Alternatives.
type Identification struct {
	Family       string        `json:"family"`
	Confidence   float64       `json:"confidence"`
	Evidence     []Evidence    `json:"evidence"`
	Alternatives []Alternative `json:"alternatives"`
}

// DefaultFamilies are the model families scored when the configuration does
// not name its own set.
var DefaultFamilies = []string{
	"gpt-4-class",
	"claude-3-class",
	"gemini-class",
	"llama-class",
	"mistral-class",
}
