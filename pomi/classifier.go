package pomi

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Classifier infers the model family behind a set of canary responses by
// Bayesian update over per-family likelihoods, starting from a uniform
// prior.
type Classifier struct {
	families  []string
	threshold float64
}

// NewClassifier returns a classifier over the given families, defaulting to
// DefaultFamilies when empty and to a 0.5 confidence threshold when
// threshold is not positive.
func NewClassifier(families []string, threshold float64) *Classifier {
	if len(families) == 0 {
		families = DefaultFamilies
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Classifier{families: families, threshold: threshold}
}

// Classify updates the posterior once per answered canary and returns the
// best hypothesis. When the winner stays below the confidence threshold the
// family is reported as "unknown" and the winner leads Alternatives instead.
func (c *Classifier) Classify(canaries []Canary, responses map[string]string) Identification {
	if responses == nil || len(canaries) == 0 {
		return Identification{Family: "unknown"}
	}
	evidence := Extract(canaries, responses)
	if len(evidence) == 0 {
		return Identification{Family: "unknown"}
	}

	posteriors := make(map[string]float64, len(c.families))
	for _, family := range c.families {
		posteriors[family] = 1.0 / float64(len(c.families))
	}

	for _, canary := range canaries {
		response, ok := responses[canary.ID]
		if !ok {
			continue
		}
		for _, family := range c.families {
			posteriors[family] *= likelihood(canary, response, family)
		}
		// Normalizing after every update keeps the posteriors from
		// underflowing across long canary chains.
		normalize(posteriors)
	}

	best := "unknown"
	bestConfidence := 0.0
	for _, family := range c.families {
		if p := posteriors[family]; p > bestConfidence {
			bestConfidence = p
			best = family
		}
	}

	alternatives := make([]Alternative, 0, len(c.families))
	for _, family := range c.families {
		if family != best {
			alternatives = append(alternatives, Alternative{
				Family:     family,
				Confidence: round3(posteriors[family]),
			})
		}
	}
	slices.SortStableFunc(alternatives, func(a, b Alternative) int {
		switch {
		case a.Confidence > b.Confidence:
			return -1
		case a.Confidence < b.Confidence:
			return 1
		}
		return 0
	})

	if bestConfidence < c.threshold {
		return Identification{
			Family:     "unknown",
			Confidence: round3(bestConfidence),
			Evidence:   evidence,
			Alternatives: append([]Alternative{
				{Family: best, Confidence: round3(bestConfidence)},
			}, alternatives...),
		}
	}
	return Identification{
		Family:       best,
		Confidence:   round3(bestConfidence),
		Evidence:     evidence,
		Alternatives: alternatives,
	}
}

// likelihood scores how probable the response is under the family's
// signature. Families missing from the canary's analysis table stay at the
// 0.5 indifference point.
func likelihood(c Canary, response, family string) float64 {
	weight := c.ConfidenceWeight

	switch c.Analysis.Type {
	case AnalysisExactMatch:
		expected, ok := c.Analysis.Expected[family]
		if !ok {
			return 0.5
		}
		if strings.EqualFold(strings.TrimSpace(response), strings.TrimSpace(expected)) {
			return 0.5 + 0.5*weight
		}
		return 0.5 - 0.4*weight

	case AnalysisPattern:
		pattern, ok := c.Analysis.Patterns[family]
		if !ok {
			return 0.5
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return 0.5
		}
		if re.MatchString(response) {
			return 0.5 + 0.45*weight
		}
		return 0.5 - 0.35*weight

	case AnalysisStatistical:
		dist, ok := c.Analysis.Distributions[family]
		if !ok {
			return 0.5
		}
		numText := numberPattern.FindString(response)
		if numText == "" {
			return 0.5
		}
		value, err := strconv.ParseFloat(numText, 64)
		if err != nil {
			return 0.5
		}
		scaled := gaussianPDF(value, dist.Mean, dist.StdDev) / gaussianPDF(dist.Mean, dist.Mean, dist.StdDev)
		return 0.1 + 0.8*scaled*weight
	}
	return 0.5
}

func gaussianPDF(x, mean, stddev float64) float64 {
	z := (x - mean) / stddev
	return math.Exp(-0.5*z*z) / (stddev * math.Sqrt(2*math.Pi))
}

func normalize(posteriors map[string]float64) {
	sum := 0.0
	for _, v := range posteriors {
		sum += v
	}
	if sum == 0 {
		for k := range posteriors {
			posteriors[k] = 1.0 / float64(len(posteriors))
		}
		return
	}
	for k, v := range posteriors {
		posteriors[k] = v / sum
	}
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
