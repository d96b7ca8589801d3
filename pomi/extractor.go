package pomi

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// numberPattern pulls the first integer or decimal out of a free-form
// response, sign included.
var numberPattern = regexp.MustCompile(`-?\d+\.?\d*`)

// Extract scores every injected canary that has a response. Canaries the
// agent ignored produce no evidence; a nil response map produces none at
// all.
func Extract(injected []Canary, responses map[string]string) []Evidence {
	if responses == nil {
		return nil
	}
	var evidence []Evidence
	for _, c := range injected {
		observed, ok := responses[c.ID]
		if !ok {
			continue
		}
		evidence = append(evidence, evaluate(c, observed))
	}
	return evidence
}

func evaluate(c Canary, observed string) Evidence {
	switch c.Analysis.Type {
	case AnalysisExactMatch:
		return evaluateExactMatch(c, observed)
	case AnalysisPattern:
		return evaluatePattern(c, observed)
	case AnalysisStatistical:
		return evaluateStatistical(c, observed)
	}
	return Evidence{CanaryID: c.ID, Observed: observed}
}

// evaluateExactMatch compares case-insensitively after trimming whitespace.
// A full match contributes the canary's whole weight, a miss 30% of it.
func evaluateExactMatch(c Canary, observed string) Evidence {
	var bestMatch string
	match := false

	for _, family := range familiesOf(c.Analysis.Expected) {
		expected := c.Analysis.Expected[family]
		if strings.EqualFold(strings.TrimSpace(observed), strings.TrimSpace(expected)) {
			bestMatch = expected
			match = true
			break
		}
	}
	if !match {
		bestMatch = firstValue(c.Analysis.Expected)
	}

	confidence := c.ConfidenceWeight * 0.3
	if match {
		confidence = c.ConfidenceWeight
	}
	return Evidence{
		CanaryID:               c.ID,
		Observed:               observed,
		Expected:               bestMatch,
		Match:                  match,
		ConfidenceContribution: confidence,
	}
}

// evaluatePattern tries each family's regex case-insensitively; families
// with an uncompilable pattern are skipped. A match contributes the whole
// weight, a miss 20% of it.
func evaluatePattern(c Canary, observed string) Evidence {
	var bestPattern string
	match := false

	for _, family := range familiesOf(c.Analysis.Patterns) {
		pattern := c.Analysis.Patterns[family]
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(observed) {
			bestPattern = pattern
			match = true
			break
		}
	}
	if !match {
		bestPattern = firstValue(c.Analysis.Patterns)
	}

	confidence := c.ConfidenceWeight * 0.2
	if match {
		confidence = c.ConfidenceWeight
	}
	return Evidence{
		CanaryID:               c.ID,
		Observed:               observed,
		Expected:               bestPattern,
		Match:                  match,
		ConfidenceContribution: confidence,
	}
}

// evaluateStatistical takes the first number in the response and matches if
// it falls within two standard deviations of any family's distribution. A
// match contributes 70% of the weight, a miss 10%.
func evaluateStatistical(c Canary, observed string) Evidence {
	value := math.NaN()
	if numText := numberPattern.FindString(observed); numText != "" {
		if v, err := strconv.ParseFloat(numText, 64); err == nil {
			value = v
		}
	}

	var bestDist string
	match := false

	if !math.IsNaN(value) {
		for _, family := range familiesOf(c.Analysis.Distributions) {
			dist := c.Analysis.Distributions[family]
			if math.Abs(value-dist.Mean) <= 2*dist.StdDev {
				bestDist = describeDistribution(family, dist)
				match = true
				break
			}
		}
	}
	if !match {
		for _, family := range familiesOf(c.Analysis.Distributions) {
			bestDist = describeDistribution(family, c.Analysis.Distributions[family])
			break
		}
	}

	confidence := c.ConfidenceWeight * 0.1
	if match {
		confidence = c.ConfidenceWeight * 0.7
	}
	return Evidence{
		CanaryID:               c.ID,
		Observed:               observed,
		Expected:               bestDist,
		Match:                  match,
		ConfidenceContribution: confidence,
	}
}

func describeDistribution(family string, dist Distribution) string {
	return fmt.Sprintf("%s: mean=%g, stddev=%g", family, dist.Mean, dist.StdDev)
}

// familiesOf returns the family keys in sorted order so evidence output is
// deterministic.
func familiesOf[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func firstValue(m map[string]string) string {
	for _, family := range familiesOf(m) {
		return m[family]
	}
	return ""
}
