package token

import (
	"fmt"
	"strconv"
	"strings"
)

// Response header names applied by the guard on verified requests.
const (
	HeaderStatus         = "AgentAuth-Status"
	HeaderScore          = "AgentAuth-Score"
	HeaderModelFamily    = "AgentAuth-Model-Family"
	HeaderPoMIConfidence = "AgentAuth-PoMI-Confidence"
	HeaderCapabilities   = "AgentAuth-Capabilities"
	HeaderVersion        = "AgentAuth-Version"
	HeaderChallengeID    = "AgentAuth-Challenge-Id"
	HeaderTokenExpires   = "AgentAuth-Token-Expires"
)

// FormatCapabilities renders a score as a comma-separated key=value string,
// e.g. "reasoning=0.9,execution=0.85,autonomy=0.8,speed=0.75,consistency=0.88".
func FormatCapabilities(score CapabilityScore) string {
	return fmt.Sprintf(
		"reasoning=%g,execution=%g,autonomy=%g,speed=%g,consistency=%g",
		score.Reasoning, score.Execution, score.Autonomy, score.Speed, score.Consistency,
	)
}

// ParseCapabilities parses a capabilities header value into a dimension to
// score map. Malformed entries are skipped.
func ParseCapabilities(header string) map[string]float64 {
	result := make(map[string]float64)
	if header == "" {
		return result
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			continue
		}
		result[strings.TrimSpace(kv[0])] = val
	}
	return result
}
