package timing

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SessionAnomaly flags a suspicious timing pattern across the challenges of
// one session.
type SessionAnomaly struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

type trackerEntry struct {
	elapsedMs   float64
	zone        Zone
	timestampMs int64
}

// SessionTracker correlates solve timings across a session to catch patterns
// a single measurement cannot: zone oscillation, scripted consistency, and
// rapid successive solves. Safe for concurrent use.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[string][]trackerEntry
	now      func() int64
}

// NewSessionTracker returns an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string][]trackerEntry),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Record appends one solve timing to the session's history.
func (st *SessionTracker) Record(sessionID string, elapsedMs float64, zone Zone) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[sessionID] = append(st.sessions[sessionID], trackerEntry{
		elapsedMs:   elapsedMs,
		zone:        zone,
		timestampMs: st.now(),
	})
}

// Analyze reports the anomalies visible in a session's history so far. Fewer
// than two recorded solves yield nil.
func (st *SessionTracker) Analyze(sessionID string) []SessionAnomaly {
	st.mu.Lock()
	entries := st.sessions[sessionID]
	st.mu.Unlock()

	if len(entries) < 2 {
		return nil
	}

	var anomalies []SessionAnomaly

	// An agent solving some challenges at machine speed and others at human
	// speed suggests a human is stepping in for the hard ones.
	aiCount := 0
	humanCount := 0
	for _, e := range entries {
		switch e.zone {
		case ZoneAI:
			aiCount++
		case ZoneHuman, ZoneSuspicious:
			humanCount++
		}
	}
	if aiCount > 0 && humanCount > 0 && len(entries) >= 3 {
		severity := "medium"
		if humanCount >= aiCount {
			severity = "high"
		}
		anomalies = append(anomalies, SessionAnomaly{
			Type:        "zone_inconsistency",
			Description: fmt.Sprintf("Session oscillates between AI zone (%dx) and human/suspicious zone (%dx) across %d challenges", aiCount, humanCount, len(entries)),
			Severity:    severity,
		})
	}

	// Near-identical timings across challenges of varying difficulty read
	// as a scripted delay, not real work.
	if len(entries) >= 3 {
		sum := 0.0
		for _, e := range entries {
			sum += e.elapsedMs
		}
		mean := sum / float64(len(entries))

		if mean > 0 {
			varianceSum := 0.0
			for _, e := range entries {
				d := e.elapsedMs - mean
				varianceSum += d * d
			}
			cv := math.Sqrt(varianceSum/float64(len(entries))) / mean

			if cv < 0.05 {
				anomalies = append(anomalies, SessionAnomaly{
					Type:        "timing_variance_anomaly",
					Description: fmt.Sprintf("Timing variance coefficient %.1f%% is suspiciously low across %d challenges", cv*100, len(entries)),
					Severity:    "high",
				})
			}
		}
	}

	for i := 1; i < len(entries); i++ {
		gap := entries[i].timestampMs - entries[i-1].timestampMs
		if gap < 5000 {
			severity := "low"
			if gap < 2000 {
				severity = "high"
			}
			anomalies = append(anomalies, SessionAnomaly{
				Type:        "rapid_succession",
				Description: fmt.Sprintf("Challenges %d and %d completed %dms apart (< 5000ms threshold)", i-1, i, gap),
				Severity:    severity,
			})
			break
		}
	}

	return anomalies
}

// Clear drops all recorded timings for a session.
func (st *SessionTracker) Clear(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, sessionID)
}
