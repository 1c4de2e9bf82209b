package controller

import (
	"time"

	"github.com/example/face-verify/internal/decision"
)

// Stats aggregates controller activity since start.
type Stats struct {
	Captures          int64   `json:"captures"`
	CaptureFailures   int64   `json:"capture_failures"`
	Matches           int64   `json:"matches"`
	Matched           int64   `json:"matched"`
	NotMatched        int64   `json:"not_matched"`
	MatchFailures     int64   `json:"match_failures"`
	Discarded         int64   `json:"discarded"`
	// DroppedFrames counts live frames and direct match calls turned away
	// while a match was in flight.
	DroppedFrames     int64   `json:"dropped_frames"`
	MatchRate         float64 `json:"match_rate"`
	AverageSimilarity float64 `json:"average_similarity"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

// stats is guarded by the controller mutex.
type stats struct {
	captures        int64
	captureFailures int64
	matches         int64
	matchedCount    int64
	matchFailures   int64
	discarded       int64
	similaritySum   float64
	latencySumMs    float64
}

func (s *stats) captured()      { s.captures++ }
func (s *stats) captureFailed() { s.captureFailures++ }
func (s *stats) matchFailed()   { s.matchFailures++ }
func (s *stats) superseded()    { s.discarded++ }

func (s *stats) matched(m *Match) {
	s.matches++
	if m.Verdict == decision.Matched {
		s.matchedCount++
	}
	s.similaritySum += m.Similarity
	s.latencySumMs += m.ElapsedMs
}

func (s *stats) summary(dropped int64) Stats {
	summary := Stats{
		Captures:        s.captures,
		CaptureFailures: s.captureFailures,
		Matches:         s.matches,
		Matched:         s.matchedCount,
		NotMatched:      s.matches - s.matchedCount,
		MatchFailures:   s.matchFailures,
		Discarded:       s.discarded,
		DroppedFrames:   dropped,
	}
	if s.matches > 0 {
		summary.MatchRate = float64(s.matchedCount) / float64(s.matches)
		summary.AverageSimilarity = s.similaritySum / float64(s.matches)
		summary.AverageLatencyMs = s.latencySumMs / float64(s.matches)
	}
	return summary
}

// ReferenceInfo describes the stored reference without its vector.
type ReferenceInfo struct {
	ID         string    `json:"id"`
	Dim        int       `json:"dim"`
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot is a consistent view of the controller for presentation layers.
type Snapshot struct {
	State       State          `json:"state"`
	Busy        bool           `json:"busy"`
	Threshold   float64        `json:"threshold"`
	Reference   *ReferenceInfo `json:"reference,omitempty"`
	LastResult  *Match         `json:"last_result,omitempty"`
	LastFailure string         `json:"last_failure,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Stats       Stats          `json:"stats"`
}

// Snapshot returns the current state, last outcome and stats.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		State:       c.stateLocked(),
		Busy:        c.busy.Load(),
		Threshold:   c.threshold,
		LastFailure: string(c.lastFailure),
		LastError:   c.lastError,
		Stats:       c.stats.summary(c.dropped.Load()),
	}
	if c.reference != nil {
		snap.Reference = &ReferenceInfo{
			ID:         c.reference.ID,
			Dim:        len(c.reference.Embedding),
			CapturedAt: c.reference.CapturedAt,
		}
	}
	if c.lastResult != nil {
		m := *c.lastResult
		snap.LastResult = &m
	}
	return snap
}
