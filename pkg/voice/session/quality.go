package session

import (
	"context"
	"time"
)

// QualityLevel is a coarse connection quality bucket for UI display.
// Ordered worst to best so the numeric value doubles as a score.
type QualityLevel int32

const (
	QualityPoor QualityLevel = iota
	QualityFair
	QualityGood
	QualityExcellent
)

// String returns the lowercase level name.
func (q QualityLevel) String() string {
	switch q {
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	}
	return "unknown"
}

// qualityWindow is how often the estimate is recomputed.
const qualityWindow = 5 * time.Second

// Loss and RTT thresholds, worst bucket first. A window is bucketed by the
// worst dimension: high loss with low RTT is still a poor connection.
var qualityThresholds = []struct {
	level QualityLevel
	loss  float64
	rtt   time.Duration
}{
	{QualityPoor, 0.10, 500 * time.Millisecond},
	{QualityFair, 0.05, 300 * time.Millisecond},
	{QualityGood, 0.02, 150 * time.Millisecond},
}

// qualityFor buckets one window's loss fraction and RTT.
func qualityFor(loss float64, rtt time.Duration) QualityLevel {
	for _, t := range qualityThresholds {
		if loss > t.loss || rtt > t.rtt {
			return t.level
		}
	}
	return QualityExcellent
}

// qualityLoop recomputes the connection quality estimate once per window
// from the per-speaker jitter buffer statistics and the externally reported
// round-trip time.
func (s *Session) qualityLoop(ctx context.Context) error {
	ticker := time.NewTicker(qualityWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.updateQuality(ctx)
		}
	}
}

// updateQuality aggregates one window of per-speaker stats deltas into a
// loss fraction, combines it with the reported RTT, and publishes the
// resulting bucket.
func (s *Session) updateQuality(ctx context.Context) {
	var expected, received uint64
	for id, sp := range s.snapshotSpeakers() {
		cur := sp.buf.Stats()

		// Window deltas against the previous snapshot. The quality loop is
		// the only writer of prev.
		expected += cur.Expected - sp.prev.Expected
		received += cur.Received - sp.prev.Received
		if d := cur.Conceals - sp.prev.Conceals; d > 0 {
			s.met.Conceals.Add(ctx, int64(d))
		}
		if d := cur.Skips - sp.prev.Skips; d > 0 {
			s.met.Skips.Add(ctx, int64(d))
		}
		sp.prev = cur

		s.met.RecordJitterDepth(ctx, id, sp.buf.TargetDepth())
	}

	var loss float64
	if expected > received {
		loss = float64(expected-received) / float64(expected)
	}
	rtt := time.Duration(s.rttNanos.Load())

	level := qualityFor(loss, rtt)
	prev := QualityLevel(s.quality.Swap(int32(level)))
	s.met.ConnectionQuality.Record(ctx, int64(level))
	if level != prev {
		s.log.Info("session: connection quality changed",
			"from", prev.String(), "to", level.String(),
			"loss", loss, "rtt", rtt,
		)
	}
}
