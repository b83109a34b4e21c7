package session

import (
	"testing"
	"time"
)

func TestQualityFor(t *testing.T) {
	cases := []struct {
		name string
		loss float64
		rtt  time.Duration
		want QualityLevel
	}{
		{"clean link", 0, 50 * time.Millisecond, QualityExcellent},
		{"no rtt reported", 0.01, 0, QualityExcellent},
		{"mild loss", 0.03, 50 * time.Millisecond, QualityGood},
		{"mild latency", 0, 200 * time.Millisecond, QualityGood},
		{"moderate loss", 0.07, 0, QualityFair},
		{"moderate latency", 0.01, 400 * time.Millisecond, QualityFair},
		{"heavy loss", 0.2, 0, QualityPoor},
		{"heavy latency", 0, time.Second, QualityPoor},
		{"worst dimension wins", 0.2, 10 * time.Millisecond, QualityPoor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := qualityFor(tc.loss, tc.rtt); got != tc.want {
				t.Errorf("qualityFor(%v, %v) = %v, want %v", tc.loss, tc.rtt, got, tc.want)
			}
		})
	}
}

func TestQualityLevelString(t *testing.T) {
	levels := map[QualityLevel]string{
		QualityPoor:      "poor",
		QualityFair:      "fair",
		QualityGood:      "good",
		QualityExcellent: "excellent",
	}
	for level, want := range levels {
		if got := level.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", level, got, want)
		}
	}
	if got := QualityLevel(99).String(); got != "unknown" {
		t.Errorf("out-of-range String() = %q, want unknown", got)
	}
}

func TestReportRTTFeedsQuality(t *testing.T) {
	sess, _, _, _ := startSession(t, testConfig())

	if got := sess.Quality(); got != QualityExcellent {
		t.Errorf("initial quality = %v, want excellent", got)
	}

	sess.ReportRTT(800 * time.Millisecond)
	sess.updateQuality(t.Context())
	if got := sess.Quality(); got != QualityPoor {
		t.Errorf("quality after 800ms RTT = %v, want poor", got)
	}

	sess.ReportRTT(-time.Second) // rejected, last good value stands
	sess.ReportRTT(20 * time.Millisecond)
	sess.updateQuality(t.Context())
	if got := sess.Quality(); got != QualityExcellent {
		t.Errorf("quality after recovery = %v, want excellent", got)
	}
}
