package drift

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/store"
)

func newTestDetector(t *testing.T) (*Detector, *store.InMemoryStore) {
	t.Helper()
	s := store.NewInMemoryStore()
	t.Cleanup(func() { s.Close() })
	return NewDetector(s), s
}

func insightWith(userID, insightType string, confidence float64, at time.Time) models.PersonalityInsight {
	return models.PersonalityInsight{
		UserID:          userID,
		InsightType:     insightType,
		InsightData:     json.RawMessage(`{"style":"casual"}`),
		ConfidenceScore: confidence,
		SourceDataCount: 5,
		SourceDataIDs:   []string{"sig1", "sig2"},
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func TestConfidenceImpactSymmetric(t *testing.T) {
	pairs := [][2]float64{{0.5, 0.85}, {0.0, 1.0}, {0.3, 0.3}, {0.9, 0.1}}
	for _, p := range pairs {
		ab := ConfidenceImpact(p[0], p[1])
		ba := ConfidenceImpact(p[1], p[0])
		if ab != ba {
			t.Errorf("ConfidenceImpact(%v, %v) = %v, reversed = %v", p[0], p[1], ab, ba)
		}
		if ab < 0 {
			t.Errorf("ConfidenceImpact(%v, %v) = %v, want non-negative", p[0], p[1], ab)
		}
	}
}

func TestProcessNewInsightType(t *testing.T) {
	d, s := newTestDetector(t)

	result, err := d.Process(insightWith("u1", "communication_style", 0.5, time.Now().UTC()))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Entry == nil {
		t.Fatal("Process() of first-seen type produced no evolution entry")
	}
	if result.Entry.ChangeType != models.ChangeNewInterest {
		t.Errorf("ChangeType = %q, want %q", result.Entry.ChangeType, models.ChangeNewInterest)
	}
	if result.NotifyWorthy {
		t.Error("first-seen insight flagged NotifyWorthy")
	}

	snap, err := s.GetInsightSnapshot("u1", "communication_style")
	if err != nil {
		t.Fatalf("GetInsightSnapshot() error = %v", err)
	}
	if snap == nil || snap.ConfidenceScore != 0.5 {
		t.Errorf("snapshot = %+v, want confidence 0.5", snap)
	}
}

func TestProcessSignificantDrift(t *testing.T) {
	d, s := newTestDetector(t)
	base := time.Now().UTC().Add(-time.Hour)

	if _, err := d.Process(insightWith("u1", "interests", 0.5, base)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// 0.5 -> 0.85: impact 0.35 crosses both thresholds.
	result, err := d.Process(insightWith("u1", "interests", 0.85, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Entry == nil {
		t.Fatal("significant drift produced no evolution entry")
	}
	if result.Entry.ChangeType != models.ChangePersonalityUpdate {
		t.Errorf("ChangeType = %q, want %q", result.Entry.ChangeType, models.ChangePersonalityUpdate)
	}
	if math.Abs(result.Impact-0.35) > 1e-9 {
		t.Errorf("Impact = %v, want 0.35", result.Impact)
	}
	if !result.NotifyWorthy {
		t.Error("impact 0.35 not flagged NotifyWorthy")
	}

	entries, err := s.GetEvolutionEntries("u1", 0)
	if err != nil {
		t.Fatalf("GetEvolutionEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("evolution entries = %d, want 2 (discovery + drift)", len(entries))
	}
}

func TestProcessInsignificantChange(t *testing.T) {
	d, s := newTestDetector(t)
	base := time.Now().UTC().Add(-time.Hour)

	if _, err := d.Process(insightWith("u1", "interests", 0.5, base)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// 0.5 -> 0.55: impact 0.05 is below both thresholds.
	result, err := d.Process(insightWith("u1", "interests", 0.55, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Entry != nil {
		t.Errorf("insignificant change produced entry: %+v", result.Entry)
	}
	if result.NotifyWorthy {
		t.Error("impact 0.05 flagged NotifyWorthy")
	}

	// Snapshot still advances so later comparisons use the newest value.
	snap, err := s.GetInsightSnapshot("u1", "interests")
	if err != nil {
		t.Fatalf("GetInsightSnapshot() error = %v", err)
	}
	if snap.ConfidenceScore != 0.55 {
		t.Errorf("snapshot confidence = %v, want 0.55", snap.ConfidenceScore)
	}
}

func TestProcessSignificantButNotNotifyWorthy(t *testing.T) {
	d, _ := newTestDetector(t)
	base := time.Now().UTC().Add(-time.Hour)

	if _, err := d.Process(insightWith("u1", "interests", 0.5, base)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Impact 0.25: entry yes, notification no.
	result, err := d.Process(insightWith("u1", "interests", 0.75, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Entry == nil {
		t.Fatal("impact 0.25 produced no evolution entry")
	}
	if result.NotifyWorthy {
		t.Error("impact 0.25 flagged NotifyWorthy")
	}
}

func seriesOf(confidences ...float64) []models.PersonalityInsight {
	base := time.Now().UTC().Add(-time.Duration(len(confidences)) * 24 * time.Hour)
	series := make([]models.PersonalityInsight, 0, len(confidences))
	for i, c := range confidences {
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		series = append(series, insightWith("u1", "interests", c, at))
	}
	return series
}

func TestClassifySeries(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name        string
		confidences []float64
		want        TrendDirection
	}{
		{"too few points", []float64{0.5, 0.6}, TrendInsufficientData},
		{"increasing", []float64{0.4, 0.5, 0.6, 0.7}, TrendIncreasing},
		{"decreasing", []float64{0.7, 0.6, 0.5, 0.4}, TrendDecreasing},
		{"stable", []float64{0.5, 0.5, 0.5, 0.5}, TrendStable},
		{"volatile overrides direction", []float64{0.2, 0.9, 0.2, 0.9}, TrendVolatile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trend := ClassifySeries("u1", "interests", seriesOf(tt.confidences...), now)
			if trend.Direction != tt.want {
				t.Errorf("ClassifySeries() direction = %q, want %q (slope %v, variance %v)",
					trend.Direction, tt.want, trend.SlopePerDay, trend.Variance)
			}
		})
	}
}

func TestAnalyzeTrendFromStore(t *testing.T) {
	d, s := newTestDetector(t)

	for _, p := range seriesOf(0.4, 0.5, 0.6, 0.7) {
		if err := s.SaveInsightSnapshot(p); err != nil {
			t.Fatalf("SaveInsightSnapshot() error = %v", err)
		}
	}

	trend, err := d.AnalyzeTrend("u1", "interests", DefaultLookback)
	if err != nil {
		t.Fatalf("AnalyzeTrend() error = %v", err)
	}
	if trend.Direction != TrendIncreasing {
		t.Errorf("direction = %q, want increasing", trend.Direction)
	}
	if trend.Points != 4 {
		t.Errorf("points = %d, want 4", trend.Points)
	}
}

func TestAnalyzeTrendNoData(t *testing.T) {
	d, _ := newTestDetector(t)

	trend, err := d.AnalyzeTrend("ghost", "interests", 0)
	if err != nil {
		t.Fatalf("AnalyzeTrend() error = %v", err)
	}
	if trend.Direction != TrendInsufficientData {
		t.Errorf("direction = %q, want insufficient_data", trend.Direction)
	}
}
