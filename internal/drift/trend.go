package drift

import (
	"fmt"
	"math"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// TrendDirection classifies how an insight's confidence moves over time.
type TrendDirection string

const (
	TrendIncreasing       TrendDirection = "increasing"
	TrendDecreasing       TrendDirection = "decreasing"
	TrendStable           TrendDirection = "stable"
	TrendVolatile         TrendDirection = "volatile"
	TrendInsufficientData TrendDirection = "insufficient_data"
)

// Trend analysis parameters.
const (
	// MinTrendPoints is the minimum series length required to emit a trend.
	MinTrendPoints = 3
	// DefaultLookback is the default trend analysis window.
	DefaultLookback = 30 * 24 * time.Hour
	// stableSlopeEpsilon is the per-day confidence slope below which the
	// series counts as stable.
	stableSlopeEpsilon = 0.005
	// volatileVariance is the confidence variance above which the series is
	// volatile regardless of slope direction.
	volatileVariance = 0.02
)

// Trend is the classification of one insight type's confidence series.
type Trend struct {
	UserID      string         `json:"user_id"`
	InsightType string         `json:"insight_type"`
	Direction   TrendDirection `json:"direction"`
	// SlopePerDay is the least-squares confidence slope per day.
	SlopePerDay float64 `json:"slope_per_day"`
	// Variance is the confidence variance across the window.
	Variance   float64   `json:"variance"`
	Points     int       `json:"points"`
	ComputedAt time.Time `json:"computed_at"`
}

// AnalyzeTrend classifies the direction of the user's confidence series for
// one insight type over the given lookback window. Series shorter than
// MinTrendPoints produce a TrendInsufficientData result. High variance
// overrides the slope classification.
func (d *Detector) AnalyzeTrend(userID, insightType string, lookback time.Duration) (Trend, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	since := d.now().UTC().Add(-lookback)
	series, err := d.store.GetInsightSeries(userID, insightType, since)
	if err != nil {
		return Trend{}, fmt.Errorf("failed to load insight series: %w", err)
	}
	return ClassifySeries(userID, insightType, series, d.now().UTC()), nil
}

// ClassifySeries classifies a time-ordered insight series. It is exposed so
// callers holding a series can classify without a store round trip.
func ClassifySeries(userID, insightType string, series []models.PersonalityInsight, now time.Time) Trend {
	trend := Trend{
		UserID:      userID,
		InsightType: insightType,
		Points:      len(series),
		ComputedAt:  now,
	}
	if len(series) < MinTrendPoints {
		trend.Direction = TrendInsufficientData
		return trend
	}

	// Least-squares fit of confidence against elapsed days.
	base := series[0].UpdatedAt
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(series))
	for _, p := range series {
		x := p.UpdatedAt.Sub(base).Hours() / 24
		y := p.ConfidenceScore
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom != 0 {
		trend.SlopePerDay = (n*sumXY - sumX*sumY) / denom
	}

	mean := sumY / n
	var variance float64
	for _, p := range series {
		diff := p.ConfidenceScore - mean
		variance += diff * diff
	}
	trend.Variance = variance / n

	switch {
	case trend.Variance > volatileVariance:
		trend.Direction = TrendVolatile
	case math.Abs(trend.SlopePerDay) <= stableSlopeEpsilon:
		trend.Direction = TrendStable
	case trend.SlopePerDay > 0:
		trend.Direction = TrendIncreasing
	default:
		trend.Direction = TrendDecreasing
	}
	return trend
}
