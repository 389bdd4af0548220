// Package insight produces personality insights from raw user signals.
//
// Two sources are provided: an OpenAI-backed analyzer and a keyword
// heuristic fallback for deployments without an API key. Both emit
// models.PersonalityInsight values that the drift detector compares
// against stored snapshots.
package insight

import (
	"context"
	"errors"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Well-known insight types. The set is open: a source may emit other types
// and the rest of the system treats them uniformly.
const (
	TypeCommunicationStyle = "communication_style"
	TypeInterests          = "interests"
	TypePersonalityTraits  = "personality_traits"
	TypeEngagement         = "engagement"
	TypeValues             = "values"
)

// Source errors
var (
	// ErrNoSignals indicates there was nothing to analyze.
	ErrNoSignals = errors.New("no signals to analyze")
)

// Source analyzes a batch of raw signals and returns fresh insights.
type Source interface {
	Analyze(ctx context.Context, userID string, signals []models.RawSignal) ([]models.PersonalityInsight, error)
}

// clampConfidence bounds a confidence score to [0, 1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
