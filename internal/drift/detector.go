// Package drift detects significant change between successive personality
// insight snapshots and classifies confidence trends over time.
//
// The detector compares each freshly computed insight against the stored
// snapshot of the same type. A large enough confidence delta produces an
// append-only TwinEvolutionEntry; an even larger one is flagged as worth a
// user-facing notification, which the engine's rule evaluator turns into a
// queued action.
package drift

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/util"
)

// Thresholds for drift classification.
const (
	// SignificantChangeThreshold is the confidence impact above which a
	// TwinEvolutionEntry is recorded.
	SignificantChangeThreshold = 0.2
	// NotificationThreshold is the confidence impact above which the change
	// also warrants a user-facing notification.
	NotificationThreshold = 0.3
)

// Store is the narrow persistence surface the detector needs.
type Store interface {
	GetInsightSnapshot(userID, insightType string) (*models.PersonalityInsight, error)
	SaveInsightSnapshot(insight models.PersonalityInsight) error
	AppendEvolutionEntry(entry models.TwinEvolutionEntry) error
	GetInsightSeries(userID, insightType string, since time.Time) ([]models.PersonalityInsight, error)
}

// Result describes the outcome of processing one new insight.
type Result struct {
	// Entry is the evolution record written, or nil if the change was not
	// significant.
	Entry *models.TwinEvolutionEntry
	// Impact is the absolute confidence delta against the prior snapshot.
	// For a first-seen insight type it is the new confidence score.
	Impact float64
	// NotifyWorthy is true when Impact exceeds NotificationThreshold
	// against an existing snapshot.
	NotifyWorthy bool
}

// Detector compares new insights against stored snapshots.
type Detector struct {
	store Store
	now   func() time.Time
}

// NewDetector creates a drift detector over the given store.
func NewDetector(store Store) *Detector {
	return &Detector{store: store, now: time.Now}
}

// ConfidenceImpact returns the magnitude of change between two confidence
// scores. It is symmetric in its arguments.
func ConfidenceImpact(oldScore, newScore float64) float64 {
	return math.Abs(newScore - oldScore)
}

// Process compares insight against the stored snapshot of the same type,
// records an evolution entry when the change is significant, and replaces
// the snapshot. A first-seen insight type always records a discovery entry.
func (d *Detector) Process(insight models.PersonalityInsight) (Result, error) {
	if err := insight.Validate(); err != nil {
		return Result{}, err
	}

	prev, err := d.store.GetInsightSnapshot(insight.UserID, insight.InsightType)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load insight snapshot: %w", err)
	}

	var result Result
	now := d.now().UTC()

	if prev == nil {
		entry := models.TwinEvolutionEntry{
			ID:               util.GenerateEvolutionID(),
			UserID:           insight.UserID,
			TwinID:           "twin-" + insight.UserID,
			ChangeType:       models.ChangeNewInterest,
			NewValue:         insight.InsightData,
			ChangeSummary:    fmt.Sprintf("New insight discovered: %s (confidence %.2f)", insight.InsightType, insight.ConfidenceScore),
			ConfidenceImpact: insight.ConfidenceScore,
			TriggerSource:    "drift_detector",
			SourceDataIDs:    insight.SourceDataIDs,
			CreatedAt:        now,
		}
		if err := d.store.AppendEvolutionEntry(entry); err != nil {
			return Result{}, fmt.Errorf("failed to append evolution entry: %w", err)
		}
		result = Result{Entry: &entry, Impact: insight.ConfidenceScore}
		slog.Info("Detector.Process new insight discovered", "userID", insight.UserID, "type", insight.InsightType)
	} else {
		impact := ConfidenceImpact(prev.ConfidenceScore, insight.ConfidenceScore)
		result.Impact = impact

		if impact > SignificantChangeThreshold {
			entry := models.TwinEvolutionEntry{
				ID:         util.GenerateEvolutionID(),
				UserID:     insight.UserID,
				TwinID:     "twin-" + insight.UserID,
				ChangeType: models.ChangePersonalityUpdate,
				OldValue:   prev.InsightData,
				NewValue:   insight.InsightData,
				ChangeSummary: fmt.Sprintf("%s shifted: confidence %.2f -> %.2f (impact %.2f)",
					insight.InsightType, prev.ConfidenceScore, insight.ConfidenceScore, impact),
				ConfidenceImpact: impact,
				TriggerSource:    "drift_detector",
				SourceDataIDs:    insight.SourceDataIDs,
				CreatedAt:        now,
			}
			if err := d.store.AppendEvolutionEntry(entry); err != nil {
				return Result{}, fmt.Errorf("failed to append evolution entry: %w", err)
			}
			result.Entry = &entry
			result.NotifyWorthy = impact > NotificationThreshold
			slog.Info("Detector.Process significant drift", "userID", insight.UserID, "type", insight.InsightType,
				"impact", impact, "notifyWorthy", result.NotifyWorthy)
		} else {
			slog.Debug("Detector.Process change below threshold", "userID", insight.UserID, "type", insight.InsightType, "impact", impact)
		}
	}

	if err := d.store.SaveInsightSnapshot(insight); err != nil {
		return Result{}, fmt.Errorf("failed to save insight snapshot: %w", err)
	}
	return result, nil
}

// ProcessBatch runs Process over a batch of insights, isolating failures per
// insight. It returns the results of the successful comparisons.
func (d *Detector) ProcessBatch(insights []models.PersonalityInsight) []Result {
	results := make([]Result, 0, len(insights))
	for _, insight := range insights {
		result, err := d.Process(insight)
		if err != nil {
			slog.Error("Detector.ProcessBatch insight failed", "error", err, "userID", insight.UserID, "type", insight.InsightType)
			continue
		}
		results = append(results, result)
	}
	return results
}
