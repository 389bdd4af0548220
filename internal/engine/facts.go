package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/store"
)

// Facts is the per-user summary a trigger condition is evaluated against.
// Numeric fields live in Numbers, textual fields in Strings; a condition
// referencing a field present in neither evaluates to false.
type Facts struct {
	Numbers map[string]float64
	Strings map[string]string
	Now     time.Time
}

// FactProvider assembles the evaluation facts for one user.
type FactProvider interface {
	Facts(userID string) (Facts, error)
}

// driftLookback is how far back evolution entries count toward the
// confidence_impact fact.
const driftLookback = 24 * time.Hour

// storeFactProvider derives facts from persisted engine state.
type storeFactProvider struct {
	store store.Store
	now   func() time.Time
}

func newStoreFactProvider(s store.Store) *storeFactProvider {
	return &storeFactProvider{store: s, now: time.Now}
}

// Facts builds the evaluation summary for userID. Field names here are the
// vocabulary rule conditions are written in.
func (p *storeFactProvider) Facts(userID string) (Facts, error) {
	now := p.now().UTC()
	facts := Facts{
		Numbers: map[string]float64{},
		Strings: map[string]string{},
		Now:     now,
	}

	// Clock facts for time-based triggers.
	facts.Strings["day_of_week"] = strings.ToLower(now.Weekday().String())
	facts.Numbers["hour"] = float64(now.Hour())

	// Drift facts: the strongest recent confidence impact and its change type.
	entries, err := p.store.GetEvolutionEntries(userID, 20)
	if err != nil {
		return Facts{}, fmt.Errorf("failed to load evolution entries: %w", err)
	}
	var maxImpact float64
	for _, e := range entries {
		if now.Sub(e.CreatedAt) > driftLookback {
			continue
		}
		// A first-seen insight is a discovery, not drift; its baseline
		// confidence must not trip drift-keyed rules.
		if e.ChangeType == models.ChangeNewInterest {
			continue
		}
		if e.ConfidenceImpact > maxImpact {
			maxImpact = e.ConfidenceImpact
		}
	}
	facts.Numbers["confidence_impact"] = maxImpact
	if len(entries) > 0 {
		facts.Strings["change_type"] = string(entries[0].ChangeType)
	}

	// Engagement facts: fresh signal flow counts as user activity.
	var newestData time.Time
	var totalSources float64
	minConfidence := 1.0
	seenInsight := false
	for _, insightType := range knownInsightTypes {
		snap, err := p.store.GetInsightSnapshot(userID, insightType)
		if err != nil {
			return Facts{}, fmt.Errorf("failed to load insight snapshot: %w", err)
		}
		if snap == nil {
			continue
		}
		seenInsight = true
		if snap.UpdatedAt.After(newestData) {
			newestData = snap.UpdatedAt
		}
		totalSources += float64(snap.SourceDataCount)
		if snap.ConfidenceScore < minConfidence {
			minConfidence = snap.ConfidenceScore
		}
	}
	if seenInsight {
		facts.Numbers["days_inactive"] = now.Sub(newestData).Hours() / 24
		facts.Numbers["source_data_count"] = totalSources
		facts.Numbers["confidence_score"] = minConfidence
	}

	// Learning facts from action history: reviews completed and recency.
	history, err := p.store.GetActionHistory(userID, 100)
	if err != nil {
		return Facts{}, fmt.Errorf("failed to load action history: %w", err)
	}
	var reviews float64
	var lastReview time.Time
	var conversations float64
	for _, a := range history {
		if a.Status != models.ActionStatusCompleted {
			continue
		}
		switch a.Type {
		case models.ActionScheduleReview:
			reviews++
			if a.CompletedAt != nil && a.CompletedAt.After(lastReview) {
				lastReview = *a.CompletedAt
			}
		case models.ActionInitiateConversation:
			conversations++
		}
	}
	facts.Numbers["review_count"] = reviews
	facts.Numbers["conversation_count"] = conversations
	if lastReview.IsZero() {
		// Never reviewed: treat as overdue so the reminder rule can fire
		// once the user has any insight data at all.
		if seenInsight {
			facts.Numbers["days_since_review"] = now.Sub(newestData).Hours()/24 + 1
		}
	} else {
		facts.Numbers["days_since_review"] = now.Sub(lastReview).Hours() / 24
	}

	return facts, nil
}

// knownInsightTypes is the insight vocabulary consulted for engagement and
// data-quality facts.
var knownInsightTypes = []string{
	"communication_style",
	"interests",
	"personality_traits",
	"engagement",
	"values",
}
