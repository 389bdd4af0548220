package insight

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// interestKeywords maps lowercase keywords to interest buckets. The buckets
// are deliberately coarse; the LLM source produces finer-grained insights.
var interestKeywords = map[string]string{
	"code": "technology", "software": "technology", "programming": "technology",
	"ai": "technology", "startup": "technology",
	"run": "fitness", "gym": "fitness", "workout": "fitness", "training": "fitness",
	"book": "reading", "read": "reading", "novel": "reading",
	"travel": "travel", "trip": "travel", "flight": "travel",
	"music": "music", "concert": "music", "album": "music",
	"cook": "food", "recipe": "food", "restaurant": "food",
	"work": "career", "meeting": "career", "project": "career", "deadline": "career",
}

// Style markers used for the communication-style insight.
var (
	formalMarkers  = []string{"regarding", "therefore", "furthermore", "sincerely", "per our"}
	casualMarkers  = []string{"lol", "haha", "gonna", "wanna", "btw", "tbh"}
	questionMarker = "?"
)

const (
	// minSignalsForConfidence is the signal count at which heuristic
	// confidence saturates.
	minSignalsForConfidence = 20
	// maxHeuristicConfidence caps what keyword matching alone can claim.
	maxHeuristicConfidence = 0.6
)

// HeuristicSource scores signals with keyword matching. It is the fallback
// analyzer for deployments without an OpenAI API key.
type HeuristicSource struct{}

// NewHeuristicSource creates a keyword-based insight source.
func NewHeuristicSource() *HeuristicSource {
	return &HeuristicSource{}
}

// Analyze derives interest and communication-style insights from keyword
// frequencies. Confidence grows with signal volume but never exceeds
// maxHeuristicConfidence.
func (h *HeuristicSource) Analyze(ctx context.Context, userID string, signals []models.RawSignal) ([]models.PersonalityInsight, error) {
	if len(signals) == 0 {
		return nil, ErrNoSignals
	}

	interestCounts := map[string]int{}
	var formal, casual, questions int

	for _, sig := range signals {
		lower := strings.ToLower(sig.Content)
		words := strings.FieldsFunc(lower, func(r rune) bool {
			return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
		})
		for _, w := range words {
			if bucket, ok := interestKeywords[w]; ok {
				interestCounts[bucket]++
			}
		}
		for _, m := range formalMarkers {
			if strings.Contains(lower, m) {
				formal++
			}
		}
		for _, m := range casualMarkers {
			if strings.Contains(lower, m) {
				casual++
			}
		}
		questions += strings.Count(sig.Content, questionMarker)
	}

	confidence := float64(len(signals)) / minSignalsForConfidence * maxHeuristicConfidence
	confidence = clampConfidence(confidence)
	if confidence > maxHeuristicConfidence {
		confidence = maxHeuristicConfidence
	}

	sourceIDs := make([]string, 0, len(signals))
	for _, sig := range signals {
		sourceIDs = append(sourceIDs, sig.ID)
	}
	now := time.Now().UTC()

	var insights []models.PersonalityInsight

	if len(interestCounts) > 0 {
		data, err := json.Marshal(map[string]interface{}{"interests": rankBuckets(interestCounts)})
		if err != nil {
			return nil, err
		}
		insights = append(insights, models.PersonalityInsight{
			UserID:          userID,
			InsightType:     TypeInterests,
			InsightData:     data,
			ConfidenceScore: confidence,
			SourceDataCount: len(signals),
			SourceDataIDs:   sourceIDs,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	style := "neutral"
	if formal > casual {
		style = "formal"
	} else if casual > formal {
		style = "casual"
	}
	inquisitive := questions > len(signals)/2
	data, err := json.Marshal(map[string]interface{}{"style": style, "inquisitive": inquisitive})
	if err != nil {
		return nil, err
	}
	insights = append(insights, models.PersonalityInsight{
		UserID:          userID,
		InsightType:     TypeCommunicationStyle,
		InsightData:     data,
		ConfidenceScore: confidence,
		SourceDataCount: len(signals),
		SourceDataIDs:   sourceIDs,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	return insights, nil
}

// rankBuckets returns bucket names ordered by descending count.
func rankBuckets(counts map[string]int) []string {
	ranked := make([]string, 0, len(counts))
	for bucket := range counts {
		ranked = append(ranked, bucket)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	return ranked
}
