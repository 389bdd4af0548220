package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const analyzerSystemPrompt = `You are a personality analyst for a digital twin service.
Given a batch of raw user signals (messages, posts, activity events), extract personality insights.
Respond with a JSON array only, no prose. Each element must have:
  "insight_type": one of "communication_style", "interests", "personality_traits", "engagement", "values"
  "data": an object describing the insight
  "confidence": a number between 0 and 1
Base confidence on how much evidence the signals provide.`

// chatService defines the minimal chat completion surface used by Client,
// so tests can inject a mock.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

var _ chatService = (*openai.ChatCompletionService)(nil)

// Opts holds configuration options for the OpenAI insight client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the OpenAI insight client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for analysis.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client analyzes signals with the OpenAI chat completion API.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes an OpenAI-backed insight source. The API key falls
// back to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Analyze sends the signal batch to the model and parses the returned
// insights. Confidence scores are clamped to [0, 1].
func (c *Client) Analyze(ctx context.Context, userID string, signals []models.RawSignal) ([]models.PersonalityInsight, error) {
	if len(signals) == 0 {
		return nil, ErrNoSignals
	}

	var sb strings.Builder
	for _, sig := range signals {
		fmt.Fprintf(&sb, "[%s/%s at %s] %s\n", sig.Platform, sig.Kind, sig.OccurredAt.Format(time.RFC3339), sig.Content)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(analyzerSystemPrompt),
			openai.UserMessage(sb.String()),
		},
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("insight.Client.Analyze completion failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("insight analysis failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("insight analysis returned no choices")
	}

	insights, err := parseInsightResponse(userID, signals, resp.Choices[0].Message.Content)
	if err != nil {
		slog.Error("insight.Client.Analyze parse failed", "error", err, "userID", userID)
		return nil, err
	}
	slog.Debug("insight.Client.Analyze succeeded", "userID", userID, "insights", len(insights))
	return insights, nil
}

// rawInsight is the wire shape the model is asked to produce.
type rawInsight struct {
	InsightType string          `json:"insight_type"`
	Data        json.RawMessage `json:"data"`
	Confidence  float64         `json:"confidence"`
}

func parseInsightResponse(userID string, signals []models.RawSignal, content string) ([]models.PersonalityInsight, error) {
	content = stripCodeFences(content)

	var raw []rawInsight
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse insight response: %w", err)
	}

	sourceIDs := make([]string, 0, len(signals))
	for _, sig := range signals {
		sourceIDs = append(sourceIDs, sig.ID)
	}

	now := time.Now().UTC()
	insights := make([]models.PersonalityInsight, 0, len(raw))
	for _, r := range raw {
		if r.InsightType == "" {
			continue
		}
		insights = append(insights, models.PersonalityInsight{
			UserID:          userID,
			InsightType:     r.InsightType,
			InsightData:     r.Data,
			ConfidenceScore: clampConfidence(r.Confidence),
			SourceDataCount: len(signals),
			SourceDataIDs:   sourceIDs,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return insights, nil
}

// stripCodeFences removes markdown code fences models sometimes wrap JSON in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
