package insight

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func signalsWith(contents ...string) []models.RawSignal {
	signals := make([]models.RawSignal, 0, len(contents))
	for i, c := range contents {
		signals = append(signals, models.RawSignal{
			ID:         "sig" + string(rune('a'+i)),
			UserID:     "u1",
			Platform:   "chat",
			Kind:       "message",
			Content:    c,
			OccurredAt: time.Now(),
		})
	}
	return signals
}

func TestHeuristicSourceEmptySignals(t *testing.T) {
	h := NewHeuristicSource()
	if _, err := h.Analyze(context.Background(), "u1", nil); !errors.Is(err, ErrNoSignals) {
		t.Errorf("Analyze(nil) error = %v, want ErrNoSignals", err)
	}
}

func TestHeuristicSourceInterests(t *testing.T) {
	h := NewHeuristicSource()
	signals := signalsWith(
		"started a new programming project with some AI code",
		"hit the gym before work, good workout",
		"more code review today",
	)

	insights, err := h.Analyze(context.Background(), "u1", signals)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	var interests *models.PersonalityInsight
	for i := range insights {
		if insights[i].InsightType == TypeInterests {
			interests = &insights[i]
		}
	}
	if interests == nil {
		t.Fatal("no interests insight produced")
	}
	if interests.SourceDataCount != 3 {
		t.Errorf("SourceDataCount = %d, want 3", interests.SourceDataCount)
	}
	if interests.ConfidenceScore <= 0 || interests.ConfidenceScore > maxHeuristicConfidence {
		t.Errorf("ConfidenceScore = %v, want in (0, %v]", interests.ConfidenceScore, maxHeuristicConfidence)
	}
}

func TestHeuristicSourceCommunicationStyle(t *testing.T) {
	h := NewHeuristicSource()

	tests := []struct {
		name      string
		contents  []string
		wantStyle string
	}{
		{"casual", []string{"lol gonna be late", "haha ok btw see you"}, "casual"},
		{"formal", []string{"Regarding our discussion, furthermore I agree.", "Per our call, sincerely noted."}, "formal"},
		{"neutral", []string{"see you at five"}, "neutral"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insights, err := h.Analyze(context.Background(), "u1", signalsWith(tt.contents...))
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			var style *models.PersonalityInsight
			for i := range insights {
				if insights[i].InsightType == TypeCommunicationStyle {
					style = &insights[i]
				}
			}
			if style == nil {
				t.Fatal("no communication style insight produced")
			}
			if got := string(style.InsightData); !strings.Contains(got, tt.wantStyle) {
				t.Errorf("InsightData = %s, want style %q", got, tt.wantStyle)
			}
		})
	}
}

// mockChat returns a canned completion for Client tests.
type mockChat struct {
	content string
	err     error
	lastReq openai.ChatCompletionNewParams
}

func (m *mockChat) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastReq = params
	if m.err != nil {
		return nil, m.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func TestClientAnalyzeParsesResponse(t *testing.T) {
	mock := &mockChat{content: "```json\n[{\"insight_type\": \"interests\", \"data\": {\"interests\": [\"technology\"]}, \"confidence\": 1.4}]\n```"}
	c := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	insights, err := c.Analyze(context.Background(), "u1", signalsWith("some code talk"))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("Analyze() returned %d insights, want 1", len(insights))
	}
	if insights[0].InsightType != TypeInterests {
		t.Errorf("InsightType = %q", insights[0].InsightType)
	}
	// Out-of-range confidence is clamped.
	if insights[0].ConfidenceScore != 1.0 {
		t.Errorf("ConfidenceScore = %v, want clamped 1.0", insights[0].ConfidenceScore)
	}
	if insights[0].UserID != "u1" {
		t.Errorf("UserID = %q", insights[0].UserID)
	}
}

func TestClientAnalyzeMalformedResponse(t *testing.T) {
	mock := &mockChat{content: "I think the user likes technology."}
	c := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	if _, err := c.Analyze(context.Background(), "u1", signalsWith("hello")); err == nil {
		t.Error("Analyze() with prose response returned nil error")
	}
}

func TestClientAnalyzeCompletionError(t *testing.T) {
	mock := &mockChat{err: errors.New("rate limited")}
	c := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	if _, err := c.Analyze(context.Background(), "u1", signalsWith("hello")); err == nil {
		t.Error("Analyze() with API error returned nil error")
	}
}

func TestNewClientWiresChatService(t *testing.T) {
	c, err := NewClient(WithAPIKey("test-key"), WithModel(openai.ChatModelGPT4oMini))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.chat == nil {
		t.Error("NewClient() left chat service unset")
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"[]", "[]"},
		{"```json\n[]\n```", "[]"},
		{"```\n[]\n```", "[]"},
		{"  [] \n", "[]"},
	}
	for _, tt := range tests {
		if got := stripCodeFences(tt.in); got != tt.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
