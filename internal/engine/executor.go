package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/drift"
	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/store"
	"github.com/MirrorGraph/TwinPulse/internal/util"
)

// DefaultHandlerTimeout bounds one handler invocation so a hung side effect
// cannot stall a worker tick.
const DefaultHandlerTimeout = 30 * time.Second

// DefaultReviewReminderDelay is how long a spawned review conversation waits
// before it becomes due when the review payload carries no explicit delay.
const DefaultReviewReminderDelay = time.Hour

// SyncQueue is the sync orchestrator surface the executor needs.
type SyncQueue interface {
	AddToQueue(userID string, req models.SyncRequest) (models.SyncRequest, error)
}

// Executor runs the side effect for one action and applies the retry state
// machine to its status fields.
type Executor struct {
	store         store.Store
	notifications messaging.NotificationSink
	messages      messaging.MessageSink
	syncQueue     SyncQueue
	detector      *drift.Detector
	// channelSinks routes send_notification actions whose payload names a
	// non-default channel ("sms", "whatsapp"). Missing channels fall back
	// to the default notifications sink.
	channelSinks   map[string]messaging.NotificationSink
	enqueueDerived func(models.AutomatedAction) error
	handlerTimeout time.Duration
	now            func() time.Time
}

// NewExecutor creates an executor. enqueueDerived is called for follow-up
// actions a handler spawns, such as a review spawning a conversation.
func NewExecutor(s store.Store, notifications messaging.NotificationSink, messages messaging.MessageSink,
	syncQueue SyncQueue, detector *drift.Detector, enqueueDerived func(models.AutomatedAction) error) *Executor {
	return &Executor{
		store:          s,
		notifications:  notifications,
		messages:       messages,
		syncQueue:      syncQueue,
		detector:       detector,
		channelSinks:   make(map[string]messaging.NotificationSink),
		enqueueDerived: enqueueDerived,
		handlerTimeout: DefaultHandlerTimeout,
		now:            time.Now,
	}
}

// RegisterChannelSink adds a named delivery channel for send_notification
// payloads that request one.
func (e *Executor) RegisterChannelSink(channel string, sink messaging.NotificationSink) {
	e.channelSinks[channel] = sink
}

// Execute dispatches one action and returns it with its post-attempt state:
// completed on success, pending with an incremented retryCount and a backed
// off scheduledFor on a retryable failure, failed once retries are
// exhausted. Unknown action types fail permanently without a retry.
func (e *Executor) Execute(ctx context.Context, action models.AutomatedAction) models.AutomatedAction {
	now := e.now().UTC()
	if action.Status != models.ActionStatusExecuting {
		action.Status = models.ActionStatusExecuting
		action.ExecutedAt = &now
	}

	if !models.IsValidActionType(action.Type) {
		action.Status = models.ActionStatusFailed
		action.ErrorMessage = fmt.Sprintf("unknown action type %q", action.Type)
		slog.Error("Executor.Execute unknown action type", "actionID", action.ID, "type", action.Type)
		return action
	}

	handlerCtx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	err := e.dispatch(handlerCtx, action)
	cancel()

	if err == nil {
		completedAt := e.now().UTC()
		action.Status = models.ActionStatusCompleted
		action.CompletedAt = &completedAt
		action.ErrorMessage = ""
		slog.Debug("Executor.Execute completed", "actionID", action.ID, "type", action.Type, "userID", action.UserID)
		return action
	}

	action.ErrorMessage = err.Error()
	if action.RetryCount < action.MaxRetries {
		action.RetryCount++
		action.Status = models.ActionStatusPending
		action.ScheduledFor = now.Add(backoffDelay(action.RetryCount))
		slog.Warn("Executor.Execute failed, retrying", "actionID", action.ID, "type", action.Type,
			"error", err, "retryCount", action.RetryCount, "scheduledFor", action.ScheduledFor)
	} else {
		action.Status = models.ActionStatusFailed
		slog.Error("Executor.Execute failed permanently", "actionID", action.ID, "type", action.Type,
			"error", err, "retryCount", action.RetryCount)
	}
	return action
}

// backoffDelay returns the exponential backoff for the given attempt:
// 2, 4, 8, ... minutes.
func backoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<retryCount) * time.Minute
}

func (e *Executor) dispatch(ctx context.Context, action models.AutomatedAction) error {
	switch action.Type {
	case models.ActionSendNotification:
		return e.handleSendNotification(ctx, action)
	case models.ActionScheduleReview:
		return e.handleScheduleReview(ctx, action)
	case models.ActionSuggestContent:
		return e.handleSuggestContent(ctx, action)
	case models.ActionInitiateConversation:
		return e.handleInitiateConversation(ctx, action)
	case models.ActionUpdateLearningPath:
		return e.handleUpdateLearningPath(ctx, action)
	case models.ActionRequestFeedback:
		return e.handleRequestFeedback(ctx, action)
	case models.ActionSyncExternalData:
		return e.handleSyncExternalData(ctx, action)
	case models.ActionGenerateReport:
		return e.handleGenerateReport(ctx, action)
	case models.ActionRecommendConnections:
		return e.handleRecommendConnections(ctx, action)
	default:
		return fmt.Errorf("no handler for action type %q", action.Type)
	}
}

func (e *Executor) handleSendNotification(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.NotificationPayload)
	if !ok {
		return fmt.Errorf("%w: send_notification", models.ErrPayloadTypeMismatch)
	}
	sink := e.notifications
	if payload.Channel != "" {
		if channelSink, found := e.channelSinks[payload.Channel]; found {
			sink = channelSink
		} else {
			slog.Warn("Executor.handleSendNotification unknown channel, using default",
				"actionID", action.ID, "channel", payload.Channel)
		}
	}
	return sink.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     payload.Title,
		Body:      payload.Message,
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}

func (e *Executor) handleScheduleReview(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.ReviewPayload)
	if !ok {
		return fmt.Errorf("%w: schedule_review", models.ErrPayloadTypeMismatch)
	}

	if err := e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     "Review scheduled",
		Body:      fmt.Sprintf("Time to revisit %s.", payload.Topic),
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	}); err != nil {
		return err
	}

	if payload.SpawnConversation {
		delay := payload.ReviewAfter
		if delay <= 0 {
			delay = DefaultReviewReminderDelay
		}
		derived := models.AutomatedAction{
			ID:     util.GenerateActionID(),
			UserID: action.UserID,
			TwinID: action.TwinID,
			Type:   models.ActionInitiateConversation,
			Payload: models.ConversationPayload{
				Topic:  payload.Topic,
				Opener: fmt.Sprintf("Ready to go over %s together?", payload.Topic),
			},
			Priority:     action.Priority,
			Status:       models.ActionStatusPending,
			ScheduledFor: e.now().UTC().Add(delay),
			CreatedAt:    e.now().UTC(),
			MaxRetries:   action.MaxRetries,
		}
		if err := e.enqueueDerived(derived); err != nil {
			return fmt.Errorf("failed to enqueue derived conversation: %w", err)
		}
		slog.Debug("Executor spawned review conversation", "parentID", action.ID, "derivedID", derived.ID)
	}
	return nil
}

func (e *Executor) handleSuggestContent(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.ContentPayload)
	if !ok {
		return fmt.Errorf("%w: suggest_content", models.ErrPayloadTypeMismatch)
	}
	body := fmt.Sprintf("Based on your interest in %s, take a look at these.", payload.Category)
	if len(payload.Items) > 0 {
		body = fmt.Sprintf("Based on your interest in %s: %s", payload.Category, strings.Join(payload.Items, ", "))
	}
	return e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     "Something you might like",
		Body:      body,
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}

func (e *Executor) handleInitiateConversation(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.ConversationPayload)
	if !ok {
		return fmt.Errorf("%w: initiate_conversation", models.ErrPayloadTypeMismatch)
	}
	return e.messages.EnqueueProactiveMessage(ctx, action.UserID, payload.Topic, payload.Opener)
}

func (e *Executor) handleUpdateLearningPath(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.LearningPathPayload)
	if !ok {
		return fmt.Errorf("%w: update_learning_path", models.ErrPayloadTypeMismatch)
	}
	entry := models.TwinEvolutionEntry{
		ID:            util.GenerateEvolutionID(),
		UserID:        action.UserID,
		TwinID:        action.TwinID,
		ChangeType:    models.ChangeSkillGrowth,
		ChangeSummary: fmt.Sprintf("Learning path %s adjusted: %s", payload.PathID, payload.Adjustment),
		TriggerSource: "automation",
		CreatedAt:     e.now().UTC(),
	}
	if err := e.store.AppendEvolutionEntry(entry); err != nil {
		return fmt.Errorf("failed to record learning path change: %w", err)
	}
	return e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     "Learning path updated",
		Body:      payload.Adjustment,
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}

func (e *Executor) handleRequestFeedback(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.FeedbackPayload)
	if !ok {
		return fmt.Errorf("%w: request_feedback", models.ErrPayloadTypeMismatch)
	}
	body := payload.Question
	if payload.Context != "" {
		body = fmt.Sprintf("%s (%s)", payload.Question, payload.Context)
	}
	return e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     "How are we doing?",
		Body:      body,
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}

func (e *Executor) handleSyncExternalData(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.SyncPayload)
	if !ok {
		return fmt.Errorf("%w: sync_external_data", models.ErrPayloadTypeMismatch)
	}
	_, err := e.syncQueue.AddToQueue(action.UserID, models.SyncRequest{
		Provider: payload.Provider,
		Reason:   payload.Reason,
	})
	if err != nil {
		return fmt.Errorf("failed to queue %s sync: %w", payload.Provider, err)
	}
	return nil
}

func (e *Executor) handleGenerateReport(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.ReportPayload)
	if !ok {
		return fmt.Errorf("%w: generate_insight_report", models.ErrPayloadTypeMismatch)
	}

	insightTypes := payload.InsightTypes
	if len(insightTypes) == 0 {
		insightTypes = knownInsightTypes
	}
	body := e.composeReport(action.UserID, insightTypes, reportLookback(payload.Period))
	return e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title:     fmt.Sprintf("Your twin's %s report", reportPeriodLabel(payload.Period)),
		Body:      body,
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}

func reportLookback(period string) time.Duration {
	switch period {
	case "daily":
		return 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func reportPeriodLabel(period string) string {
	switch period {
	case "daily", "weekly", "monthly":
		return period
	default:
		return "weekly"
	}
}

// composeReport summarizes each insight type's current confidence and trend.
func (e *Executor) composeReport(userID string, insightTypes []string, lookback time.Duration) string {
	report := "Here is how your twin evolved:"
	found := false
	for _, insightType := range insightTypes {
		snap, err := e.store.GetInsightSnapshot(userID, insightType)
		if err != nil || snap == nil {
			continue
		}
		found = true
		line := fmt.Sprintf("\n- %s: confidence %.0f%%", insightType, snap.ConfidenceScore*100)
		if e.detector != nil {
			if trend, err := e.detector.AnalyzeTrend(userID, insightType, lookback); err == nil &&
				trend.Direction != drift.TrendInsufficientData {
				line += fmt.Sprintf(" (%s)", trend.Direction)
			}
		}
		report += line
	}
	if !found {
		report += "\nNot enough data yet. Connect more sources to get a richer picture."
	}
	return report
}

func (e *Executor) handleRecommendConnections(ctx context.Context, action models.AutomatedAction) error {
	payload, ok := action.Payload.(models.ConnectionsPayload)
	if !ok {
		return fmt.Errorf("%w: recommend_connections", models.ErrPayloadTypeMismatch)
	}
	maxSuggestions := payload.MaxSuggestions
	if maxSuggestions <= 0 {
		maxSuggestions = 3
	}
	return e.notifications.EnqueueNotification(ctx, action.UserID, models.Notification{
		Title: "People you might click with",
		Body: fmt.Sprintf("We found up to %d people whose twins overlap with yours. Open the dashboard to see them.",
			maxSuggestions),
		Priority:  action.Priority,
		CreatedAt: e.now().UTC(),
	})
}
