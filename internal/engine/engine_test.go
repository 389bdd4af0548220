package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/messaging"
	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/store"
)

// fakeSyncQueue records sync requests handed to the executor.
type fakeSyncQueue struct {
	requests []models.SyncRequest
	err      error
}

func (f *fakeSyncQueue) AddToQueue(userID string, req models.SyncRequest) (models.SyncRequest, error) {
	if f.err != nil {
		return models.SyncRequest{}, f.err
	}
	req.UserID = userID
	req.Status = models.SyncStatusQueued
	f.requests = append(f.requests, req)
	return req, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore, *messaging.MockSink, *fakeSyncQueue) {
	t.Helper()
	mem := store.NewInMemoryStore()
	sink := messaging.NewMockSink()
	syncQueue := &fakeSyncQueue{}
	eng, err := NewEngine(
		WithStore(mem),
		WithNotificationSink(sink),
		WithMessageSink(sink),
		WithSyncQueue(syncQueue),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng, mem, sink, syncQueue
}

// setClock pins the engine and executor clocks to a fixed instant.
func setClock(e *Engine, at time.Time) {
	clock := func() time.Time { return at }
	e.now = clock
	e.executor.now = clock
}

func notificationAction(userID string, priority int) models.AutomatedAction {
	return models.AutomatedAction{
		UserID:   userID,
		Type:     models.ActionSendNotification,
		Payload:  models.NotificationPayload{Title: "hi", Message: "hello there"},
		Priority: priority,
	}
}

func inactivityRule(id string, cooldown time.Duration, priority int) models.AutomationRule {
	return models.AutomationRule{
		ID:       id,
		Name:     "Inactivity nudge",
		IsActive: true,
		Priority: priority,
		Trigger: models.ActionTrigger{
			Type: models.TriggerEngagementPattern,
			Conditions: []models.TriggerCondition{
				{Field: "days_inactive", Operator: models.OperatorGreaterThan, Value: "3"},
			},
		},
		Action: models.ActionTemplate{
			Type:       models.ActionSendNotification,
			Payload:    models.NotificationPayload{Title: "Come back", Message: "Your twin misses you."},
			MaxRetries: 2,
		},
		CooldownPeriod: cooldown,
	}
}

func TestQueueActionFillsDefaults(t *testing.T) {
	eng, mem, _, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setClock(eng, now)

	queued, err := eng.QueueAction("u1", notificationAction("u1", 2))
	if err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	if queued.ID == "" {
		t.Error("expected a generated action ID")
	}
	if queued.Status != models.ActionStatusPending {
		t.Errorf("Status = %q, want pending", queued.Status)
	}
	if !queued.ScheduledFor.Equal(now) {
		t.Errorf("ScheduledFor = %v, want %v", queued.ScheduledFor, now)
	}
	if queued.TwinID != "twin-u1" {
		t.Errorf("TwinID = %q, want twin-u1", queued.TwinID)
	}

	persisted, err := mem.ListPendingActions("u1")
	if err != nil {
		t.Fatalf("ListPendingActions() error = %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("persisted %d actions, want 1", len(persisted))
	}
}

func TestQueueActionRejectsInvalid(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	bad := notificationAction("u1", 2)
	bad.Payload = models.SyncPayload{Provider: "spotify"}
	if _, err := eng.QueueAction("u1", bad); !errors.Is(err, models.ErrPayloadTypeMismatch) {
		t.Errorf("QueueAction() error = %v, want payload mismatch", err)
	}
}

func TestEvaluateRulesCooldownScenario(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.evaluator = NewEvaluator(staticFacts{facts: factsWith(map[string]float64{"days_inactive": 5}, nil)})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	setClock(eng, start)

	rule, err := eng.AddCustomRule("u1", inactivityRule("nudge", 24*time.Hour, 6))
	if err != nil {
		t.Fatalf("AddCustomRule() error = %v", err)
	}

	// t=0: condition holds, no cooldown: one action, lastTriggered set once.
	enqueued, err := eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser() error = %v", err)
	}
	if len(enqueued) != 1 {
		t.Fatalf("t=0: enqueued %d actions, want 1", len(enqueued))
	}
	if enqueued[0].RuleID != rule.ID {
		t.Errorf("RuleID = %q, want %q", enqueued[0].RuleID, rule.ID)
	}

	rules, _ := eng.GetActiveRules("u1")
	if len(rules) != 1 || rules[0].LastTriggered == nil || !rules[0].LastTriggered.Equal(start) {
		t.Fatalf("lastTriggered not recorded: %+v", rules)
	}
	if rules[0].TriggerCount != 1 {
		t.Errorf("TriggerCount = %d, want 1", rules[0].TriggerCount)
	}

	// t=1h: still satisfied but in cooldown: nothing enqueued.
	setClock(eng, start.Add(time.Hour))
	enqueued, err = eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser() error = %v", err)
	}
	if len(enqueued) != 0 {
		t.Fatalf("t=1h: enqueued %d actions, want 0", len(enqueued))
	}

	// t=25h: cooldown elapsed: fires again.
	setClock(eng, start.Add(25*time.Hour))
	enqueued, err = eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser() error = %v", err)
	}
	if len(enqueued) != 1 {
		t.Fatalf("t=25h: enqueued %d actions, want 1", len(enqueued))
	}

	rules, _ = eng.GetActiveRules("u1")
	if rules[0].TriggerCount != 2 {
		t.Errorf("TriggerCount = %d, want 2", rules[0].TriggerCount)
	}
}

func TestEvaluateRulesConcurrentCallsRespectCooldown(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.evaluator = NewEvaluator(staticFacts{facts: factsWith(map[string]float64{"days_inactive": 5}, nil)})
	setClock(eng, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if _, err := eng.AddCustomRule("u1", inactivityRule("nudge", 24*time.Hour, 6)); err != nil {
		t.Fatalf("AddCustomRule() error = %v", err)
	}

	// The cron sweep, signal ingestion, and the evaluate endpoint can all
	// hit the same user at once; the cooldown must still admit exactly one
	// firing.
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			enqueued, err := eng.EvaluateRulesForUser("u1")
			if err != nil {
				t.Errorf("EvaluateRulesForUser() error = %v", err)
				return
			}
			mu.Lock()
			total += len(enqueued)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Fatalf("enqueued %d actions for one rule firing, want 1", total)
	}
	if pending := eng.PendingActions("u1"); len(pending) != 1 {
		t.Fatalf("queue holds %d actions, want 1", len(pending))
	}
	rules, _ := eng.GetActiveRules("u1")
	if len(rules) != 1 || rules[0].TriggerCount != 1 {
		t.Fatalf("rules after concurrent evaluation = %+v, want one rule with TriggerCount 1", rules)
	}
}

func TestEvaluateRulesTimeBasedUsesEngineClock(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	// A Sunday, 09:00 UTC, seen through the store-backed fact provider.
	setClock(eng, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	rule := models.AutomationRule{
		ID:       "sunday-digest",
		Name:     "Sunday digest",
		IsActive: true,
		Priority: 5,
		Trigger: models.ActionTrigger{
			Type: models.TriggerTimeBased,
			Conditions: []models.TriggerCondition{
				{Field: "day_of_week", Operator: models.OperatorEquals, Value: "sunday"},
				{Field: "hour", Operator: models.OperatorEquals, Value: "9"},
			},
		},
		Action: models.ActionTemplate{
			Type:    models.ActionSendNotification,
			Payload: models.NotificationPayload{Title: "Digest", Message: "Your week with your twin."},
		},
		CooldownPeriod: 24 * time.Hour,
	}
	if _, err := eng.AddCustomRule("u1", rule); err != nil {
		t.Fatalf("AddCustomRule() error = %v", err)
	}

	enqueued, err := eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser() error = %v", err)
	}
	if len(enqueued) != 1 {
		t.Fatalf("enqueued %d actions at Sunday 09:00, want 1", len(enqueued))
	}

	// Past the window (and the cooldown), the rule stays quiet.
	setClock(eng, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	enqueued, err = eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser() error = %v", err)
	}
	if len(enqueued) != 0 {
		t.Fatalf("enqueued %d actions on Monday 10:00, want 0", len(enqueued))
	}
}

func TestEvaluateRulesNeverFiringProducesNothing(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.evaluator = NewEvaluator(staticFacts{facts: factsWith(map[string]float64{"days_inactive": 1}, nil)})
	setClock(eng, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	if _, err := eng.AddCustomRule("u1", inactivityRule("nudge", time.Hour, 5)); err != nil {
		t.Fatalf("AddCustomRule() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		enqueued, err := eng.EvaluateRulesForUser("u1")
		if err != nil {
			t.Fatalf("EvaluateRulesForUser() error = %v", err)
		}
		if len(enqueued) != 0 {
			t.Fatalf("cycle %d enqueued %d actions, want 0", i, len(enqueued))
		}
	}
	if eng.queue.Len() != 0 {
		t.Errorf("queue holds %d actions, want 0", eng.queue.Len())
	}
}

func TestDefaultRuleCooldownIsPerUser(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.evaluator = NewEvaluator(staticFacts{facts: factsWith(map[string]float64{"confidence_impact": 0.5}, nil)})
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	setClock(eng, start)

	if err := eng.seedDefaultRules(); err != nil {
		t.Fatalf("seedDefaultRules() error = %v", err)
	}

	// Only the drift notification default matches these facts.
	enqueued, err := eng.EvaluateRulesForUser("u1")
	if err != nil {
		t.Fatalf("EvaluateRulesForUser(u1) error = %v", err)
	}
	if len(enqueued) != 1 || enqueued[0].RuleID != "default-drift-notification" {
		t.Fatalf("u1 first pass enqueued %+v, want one drift notification", enqueued)
	}

	// u1 is now in cooldown on a personalized copy of the rule.
	setClock(eng, start.Add(time.Hour))
	if enqueued, _ = eng.EvaluateRulesForUser("u1"); len(enqueued) != 0 {
		t.Fatalf("u1 in cooldown enqueued %d actions, want 0", len(enqueued))
	}

	// u2 has never fired the rule; the pool copy is untouched.
	if enqueued, _ = eng.EvaluateRulesForUser("u2"); len(enqueued) != 1 {
		t.Fatalf("u2 enqueued %d actions, want 1", len(enqueued))
	}

	// The personalized copy shadows the default for u1: exactly one active
	// drift rule, not two.
	rules, err := eng.GetActiveRules("u1")
	if err != nil {
		t.Fatalf("GetActiveRules() error = %v", err)
	}
	seen := 0
	for _, r := range rules {
		if r.ID == "default-drift-notification" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("u1 sees %d copies of the drift rule, want 1", seen)
	}
}

func TestExecutorRetrySucceedsOnThirdAttempt(t *testing.T) {
	eng, _, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	action, err := eng.QueueAction("u1", func() models.AutomatedAction {
		a := notificationAction("u1", 2)
		a.MaxRetries = 2
		return a
	}())
	if err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	sink.Err = errors.New("delivery backend down")
	result := eng.executor.Execute(context.Background(), action)
	if result.Status != models.ActionStatusPending {
		t.Fatalf("attempt 1: Status = %q, want pending", result.Status)
	}
	if result.RetryCount != 1 {
		t.Fatalf("attempt 1: RetryCount = %d, want 1", result.RetryCount)
	}
	firstDelay := result.ScheduledFor.Sub(now)
	if firstDelay != 2*time.Minute {
		t.Errorf("attempt 1 backoff = %v, want 2m", firstDelay)
	}

	setClock(eng, now.Add(3*time.Minute))
	result.Status = models.ActionStatusPending
	result = eng.executor.Execute(context.Background(), result)
	if result.RetryCount != 2 {
		t.Fatalf("attempt 2: RetryCount = %d, want 2", result.RetryCount)
	}
	secondDelay := result.ScheduledFor.Sub(now.Add(3 * time.Minute))
	if secondDelay != 4*time.Minute {
		t.Errorf("attempt 2 backoff = %v, want 4m", secondDelay)
	}
	if secondDelay <= firstDelay {
		t.Errorf("backoff must strictly increase: %v then %v", firstDelay, secondDelay)
	}

	sink.Err = nil
	setClock(eng, now.Add(10*time.Minute))
	result = eng.executor.Execute(context.Background(), result)
	if result.Status != models.ActionStatusCompleted {
		t.Fatalf("attempt 3: Status = %q, want completed", result.Status)
	}
	if result.RetryCount != 2 {
		t.Errorf("attempt 3: RetryCount = %d, want 2", result.RetryCount)
	}
	if result.CompletedAt == nil {
		t.Error("CompletedAt not set on success")
	}
	if result.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want empty after success", result.ErrorMessage)
	}
	if sink.NotificationCount() != 1 {
		t.Errorf("sink received %d notifications, want 1", sink.NotificationCount())
	}
}

func TestExecutorExhaustsRetriesAndFails(t *testing.T) {
	eng, mem, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)
	sink.Err = errors.New("delivery backend down")

	action := notificationAction("u1", 2)
	action.MaxRetries = 1
	queued, err := eng.QueueAction("u1", action)
	if err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	// First attempt: one retry left, goes back to pending.
	due := eng.queue.CollectDue("u1", 1, 3, now, DefaultBatchSize)
	if len(due) != 1 {
		t.Fatalf("collected %d due actions, want 1", len(due))
	}
	eng.settle(eng.executor.Execute(context.Background(), due[0]))

	// Second attempt after backoff: retries exhausted, terminal failure.
	later := now.Add(5 * time.Minute)
	setClock(eng, later)
	due = eng.queue.CollectDue("u1", 1, 3, later, DefaultBatchSize)
	if len(due) != 1 {
		t.Fatalf("collected %d due actions after backoff, want 1", len(due))
	}
	final := eng.executor.Execute(context.Background(), due[0])
	if final.Status != models.ActionStatusFailed {
		t.Fatalf("Status = %q, want failed", final.Status)
	}
	if final.RetryCount != final.MaxRetries {
		t.Errorf("RetryCount = %d, want %d", final.RetryCount, final.MaxRetries)
	}
	if final.ErrorMessage == "" {
		t.Error("failed action must carry its error message")
	}
	eng.settle(final)

	// No third attempt: the queue holds nothing dispatchable.
	much := later.Add(time.Hour)
	if due = eng.queue.CollectDue("u1", 1, 3, much, DefaultBatchSize); len(due) != 0 {
		t.Fatalf("collected %d actions after terminal failure, want 0", len(due))
	}

	history, err := mem.GetActionHistory("u1", 0)
	if err != nil {
		t.Fatalf("GetActionHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != queued.ID || history[0].Status != models.ActionStatusFailed {
		t.Fatalf("history = %+v, want the failed action archived", history)
	}
}

func TestExecutorUnknownActionTypeFailsPermanently(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	setClock(eng, time.Now().UTC())

	action := models.AutomatedAction{
		ID:         "a1",
		UserID:     "u1",
		Type:       models.ActionType("teleport_user"),
		Priority:   2,
		Status:     models.ActionStatusPending,
		MaxRetries: 3,
	}
	result := eng.executor.Execute(context.Background(), action)
	if result.Status != models.ActionStatusFailed {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (no retries for unknown types)", result.RetryCount)
	}
	if result.ErrorMessage == "" {
		t.Error("expected a descriptive error message")
	}
}

func TestProcessBandRespectsScheduleAndPriority(t *testing.T) {
	eng, _, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	// Due and in-band.
	if _, err := eng.QueueAction("u1", notificationAction("u1", 2)); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	// In-band but scheduled in the future: must not dispatch.
	future := notificationAction("u1", 1)
	future.ScheduledFor = now.Add(time.Hour)
	if _, err := eng.QueueAction("u1", future); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	// Due but out of band.
	if _, err := eng.QueueAction("u1", notificationAction("u1", 7)); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	high := DefaultBands()[0]
	eng.processBand(context.Background(), high)

	if sink.NotificationCount() != 1 {
		t.Fatalf("high band dispatched %d notifications, want 1", sink.NotificationCount())
	}
	remaining := eng.queue.Pending("u1")
	if len(remaining) != 2 {
		t.Fatalf("%d actions remain, want 2", len(remaining))
	}
	for _, a := range remaining {
		if a.Status != models.ActionStatusPending {
			t.Errorf("action %s Status = %q, want pending", a.ID, a.Status)
		}
	}

	// The low band picks up the priority-7 action; the future one stays.
	low := DefaultBands()[2]
	eng.processBand(context.Background(), low)
	if sink.NotificationCount() != 2 {
		t.Fatalf("after low band, %d notifications, want 2", sink.NotificationCount())
	}
	if remaining = eng.queue.Pending("u1"); len(remaining) != 1 {
		t.Fatalf("%d actions remain, want only the future one", len(remaining))
	}
}

func TestProcessBandBatchCap(t *testing.T) {
	eng, _, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	for i := 0; i < 5; i++ {
		if _, err := eng.QueueAction("u1", notificationAction("u1", 2)); err != nil {
			t.Fatalf("QueueAction() error = %v", err)
		}
	}

	high := DefaultBands()[0]
	eng.processBand(context.Background(), high)
	if sink.NotificationCount() != DefaultBatchSize {
		t.Fatalf("one tick dispatched %d actions, want batch cap %d", sink.NotificationCount(), DefaultBatchSize)
	}

	eng.processBand(context.Background(), high)
	if sink.NotificationCount() != 5 {
		t.Fatalf("two ticks dispatched %d actions total, want 5", sink.NotificationCount())
	}
}

func TestScheduleReviewSpawnsConversation(t *testing.T) {
	eng, _, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	review := models.AutomatedAction{
		UserID:   "u1",
		Type:     models.ActionScheduleReview,
		Payload:  models.ReviewPayload{Topic: "spaced repetition", SpawnConversation: true, ReviewAfter: 2 * time.Hour},
		Priority: 2,
	}
	if _, err := eng.QueueAction("u1", review); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}

	eng.processBand(context.Background(), DefaultBands()[0])

	if sink.NotificationCount() != 1 {
		t.Fatalf("review dispatched %d notifications, want 1", sink.NotificationCount())
	}

	pending := eng.queue.Pending("u1")
	if len(pending) != 1 {
		t.Fatalf("%d pending actions after review, want the derived conversation", len(pending))
	}
	derived := pending[0]
	if derived.Type != models.ActionInitiateConversation {
		t.Fatalf("derived Type = %q, want initiate_conversation", derived.Type)
	}
	if derived.RuleID != "" {
		t.Errorf("derived RuleID = %q, want empty for a directly-issued action", derived.RuleID)
	}
	if !derived.ScheduledFor.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("derived ScheduledFor = %v, want %v", derived.ScheduledFor, now.Add(2*time.Hour))
	}

	// Once due, the conversation goes out through the message sink.
	setClock(eng, now.Add(3*time.Hour))
	eng.processBand(context.Background(), DefaultBands()[0])
	if sink.MessageCount() != 1 {
		t.Fatalf("dispatched %d proactive messages, want 1", sink.MessageCount())
	}
	if sink.Messages[0].Topic != "spaced repetition" {
		t.Errorf("message topic = %q, want the review topic", sink.Messages[0].Topic)
	}
}

func TestSyncActionReachesOrchestrator(t *testing.T) {
	eng, _, _, syncQueue := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	action := models.AutomatedAction{
		UserID:   "u1",
		Type:     models.ActionSyncExternalData,
		Payload:  models.SyncPayload{Provider: "whatsapp", Reason: "stale data"},
		Priority: 7,
	}
	if _, err := eng.QueueAction("u1", action); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	eng.processBand(context.Background(), DefaultBands()[2])

	if len(syncQueue.requests) != 1 {
		t.Fatalf("orchestrator received %d requests, want 1", len(syncQueue.requests))
	}
	if syncQueue.requests[0].Provider != "whatsapp" || syncQueue.requests[0].UserID != "u1" {
		t.Errorf("unexpected sync request %+v", syncQueue.requests[0])
	}
}

func TestWatchdogRequeuesStuckAction(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	action := notificationAction("u1", 2)
	action.MaxRetries = 2
	if _, err := eng.QueueAction("u1", action); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	// Simulate a crash mid-handler: collected (marked executing) but never settled.
	if due := eng.queue.CollectDue("u1", 1, 3, now, DefaultBatchSize); len(due) != 1 {
		t.Fatalf("collected %d actions, want 1", len(due))
	}

	// Well within the timeout: left alone.
	setClock(eng, now.Add(5*time.Minute))
	eng.watchdogSweep()
	if pending := eng.queue.Pending("u1"); pending[0].Status != models.ActionStatusExecuting {
		t.Fatalf("Status = %q after early sweep, want executing", pending[0].Status)
	}

	// Past the timeout: requeued with an incremented retry count.
	setClock(eng, now.Add(11*time.Minute))
	eng.watchdogSweep()
	pending := eng.queue.Pending("u1")
	if len(pending) != 1 {
		t.Fatalf("%d live actions after sweep, want 1", len(pending))
	}
	if pending[0].Status != models.ActionStatusPending {
		t.Errorf("Status = %q, want pending", pending[0].Status)
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", pending[0].RetryCount)
	}
}

func TestWatchdogFailsStuckActionOutOfRetries(t *testing.T) {
	eng, mem, _, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	action := notificationAction("u1", 2)
	action.MaxRetries = 0
	if _, err := eng.QueueAction("u1", action); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	if due := eng.queue.CollectDue("u1", 1, 3, now, DefaultBatchSize); len(due) != 1 {
		t.Fatalf("collected %d actions, want 1", len(due))
	}

	setClock(eng, now.Add(11*time.Minute))
	eng.watchdogSweep()

	if live := eng.queue.Pending("u1"); len(live) != 0 {
		t.Fatalf("%d live actions after terminal sweep, want 0", len(live))
	}
	history, err := mem.GetActionHistory("u1", 0)
	if err != nil {
		t.Fatalf("GetActionHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Status != models.ActionStatusFailed {
		t.Fatalf("history = %+v, want one failed action", history)
	}
}

func TestReloadQueueRestoresPersistedActions(t *testing.T) {
	mem := store.NewInMemoryStore()
	pendingAction := notificationAction("u1", 2)
	pendingAction.ID = "a-pending"
	pendingAction.Status = models.ActionStatusPending
	pendingAction.ScheduledFor = time.Now().UTC()
	pendingAction.CreatedAt = time.Now().UTC()
	if err := mem.SavePendingAction(pendingAction); err != nil {
		t.Fatalf("SavePendingAction() error = %v", err)
	}

	executedAt := time.Now().UTC().Add(-20 * time.Minute)
	inFlight := notificationAction("u2", 2)
	inFlight.ID = "a-inflight"
	inFlight.Status = models.ActionStatusExecuting
	inFlight.ExecutedAt = &executedAt
	inFlight.ScheduledFor = executedAt
	inFlight.CreatedAt = executedAt
	inFlight.MaxRetries = 2
	if err := mem.SavePendingAction(inFlight); err != nil {
		t.Fatalf("SavePendingAction() error = %v", err)
	}

	sink := messaging.NewMockSink()
	eng, err := NewEngine(WithStore(mem), WithNotificationSink(sink), WithMessageSink(sink), WithSyncQueue(&fakeSyncQueue{}))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.reloadQueue(); err != nil {
		t.Fatalf("reloadQueue() error = %v", err)
	}

	if got := eng.queue.Pending("u1"); len(got) != 1 || got[0].ID != "a-pending" {
		t.Fatalf("u1 queue = %+v, want the pending action", got)
	}
	if got := eng.queue.Pending("u2"); len(got) != 1 || got[0].Status != models.ActionStatusExecuting {
		t.Fatalf("u2 queue = %+v, want the in-flight action intact", got)
	}

	// The stale in-flight action is reclaimed on the first watchdog pass.
	eng.watchdogSweep()
	if got := eng.queue.Pending("u2"); len(got) != 1 || got[0].Status != models.ActionStatusPending || got[0].RetryCount != 1 {
		t.Fatalf("u2 queue after sweep = %+v, want a requeued pending action", got)
	}
}

func TestShutdownRejectsFurtherWork(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.Shutdown()

	if _, err := eng.QueueAction("u1", notificationAction("u1", 2)); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("QueueAction() error = %v, want ErrEngineStopped", err)
	}
	if _, err := eng.EvaluateRulesForUser("u1"); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("EvaluateRulesForUser() error = %v, want ErrEngineStopped", err)
	}
	if err := eng.Start(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Start() after Shutdown error = %v, want ErrEngineStopped", err)
	}
}

func TestNotificationChannelRouting(t *testing.T) {
	eng, _, defaultSink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	smsSink := messaging.NewMockSink()
	eng.Executor().RegisterChannelSink("sms", smsSink)

	action := notificationAction("u1", 2)
	action.Payload = models.NotificationPayload{Title: "hi", Message: "urgent ping", Channel: "sms"}
	if _, err := eng.QueueAction("u1", action); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	eng.processBand(context.Background(), DefaultBands()[0])

	if smsSink.NotificationCount() != 1 {
		t.Fatalf("sms sink received %d notifications, want 1", smsSink.NotificationCount())
	}
	if defaultSink.NotificationCount() != 0 {
		t.Errorf("default sink received %d notifications, want 0", defaultSink.NotificationCount())
	}
}

func TestStatsTrackDispatchOutcomes(t *testing.T) {
	eng, _, sink, _ := newTestEngine(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	setClock(eng, now)

	high := DefaultBands()[0]

	if _, err := eng.QueueAction("u1", notificationAction("u1", 2)); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	eng.processBand(context.Background(), high)

	sink.Err = errors.New("transport down")
	failing := notificationAction("u1", 2)
	failing.MaxRetries = 1
	if _, err := eng.QueueAction("u1", failing); err != nil {
		t.Fatalf("QueueAction() error = %v", err)
	}
	eng.processBand(context.Background(), high)

	// Past the backoff window; the retry fails again and exhausts retries.
	setClock(eng, now.Add(3*time.Minute))
	eng.processBand(context.Background(), high)

	stats := eng.Stats()
	got := stats.Bands["high"]
	want := BandStats{Dispatched: 3, Completed: 1, Failed: 1, Retried: 1}
	if got != want {
		t.Errorf("band stats = %+v, want %+v", got, want)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("QueueDepth = %d, want 0 after both actions settled", stats.QueueDepth)
	}
}
