package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	"github.com/MirrorGraph/TwinPulse/internal/util"
)

// DefaultBatchSize caps how many due actions one band tick dispatches per
// user, bounding per-tick latency and keeping users fair on a shared worker.
const DefaultBatchSize = 3

// Band is one priority worker band. Bands cover disjoint priority ranges and
// poll independently, so they can tick concurrently without contending over
// the same actions.
type Band struct {
	Name        string
	MinPriority int
	MaxPriority int
	Interval    time.Duration
}

// DefaultBands returns the standard three-band layout: urgent work polls
// fast, background work polls slow.
func DefaultBands() []Band {
	return []Band{
		{Name: "high", MinPriority: 1, MaxPriority: 3, Interval: 30 * time.Second},
		{Name: "medium", MinPriority: 4, MaxPriority: 6, Interval: 2 * time.Minute},
		{Name: "low", MinPriority: 7, MaxPriority: 10, Interval: 10 * time.Minute},
	}
}

// processBand runs one tick of a priority band: per user, collect due
// in-band actions (atomically marked executing) and run them sequentially.
// Terminal actions move to history; retryable failures go back to pending
// with their backed-off schedule.
func (e *Engine) processBand(ctx context.Context, band Band) {
	now := e.now().UTC()
	for _, userID := range e.queue.Users() {
		due := e.queue.CollectDue(userID, band.MinPriority, band.MaxPriority, now, e.batchSize)
		var completed, failed, retried int
		for _, action := range due {
			result := e.executor.Execute(ctx, action)
			e.settle(result)
			switch result.Status {
			case models.ActionStatusCompleted:
				completed++
			case models.ActionStatusFailed:
				failed++
			default:
				retried++
			}
		}
		if len(due) > 0 {
			e.stats.recordDispatch(band.Name, completed, failed, retried)
			slog.Debug("Engine.processBand dispatched", "band", band.Name, "userID", userID, "count", len(due))
		}
	}
}

// settle applies an action's post-execution state to the queue and store.
func (e *Engine) settle(action models.AutomatedAction) {
	switch action.Status {
	case models.ActionStatusCompleted, models.ActionStatusFailed:
		e.queue.Archive(action)
		if err := e.store.AppendActionHistory(action); err != nil {
			slog.Error("Engine.settle failed to archive action", "actionID", action.ID, "error", err)
		}
		if err := e.store.DeletePendingAction(action.ID); err != nil {
			slog.Error("Engine.settle failed to delete pending action", "actionID", action.ID, "error", err)
		}
	default:
		e.queue.Update(action)
		if err := e.store.UpdateAction(action); err != nil {
			slog.Error("Engine.settle failed to persist retry state", "actionID", action.ID, "error", err)
		}
	}
}

// evaluateAllUsers runs one rule evaluation sweep over every known user.
// One user's failure never aborts the sweep for the others.
func (e *Engine) evaluateAllUsers() {
	userIDs, err := e.store.ListUserIDs()
	if err != nil {
		slog.Error("Engine.evaluateAllUsers failed to list users", "error", err)
		return
	}
	for _, userID := range userIDs {
		if _, err := e.EvaluateRulesForUser(userID); err != nil {
			slog.Error("Engine.evaluateAllUsers evaluation failed", "userID", userID, "error", err)
		}
	}
}

func (e *Engine) userEvalLock(userID string) *sync.Mutex {
	e.evalMu.RLock()
	lock, ok := e.evalLocks[userID]
	e.evalMu.RUnlock()
	if ok {
		return lock
	}

	e.evalMu.Lock()
	defer e.evalMu.Unlock()
	if lock, ok = e.evalLocks[userID]; ok {
		return lock
	}
	lock = &sync.Mutex{}
	e.evalLocks[userID] = lock
	return lock
}

// EvaluateRulesForUser evaluates every active rule applying to the user and
// enqueues an action for each rule that fires. The cooldown check runs after
// trigger evaluation, immediately before enqueue; a rule in cooldown never
// enqueues. Per-rule failures are logged and skipped. Returns the actions
// enqueued this cycle.
func (e *Engine) EvaluateRulesForUser(userID string) ([]models.AutomatedAction, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}

	lock := e.userEvalLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rules, err := e.GetActiveRules(userID)
	if err != nil {
		return nil, err
	}

	var enqueued []models.AutomatedAction
	for _, rule := range rules {
		fired, err := e.evaluator.Evaluate(userID, rule.Trigger)
		if err != nil {
			slog.Warn("Engine.EvaluateRulesForUser trigger evaluation failed",
				"userID", userID, "ruleID", rule.ID, "error", err)
			continue
		}
		if !fired {
			continue
		}

		now := e.now().UTC()
		if rule.InCooldown(now) {
			slog.Debug("Engine.EvaluateRulesForUser rule in cooldown",
				"userID", userID, "ruleID", rule.ID, "lastTriggered", rule.LastTriggered)
			continue
		}

		action := synthesizeAction(userID, rule, now)
		if err := e.enqueue(action); err != nil {
			slog.Error("Engine.EvaluateRulesForUser enqueue failed",
				"userID", userID, "ruleID", rule.ID, "error", err)
			continue
		}
		if err := e.markTriggered(userID, rule, now); err != nil {
			slog.Error("Engine.EvaluateRulesForUser failed to update rule state",
				"userID", userID, "ruleID", rule.ID, "error", err)
		}
		enqueued = append(enqueued, action)
		slog.Info("Engine.EvaluateRulesForUser rule fired",
			"userID", userID, "ruleID", rule.ID, "actionID", action.ID, "actionType", action.Type)
	}
	return enqueued, nil
}

// markTriggered records a firing against the user's own copy of the rule.
// A shared default rule is personalized on first fire: a user-owned copy with
// the same logical ID is saved, which shadows the default from then on so
// cooldown state is tracked per user rather than across the whole pool.
func (e *Engine) markTriggered(userID string, rule models.AutomationRule, now time.Time) error {
	if rule.UserID == models.DefaultRulePool {
		rule.UserID = userID
		rule.LastTriggered = &now
		rule.TriggerCount++
		return e.store.SaveRule(rule)
	}
	return e.store.UpdateRuleState(userID, rule.ID, now, rule.TriggerCount+1)
}

// synthesizeAction builds a queued action from a fired rule's template.
func synthesizeAction(userID string, rule models.AutomationRule, now time.Time) models.AutomatedAction {
	return models.AutomatedAction{
		ID:           util.GenerateActionID(),
		UserID:       userID,
		TwinID:       twinIDFor(userID),
		RuleID:       rule.ID,
		Type:         rule.Action.Type,
		Payload:      rule.Action.Payload,
		Priority:     rule.Priority,
		Status:       models.ActionStatusPending,
		ScheduledFor: now.Add(rule.Action.Delay),
		CreatedAt:    now,
		MaxRetries:   rule.Action.MaxRetries,
	}
}
