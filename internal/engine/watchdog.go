package engine

import (
	"log/slog"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Watchdog defaults. The timeout is deliberately generous: it only has to
// catch handlers that died mid-flight, not slow ones.
const (
	DefaultWatchdogInterval = time.Minute
	DefaultWatchdogTimeout  = 10 * time.Minute
)

// watchdogSweep reclaims actions stuck in executing longer than the watchdog
// timeout, typically left behind by a crash mid-handler. A stuck action with
// retries left goes back to pending with an incremented retryCount; one out
// of retries is failed terminally.
func (e *Engine) watchdogSweep() {
	now := e.now().UTC()
	cutoff := now.Add(-e.watchdogTimeout)
	for _, userID := range e.queue.Users() {
		for _, action := range e.queue.Pending(userID) {
			if action.Status != models.ActionStatusExecuting {
				continue
			}
			if action.ExecutedAt == nil || action.ExecutedAt.After(cutoff) {
				continue
			}

			stuckFor := now.Sub(*action.ExecutedAt)
			if action.RetryCount < action.MaxRetries {
				action.RetryCount++
				action.Status = models.ActionStatusPending
				action.ScheduledFor = now
				action.ErrorMessage = "reclaimed by watchdog: handler did not return"
				e.queue.Update(action)
				if err := e.store.UpdateAction(action); err != nil {
					slog.Error("Engine.watchdogSweep failed to persist requeue",
						"actionID", action.ID, "error", err)
				}
				e.stats.recordWatchdogRequeue()
				slog.Warn("Engine.watchdogSweep requeued stuck action",
					"actionID", action.ID, "userID", userID, "stuckFor", stuckFor,
					"retryCount", action.RetryCount)
			} else {
				action.Status = models.ActionStatusFailed
				action.ErrorMessage = "abandoned by watchdog: handler did not return and retries are exhausted"
				e.settle(action)
				e.stats.recordWatchdogFailure()
				slog.Error("Engine.watchdogSweep abandoned stuck action",
					"actionID", action.ID, "userID", userID, "stuckFor", stuckFor)
			}
		}
	}
}
