package engine

import (
	"log/slog"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// reloadQueue restores the live queue from persisted state after a restart.
// Actions found in executing state were in flight when the previous process
// died; they keep that state and timestamp so the watchdog reclaims them on
// its normal schedule.
func (e *Engine) reloadQueue() error {
	actions, err := e.store.ListPendingActions("")
	if err != nil {
		return err
	}

	restored := 0
	inFlight := 0
	for _, action := range actions {
		if err := e.queue.Enqueue(action); err != nil {
			slog.Warn("Engine.reloadQueue skipping invalid persisted action",
				"actionID", action.ID, "userID", action.UserID, "error", err)
			continue
		}
		restored++
		if action.Status == models.ActionStatusExecuting {
			inFlight++
		}
	}
	if restored > 0 {
		slog.Info("Engine.reloadQueue restored queue state", "actions", restored, "inFlight", inFlight)
	}
	return nil
}
