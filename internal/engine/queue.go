package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// DefaultHistorySize bounds the per-user execution history ring.
const DefaultHistorySize = 100

// userQueue holds one user's live actions. Each user has their own lock so
// cross-user contention never occurs; the bands touch disjoint priority
// ranges, so per-user locking alone makes the dispatch decision atomic.
type userQueue struct {
	mu      sync.Mutex
	actions map[string]models.AutomatedAction
	order   []string // insertion order, for discovery-order dispatch
	history []models.AutomatedAction
}

// ActionQueue is the per-user, priority-stratified holding area for actions
// awaiting execution.
type ActionQueue struct {
	mu          sync.RWMutex
	users       map[string]*userQueue
	historySize int
}

// NewActionQueue creates an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{
		users:       make(map[string]*userQueue),
		historySize: DefaultHistorySize,
	}
}

func (q *ActionQueue) userQueue(userID string) *userQueue {
	q.mu.RLock()
	uq, ok := q.users[userID]
	q.mu.RUnlock()
	if ok {
		return uq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if uq, ok = q.users[userID]; ok {
		return uq
	}
	uq = &userQueue{actions: make(map[string]models.AutomatedAction)}
	q.users[userID] = uq
	return uq
}

// Enqueue adds a pending action to its user's queue.
func (q *ActionQueue) Enqueue(action models.AutomatedAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	uq := q.userQueue(action.UserID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	if _, exists := uq.actions[action.ID]; !exists {
		uq.order = append(uq.order, action.ID)
	}
	uq.actions[action.ID] = action
	slog.Debug("ActionQueue enqueued", "actionID", action.ID, "userID", action.UserID,
		"type", action.Type, "priority", action.Priority)
	return nil
}

// CollectDue atomically selects up to batch pending actions for userID whose
// priority lies in [minPriority, maxPriority] and whose scheduledFor is not
// in the future, marks them executing, and returns them in discovery order.
// Marking inside the lock prevents double-dispatch by concurrent ticks.
func (q *ActionQueue) CollectDue(userID string, minPriority, maxPriority int, now time.Time, batch int) []models.AutomatedAction {
	uq := q.userQueue(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	var due []models.AutomatedAction
	for _, id := range uq.order {
		if len(due) >= batch {
			break
		}
		action, ok := uq.actions[id]
		if !ok || action.Status != models.ActionStatusPending {
			continue
		}
		if action.Priority < minPriority || action.Priority > maxPriority {
			continue
		}
		if action.ScheduledFor.After(now) {
			continue
		}
		executedAt := now
		action.Status = models.ActionStatusExecuting
		action.ExecutedAt = &executedAt
		uq.actions[id] = action
		due = append(due, action)
	}
	return due
}

// Update writes back an action's mutated state.
func (q *ActionQueue) Update(action models.AutomatedAction) {
	uq := q.userQueue(action.UserID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	if _, ok := uq.actions[action.ID]; ok {
		uq.actions[action.ID] = action
	}
}

// Archive removes a terminal action from the live set and appends it to the
// user's bounded history ring.
func (q *ActionQueue) Archive(action models.AutomatedAction) {
	uq := q.userQueue(action.UserID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	delete(uq.actions, action.ID)
	for i, id := range uq.order {
		if id == action.ID {
			uq.order = append(uq.order[:i], uq.order[i+1:]...)
			break
		}
	}
	uq.history = append(uq.history, action)
	if len(uq.history) > q.historySize {
		uq.history = uq.history[len(uq.history)-q.historySize:]
	}
}

// Pending returns a copy of the user's live actions in discovery order.
func (q *ActionQueue) Pending(userID string) []models.AutomatedAction {
	uq := q.userQueue(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	out := make([]models.AutomatedAction, 0, len(uq.actions))
	for _, id := range uq.order {
		if action, ok := uq.actions[id]; ok {
			out = append(out, action)
		}
	}
	return out
}

// History returns a copy of the user's execution history, oldest first.
func (q *ActionQueue) History(userID string) []models.AutomatedAction {
	uq := q.userQueue(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	out := make([]models.AutomatedAction, len(uq.history))
	copy(out, uq.history)
	return out
}

// Users returns every user with queue state.
func (q *ActionQueue) Users() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.users))
	for id := range q.users {
		out = append(out, id)
	}
	return out
}

// Len returns the total number of live actions across all users.
func (q *ActionQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	total := 0
	for _, uq := range q.users {
		uq.mu.Lock()
		total += len(uq.actions)
		uq.mu.Unlock()
	}
	return total
}
