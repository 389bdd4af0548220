// Package store: in-memory Store implementation.
//
// Used by tests and by single-process deployments that do not need
// durability across restarts.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store.
type InMemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]models.AutomationRule    // userID+"\x00"+ruleID
	pending   map[string]models.AutomatedAction   // actionID -> live action
	history   map[string][]models.AutomatedAction // userID -> archived actions (append order)
	evolution map[string][]models.TwinEvolutionEntry
	snapshots map[string]models.PersonalityInsight   // userID+"\x00"+insightType
	series    map[string][]models.PersonalityInsight // userID+"\x00"+insightType
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rules:     make(map[string]models.AutomationRule),
		pending:   make(map[string]models.AutomatedAction),
		history:   make(map[string][]models.AutomatedAction),
		evolution: make(map[string][]models.TwinEvolutionEntry),
		snapshots: make(map[string]models.PersonalityInsight),
		series:    make(map[string][]models.PersonalityInsight),
	}
}

func insightKey(userID, insightType string) string {
	return userID + "\x00" + insightType
}

func ruleKey(userID, ruleID string) string {
	return userID + "\x00" + ruleID
}

// SaveRule inserts or replaces a rule definition.
func (s *InMemoryStore) SaveRule(rule models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[ruleKey(rule.UserID, rule.ID)] = rule
	return nil
}

// GetRules returns the rules owned by userID.
func (s *InMemoryStore) GetRules(userID string) ([]models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateRuleState persists the mutable firing state of one user's rule.
func (s *InMemoryStore) UpdateRuleState(userID, ruleID string, lastTriggered time.Time, triggerCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ruleKey(userID, ruleID)
	r, ok := s.rules[key]
	if !ok {
		return nil
	}
	t := lastTriggered
	r.LastTriggered = &t
	r.TriggerCount = triggerCount
	s.rules[key] = r
	return nil
}

// SavePendingAction inserts a queued action.
func (s *InMemoryStore) SavePendingAction(action models.AutomatedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[action.ID] = action
	return nil
}

// UpdateAction replaces a queued action's stored state.
func (s *InMemoryStore) UpdateAction(action models.AutomatedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[action.ID]; ok {
		s.pending[action.ID] = action
	}
	return nil
}

// ListPendingActions returns live actions for a user (all users if empty).
func (s *InMemoryStore) ListPendingActions(userID string) ([]models.AutomatedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AutomatedAction
	for _, a := range s.pending {
		if userID == "" || a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeletePendingAction removes an action from the live set.
func (s *InMemoryStore) DeletePendingAction(actionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, actionID)
	return nil
}

// AppendActionHistory archives a terminal action.
func (s *InMemoryStore) AppendActionHistory(action models.AutomatedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[action.UserID] = append(s.history[action.UserID], action)
	return nil
}

// GetActionHistory returns archived actions, newest first.
func (s *InMemoryStore) GetActionHistory(userID string, limit int) ([]models.AutomatedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	archived := s.history[userID]
	out := make([]models.AutomatedAction, 0, len(archived))
	for i := len(archived) - 1; i >= 0; i-- {
		out = append(out, archived[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// AppendEvolutionEntry archives a twin evolution record.
func (s *InMemoryStore) AppendEvolutionEntry(entry models.TwinEvolutionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evolution[entry.UserID] = append(s.evolution[entry.UserID], entry)
	return nil
}

// GetEvolutionEntries returns evolution records, newest first.
func (s *InMemoryStore) GetEvolutionEntries(userID string, limit int) ([]models.TwinEvolutionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.evolution[userID]
	out := make([]models.TwinEvolutionEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SaveInsightSnapshot upserts the snapshot and appends a series point.
func (s *InMemoryStore) SaveInsightSnapshot(insight models.PersonalityInsight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := insightKey(insight.UserID, insight.InsightType)
	s.snapshots[key] = insight
	s.series[key] = append(s.series[key], insight)
	return nil
}

// GetInsightSnapshot returns the current snapshot or nil.
func (s *InMemoryStore) GetInsightSnapshot(userID, insightType string) (*models.PersonalityInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	insight, ok := s.snapshots[insightKey(userID, insightType)]
	if !ok {
		return nil, nil
	}
	return &insight, nil
}

// GetInsightSeries returns series points at or after since, oldest first.
func (s *InMemoryStore) GetInsightSeries(userID, insightType string, since time.Time) ([]models.PersonalityInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PersonalityInsight
	for _, p := range s.series[insightKey(userID, insightType)] {
		if !p.UpdatedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListUserIDs returns every known user, excluding the default rule pool.
func (s *InMemoryStore) ListUserIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, r := range s.rules {
		if r.UserID != models.DefaultRulePool {
			seen[r.UserID] = true
		}
	}
	for _, insight := range s.snapshots {
		if insight.UserID != models.DefaultRulePool {
			seen[insight.UserID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
