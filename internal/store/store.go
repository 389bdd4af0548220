// Package store provides storage backends for TwinPulse.
//
// It includes an in-memory store for tests and single-process use, plus
// SQLite and PostgreSQL backends behind the same Store interface.
package store

import (
	"strings"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string (file path for SQLite)
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for everything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence contract consumed by the automation engine.
//
// Rules are partitioned by user; rules owned by models.DefaultRulePool apply
// to every user. Pending actions mirror the live queue for crash recovery;
// history, evolution entries and insight series are append-only.
type Store interface {
	// SaveRule inserts or replaces a rule definition.
	SaveRule(rule models.AutomationRule) error
	// GetRules returns the rules owned by userID (not including the default pool).
	GetRules(userID string) ([]models.AutomationRule, error)
	// UpdateRuleState persists the mutable firing state of one user's rule.
	UpdateRuleState(userID, ruleID string, lastTriggered time.Time, triggerCount int) error

	// SavePendingAction inserts a queued action.
	SavePendingAction(action models.AutomatedAction) error
	// UpdateAction replaces a queued action's stored state.
	UpdateAction(action models.AutomatedAction) error
	// ListPendingActions returns all live (pending or executing) actions for a
	// user. An empty userID returns every user's live actions.
	ListPendingActions(userID string) ([]models.AutomatedAction, error)
	// DeletePendingAction removes an action from the live set.
	DeletePendingAction(actionID string) error

	// AppendActionHistory archives a terminal (completed or failed) action.
	AppendActionHistory(action models.AutomatedAction) error
	// GetActionHistory returns the most recent archived actions for a user,
	// newest first, capped at limit (0 means no cap).
	GetActionHistory(userID string, limit int) ([]models.AutomatedAction, error)

	// AppendEvolutionEntry archives a twin evolution record.
	AppendEvolutionEntry(entry models.TwinEvolutionEntry) error
	// GetEvolutionEntries returns the most recent evolution records for a
	// user, newest first, capped at limit (0 means no cap).
	GetEvolutionEntries(userID string, limit int) ([]models.TwinEvolutionEntry, error)

	// SaveInsightSnapshot upserts the current snapshot for (user, insightType)
	// and appends a point to the insight series used for trend analysis.
	SaveInsightSnapshot(insight models.PersonalityInsight) error
	// GetInsightSnapshot returns the current snapshot for (user, insightType),
	// or nil if none exists.
	GetInsightSnapshot(userID, insightType string) (*models.PersonalityInsight, error)
	// GetInsightSeries returns all series points for (user, insightType)
	// recorded at or after since, oldest first.
	GetInsightSeries(userID, insightType string, since time.Time) ([]models.PersonalityInsight, error)

	// ListUserIDs returns every user known to the store (rule owners and
	// insight subjects), excluding the default rule pool.
	ListUserIDs() ([]string, error)

	// Close releases any underlying resources.
	Close() error
}
