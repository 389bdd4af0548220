// Package store: SQLite-backed Store implementation.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists engine state in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore failed to open connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveRule inserts or replaces a rule definition.
func (s *SQLiteStore) SaveRule(rule models.AutomationRule) error {
	triggerJSON, actionJSON, err := encodeRule(rule)
	if err != nil {
		return err
	}
	var lastTriggered interface{}
	if rule.LastTriggered != nil {
		lastTriggered = *rule.LastTriggered
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO rules
		(id, user_id, name, is_active, priority, trigger_json, action_json, cooldown_ns, last_triggered, trigger_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.UserID, rule.Name, rule.IsActive, rule.Priority,
		triggerJSON, actionJSON, int64(rule.CooldownPeriod), lastTriggered, rule.TriggerCount, rule.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveRule failed", "error", err, "ruleID", rule.ID)
		return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
	}
	slog.Debug("SQLiteStore.SaveRule succeeded", "ruleID", rule.ID, "userID", rule.UserID)
	return nil
}

// GetRules returns the rules owned by userID.
func (s *SQLiteStore) GetRules(userID string) ([]models.AutomationRule, error) {
	rows, err := s.db.Query(`SELECT id, user_id, name, is_active, priority, trigger_json, action_json,
		cooldown_ns, last_triggered, trigger_count, created_at
		FROM rules WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		slog.Error("SQLiteStore.GetRules query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query rules for %s: %w", userID, err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			slog.Error("SQLiteStore.GetRules scan failed", "error", err)
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	slog.Debug("SQLiteStore.GetRules succeeded", "userID", userID, "count", len(rules))
	return rules, nil
}

// UpdateRuleState persists the mutable firing state of one user's rule.
func (s *SQLiteStore) UpdateRuleState(userID, ruleID string, lastTriggered time.Time, triggerCount int) error {
	_, err := s.db.Exec(`UPDATE rules SET last_triggered = ?, trigger_count = ? WHERE user_id = ? AND id = ?`,
		lastTriggered, triggerCount, userID, ruleID)
	if err != nil {
		slog.Error("SQLiteStore.UpdateRuleState failed", "error", err, "ruleID", ruleID)
		return fmt.Errorf("failed to update rule state for %s: %w", ruleID, err)
	}
	return nil
}

// SavePendingAction inserts a queued action.
func (s *SQLiteStore) SavePendingAction(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO pending_actions
		(id, user_id, twin_id, rule_id, action_type, payload_json, priority, status, scheduled_for,
		 created_at, executed_at, completed_at, retry_count, max_retries, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.UserID, action.TwinID, nilIfEmpty(action.RuleID), action.Type, payloadJSON,
		action.Priority, action.Status, action.ScheduledFor, action.CreatedAt,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.MaxRetries, action.ErrorMessage)
	if err != nil {
		slog.Error("SQLiteStore.SavePendingAction failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to insert pending action %s: %w", action.ID, err)
	}
	slog.Debug("SQLiteStore.SavePendingAction succeeded", "actionID", action.ID, "userID", action.UserID)
	return nil
}

// UpdateAction replaces a queued action's stored state.
func (s *SQLiteStore) UpdateAction(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE pending_actions SET status = ?, payload_json = ?, scheduled_for = ?,
		executed_at = ?, completed_at = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		action.Status, payloadJSON, action.ScheduledFor,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.ErrorMessage, action.ID)
	if err != nil {
		slog.Error("SQLiteStore.UpdateAction failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to update action %s: %w", action.ID, err)
	}
	return nil
}

// ListPendingActions returns live actions for a user (all users if empty).
func (s *SQLiteStore) ListPendingActions(userID string) ([]models.AutomatedAction, error) {
	query := `SELECT id, user_id, twin_id, rule_id, action_type, payload_json, priority, status,
		scheduled_for, created_at, executed_at, completed_at, retry_count, max_retries, error_message
		FROM pending_actions`
	var (
		rows *sql.Rows
		err  error
	)
	if userID == "" {
		rows, err = s.db.Query(query + ` ORDER BY created_at`)
	} else {
		rows, err = s.db.Query(query+` WHERE user_id = ? ORDER BY created_at`, userID)
	}
	if err != nil {
		slog.Error("SQLiteStore.ListPendingActions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []models.AutomatedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListPendingActions scan failed", "error", err)
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending action rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListPendingActions succeeded", "userID", userID, "count", len(actions))
	return actions, nil
}

// DeletePendingAction removes an action from the live set.
func (s *SQLiteStore) DeletePendingAction(actionID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_actions WHERE id = ?`, actionID)
	if err != nil {
		slog.Error("SQLiteStore.DeletePendingAction failed", "error", err, "actionID", actionID)
		return fmt.Errorf("failed to delete pending action %s: %w", actionID, err)
	}
	return nil
}

// AppendActionHistory archives a terminal action.
func (s *SQLiteStore) AppendActionHistory(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO action_history
		(id, user_id, twin_id, rule_id, action_type, payload_json, priority, status, scheduled_for,
		 created_at, executed_at, completed_at, retry_count, max_retries, error_message, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.UserID, action.TwinID, nilIfEmpty(action.RuleID), action.Type, payloadJSON,
		action.Priority, action.Status, action.ScheduledFor, action.CreatedAt,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.MaxRetries, action.ErrorMessage, time.Now())
	if err != nil {
		slog.Error("SQLiteStore.AppendActionHistory failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to archive action %s: %w", action.ID, err)
	}
	return nil
}

// GetActionHistory returns archived actions, newest first.
func (s *SQLiteStore) GetActionHistory(userID string, limit int) ([]models.AutomatedAction, error) {
	query := `SELECT id, user_id, twin_id, rule_id, action_type, payload_json, priority, status,
		scheduled_for, created_at, executed_at, completed_at, retry_count, max_retries, error_message
		FROM action_history WHERE user_id = ? ORDER BY archived_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, userID, limit)
	} else {
		rows, err = s.db.Query(query, userID)
	}
	if err != nil {
		slog.Error("SQLiteStore.GetActionHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query action history: %w", err)
	}
	defer rows.Close()

	var actions []models.AutomatedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return actions, nil
}

// AppendEvolutionEntry archives a twin evolution record.
func (s *SQLiteStore) AppendEvolutionEntry(entry models.TwinEvolutionEntry) error {
	sourceIDs, err := encodeIDs(entry.SourceDataIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO evolution_entries
		(id, user_id, twin_id, change_type, old_value, new_value, change_summary, confidence_impact,
		 trigger_source, source_data_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.TwinID, entry.ChangeType,
		nilIfEmpty(string(entry.OldValue)), nilIfEmpty(string(entry.NewValue)),
		entry.ChangeSummary, entry.ConfidenceImpact, entry.TriggerSource, sourceIDs, entry.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AppendEvolutionEntry failed", "error", err, "entryID", entry.ID)
		return fmt.Errorf("failed to insert evolution entry %s: %w", entry.ID, err)
	}
	slog.Debug("SQLiteStore.AppendEvolutionEntry succeeded", "entryID", entry.ID, "userID", entry.UserID)
	return nil
}

// GetEvolutionEntries returns evolution records, newest first.
func (s *SQLiteStore) GetEvolutionEntries(userID string, limit int) ([]models.TwinEvolutionEntry, error) {
	query := `SELECT id, user_id, twin_id, change_type, old_value, new_value, change_summary,
		confidence_impact, trigger_source, source_data_ids, created_at
		FROM evolution_entries WHERE user_id = ? ORDER BY created_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, userID, limit)
	} else {
		rows, err = s.db.Query(query, userID)
	}
	if err != nil {
		slog.Error("SQLiteStore.GetEvolutionEntries query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query evolution entries: %w", err)
	}
	defer rows.Close()

	var entries []models.TwinEvolutionEntry
	for rows.Next() {
		entry, err := scanEvolutionEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate evolution rows: %w", err)
	}
	return entries, nil
}

// SaveInsightSnapshot upserts the snapshot and appends a series point.
func (s *SQLiteStore) SaveInsightSnapshot(insight models.PersonalityInsight) error {
	sourceIDs, err := encodeIDs(insight.SourceDataIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO insight_snapshots
		(user_id, insight_type, insight_data, confidence_score, source_data_count, source_data_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		insight.UserID, insight.InsightType, nilIfEmpty(string(insight.InsightData)),
		insight.ConfidenceScore, insight.SourceDataCount, sourceIDs, insight.CreatedAt, insight.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveInsightSnapshot failed", "error", err, "userID", insight.UserID, "type", insight.InsightType)
		return fmt.Errorf("failed to upsert insight snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO insight_series
		(user_id, insight_type, insight_data, confidence_score, source_data_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		insight.UserID, insight.InsightType, nilIfEmpty(string(insight.InsightData)),
		insight.ConfidenceScore, insight.SourceDataCount, insight.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveInsightSnapshot series append failed", "error", err, "userID", insight.UserID)
		return fmt.Errorf("failed to append insight series point: %w", err)
	}
	return nil
}

// GetInsightSnapshot returns the current snapshot or nil.
func (s *SQLiteStore) GetInsightSnapshot(userID, insightType string) (*models.PersonalityInsight, error) {
	row := s.db.QueryRow(`SELECT user_id, insight_type, insight_data, confidence_score,
		source_data_count, source_data_ids, created_at, updated_at
		FROM insight_snapshots WHERE user_id = ? AND insight_type = ?`, userID, insightType)
	insight, err := scanInsightSnapshot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		slog.Error("SQLiteStore.GetInsightSnapshot failed", "error", err, "userID", userID, "type", insightType)
		return nil, err
	}
	return &insight, nil
}

// GetInsightSeries returns series points at or after since, oldest first.
func (s *SQLiteStore) GetInsightSeries(userID, insightType string, since time.Time) ([]models.PersonalityInsight, error) {
	rows, err := s.db.Query(`SELECT user_id, insight_type, insight_data, confidence_score,
		source_data_count, recorded_at
		FROM insight_series WHERE user_id = ? AND insight_type = ? AND recorded_at >= ?
		ORDER BY recorded_at`, userID, insightType, since)
	if err != nil {
		slog.Error("SQLiteStore.GetInsightSeries query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query insight series: %w", err)
	}
	defer rows.Close()

	var points []models.PersonalityInsight
	for rows.Next() {
		point, err := scanInsightPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate series rows: %w", err)
	}
	return points, nil
}

// ListUserIDs returns every known user, excluding the default rule pool.
func (s *SQLiteStore) ListUserIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM
		(SELECT user_id FROM rules UNION SELECT user_id FROM insight_snapshots)
		WHERE user_id != ? ORDER BY user_id`, models.DefaultRulePool)
	if err != nil {
		slog.Error("SQLiteStore.ListUserIDs query failed", "error", err)
		return nil, fmt.Errorf("failed to query user IDs: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user ID: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user ID rows: %w", err)
	}
	return users, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore closing database connection")
	return s.db.Close()
}
