// Package store: PostgreSQL-backed Store implementation.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/MirrorGraph/TwinPulse/internal/models"
	_ "github.com/lib/pq"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists engine state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SaveRule inserts or replaces a rule definition.
func (s *PostgresStore) SaveRule(rule models.AutomationRule) error {
	triggerJSON, actionJSON, err := encodeRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO rules
		(id, user_id, name, is_active, priority, trigger_json, action_json, cooldown_ns, last_triggered, trigger_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, id) DO UPDATE SET
			name = EXCLUDED.name, is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority, trigger_json = EXCLUDED.trigger_json,
			action_json = EXCLUDED.action_json, cooldown_ns = EXCLUDED.cooldown_ns,
			last_triggered = EXCLUDED.last_triggered, trigger_count = EXCLUDED.trigger_count`,
		rule.ID, rule.UserID, rule.Name, rule.IsActive, rule.Priority,
		triggerJSON, actionJSON, int64(rule.CooldownPeriod), nullableTime(rule.LastTriggered),
		rule.TriggerCount, rule.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveRule failed", "error", err, "ruleID", rule.ID)
		return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
	}
	slog.Debug("PostgresStore.SaveRule succeeded", "ruleID", rule.ID, "userID", rule.UserID)
	return nil
}

// GetRules returns the rules owned by userID.
func (s *PostgresStore) GetRules(userID string) ([]models.AutomationRule, error) {
	rows, err := s.db.Query(`SELECT id, user_id, name, is_active, priority, trigger_json, action_json,
		cooldown_ns, last_triggered, trigger_count, created_at
		FROM rules WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		slog.Error("PostgresStore.GetRules query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query rules for %s: %w", userID, err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			slog.Error("PostgresStore.GetRules scan failed", "error", err)
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	slog.Debug("PostgresStore.GetRules succeeded", "userID", userID, "count", len(rules))
	return rules, nil
}

// UpdateRuleState persists the mutable firing state of one user's rule.
func (s *PostgresStore) UpdateRuleState(userID, ruleID string, lastTriggered time.Time, triggerCount int) error {
	_, err := s.db.Exec(`UPDATE rules SET last_triggered = $1, trigger_count = $2 WHERE user_id = $3 AND id = $4`,
		lastTriggered, triggerCount, userID, ruleID)
	if err != nil {
		slog.Error("PostgresStore.UpdateRuleState failed", "error", err, "ruleID", ruleID)
		return fmt.Errorf("failed to update rule state for %s: %w", ruleID, err)
	}
	return nil
}

// SavePendingAction inserts a queued action.
func (s *PostgresStore) SavePendingAction(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO pending_actions
		(id, user_id, twin_id, rule_id, action_type, payload_json, priority, status, scheduled_for,
		 created_at, executed_at, completed_at, retry_count, max_retries, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, payload_json = EXCLUDED.payload_json,
			scheduled_for = EXCLUDED.scheduled_for, executed_at = EXCLUDED.executed_at,
			completed_at = EXCLUDED.completed_at, retry_count = EXCLUDED.retry_count,
			error_message = EXCLUDED.error_message`,
		action.ID, action.UserID, action.TwinID, nilIfEmpty(action.RuleID), action.Type, payloadJSON,
		action.Priority, action.Status, action.ScheduledFor, action.CreatedAt,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.MaxRetries, action.ErrorMessage)
	if err != nil {
		slog.Error("PostgresStore.SavePendingAction failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to insert pending action %s: %w", action.ID, err)
	}
	slog.Debug("PostgresStore.SavePendingAction succeeded", "actionID", action.ID, "userID", action.UserID)
	return nil
}

// UpdateAction replaces a queued action's stored state.
func (s *PostgresStore) UpdateAction(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE pending_actions SET status = $1, payload_json = $2, scheduled_for = $3,
		executed_at = $4, completed_at = $5, retry_count = $6, error_message = $7 WHERE id = $8`,
		action.Status, payloadJSON, action.ScheduledFor,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.ErrorMessage, action.ID)
	if err != nil {
		slog.Error("PostgresStore.UpdateAction failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to update action %s: %w", action.ID, err)
	}
	return nil
}

// ListPendingActions returns live actions for a user (all users if empty).
func (s *PostgresStore) ListPendingActions(userID string) ([]models.AutomatedAction, error) {
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
		rows, err = s.db.Query(query+` WHERE user_id = $1 ORDER BY created_at`, userID)
	}
	if err != nil {
		slog.Error("PostgresStore.ListPendingActions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []models.AutomatedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			slog.Error("PostgresStore.ListPendingActions scan failed", "error", err)
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending action rows: %w", err)
	}
	return actions, nil
}

// DeletePendingAction removes an action from the live set.
func (s *PostgresStore) DeletePendingAction(actionID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_actions WHERE id = $1`, actionID)
	if err != nil {
		slog.Error("PostgresStore.DeletePendingAction failed", "error", err, "actionID", actionID)
		return fmt.Errorf("failed to delete pending action %s: %w", actionID, err)
	}
	return nil
}

// AppendActionHistory archives a terminal action.
func (s *PostgresStore) AppendActionHistory(action models.AutomatedAction) error {
	payloadJSON, err := encodeAction(action)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO action_history
		(id, user_id, twin_id, rule_id, action_type, payload_json, priority, status, scheduled_for,
		 created_at, executed_at, completed_at, retry_count, max_retries, error_message, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		action.ID, action.UserID, action.TwinID, nilIfEmpty(action.RuleID), action.Type, payloadJSON,
		action.Priority, action.Status, action.ScheduledFor, action.CreatedAt,
		nullableTime(action.ExecutedAt), nullableTime(action.CompletedAt),
		action.RetryCount, action.MaxRetries, action.ErrorMessage, time.Now())
	if err != nil {
		slog.Error("PostgresStore.AppendActionHistory failed", "error", err, "actionID", action.ID)
		return fmt.Errorf("failed to archive action %s: %w", action.ID, err)
	}
	return nil
}

// GetActionHistory returns archived actions, newest first.
func (s *PostgresStore) GetActionHistory(userID string, limit int) ([]models.AutomatedAction, error) {
	query := `SELECT id, user_id, twin_id, rule_id, action_type, payload_json, priority, status,
		scheduled_for, created_at, executed_at, completed_at, retry_count, max_retries, error_message
		FROM action_history WHERE user_id = $1 ORDER BY archived_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $2`, userID, limit)
	} else {
		rows, err = s.db.Query(query, userID)
	}
	if err != nil {
		slog.Error("PostgresStore.GetActionHistory query failed", "error", err, "userID", userID)
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
func (s *PostgresStore) AppendEvolutionEntry(entry models.TwinEvolutionEntry) error {
	sourceIDs, err := encodeIDs(entry.SourceDataIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO evolution_entries
		(id, user_id, twin_id, change_type, old_value, new_value, change_summary, confidence_impact,
		 trigger_source, source_data_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.UserID, entry.TwinID, entry.ChangeType,
		nilIfEmpty(string(entry.OldValue)), nilIfEmpty(string(entry.NewValue)),
		entry.ChangeSummary, entry.ConfidenceImpact, entry.TriggerSource, sourceIDs, entry.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.AppendEvolutionEntry failed", "error", err, "entryID", entry.ID)
		return fmt.Errorf("failed to insert evolution entry %s: %w", entry.ID, err)
	}
	return nil
}

// GetEvolutionEntries returns evolution records, newest first.
func (s *PostgresStore) GetEvolutionEntries(userID string, limit int) ([]models.TwinEvolutionEntry, error) {
	query := `SELECT id, user_id, twin_id, change_type, old_value, new_value, change_summary,
		confidence_impact, trigger_source, source_data_ids, created_at
		FROM evolution_entries WHERE user_id = $1 ORDER BY created_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $2`, userID, limit)
	} else {
		rows, err = s.db.Query(query, userID)
	}
	if err != nil {
		slog.Error("PostgresStore.GetEvolutionEntries query failed", "error", err, "userID", userID)
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
func (s *PostgresStore) SaveInsightSnapshot(insight models.PersonalityInsight) error {
	sourceIDs, err := encodeIDs(insight.SourceDataIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO insight_snapshots
		(user_id, insight_type, insight_data, confidence_score, source_data_count, source_data_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, insight_type) DO UPDATE SET
			insight_data = EXCLUDED.insight_data, confidence_score = EXCLUDED.confidence_score,
			source_data_count = EXCLUDED.source_data_count, source_data_ids = EXCLUDED.source_data_ids,
			updated_at = EXCLUDED.updated_at`,
		insight.UserID, insight.InsightType, nilIfEmpty(string(insight.InsightData)),
		insight.ConfidenceScore, insight.SourceDataCount, sourceIDs, insight.CreatedAt, insight.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveInsightSnapshot failed", "error", err, "userID", insight.UserID, "type", insight.InsightType)
		return fmt.Errorf("failed to upsert insight snapshot: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO insight_series
		(user_id, insight_type, insight_data, confidence_score, source_data_count, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		insight.UserID, insight.InsightType, nilIfEmpty(string(insight.InsightData)),
		insight.ConfidenceScore, insight.SourceDataCount, insight.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveInsightSnapshot series append failed", "error", err, "userID", insight.UserID)
		return fmt.Errorf("failed to append insight series point: %w", err)
	}
	return nil
}

// GetInsightSnapshot returns the current snapshot or nil.
func (s *PostgresStore) GetInsightSnapshot(userID, insightType string) (*models.PersonalityInsight, error) {
	row := s.db.QueryRow(`SELECT user_id, insight_type, insight_data, confidence_score,
		source_data_count, source_data_ids, created_at, updated_at
		FROM insight_snapshots WHERE user_id = $1 AND insight_type = $2`, userID, insightType)
	insight, err := scanInsightSnapshot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		slog.Error("PostgresStore.GetInsightSnapshot failed", "error", err, "userID", userID, "type", insightType)
		return nil, err
	}
	return &insight, nil
}

// GetInsightSeries returns series points at or after since, oldest first.
func (s *PostgresStore) GetInsightSeries(userID, insightType string, since time.Time) ([]models.PersonalityInsight, error) {
	rows, err := s.db.Query(`SELECT user_id, insight_type, insight_data, confidence_score,
		source_data_count, recorded_at
		FROM insight_series WHERE user_id = $1 AND insight_type = $2 AND recorded_at >= $3
		ORDER BY recorded_at`, userID, insightType, since)
	if err != nil {
		slog.Error("PostgresStore.GetInsightSeries query failed", "error", err, "userID", userID)
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
func (s *PostgresStore) ListUserIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT user_id FROM
		(SELECT user_id FROM rules UNION SELECT user_id FROM insight_snapshots) known
		WHERE user_id != $1 ORDER BY user_id`, models.DefaultRulePool)
	if err != nil {
		slog.Error("PostgresStore.ListUserIDs query failed", "error", err)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore closing database connection")
	return s.db.Close()
}
