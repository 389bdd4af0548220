package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeRule serializes the nested trigger and action template of a rule.
func encodeRule(rule models.AutomationRule) (triggerJSON, actionJSON string, err error) {
	tb, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", "", fmt.Errorf("marshal trigger for rule %s: %w", rule.ID, err)
	}
	ab, err := json.Marshal(rule.Action)
	if err != nil {
		return "", "", fmt.Errorf("marshal action template for rule %s: %w", rule.ID, err)
	}
	return string(tb), string(ab), nil
}

// scanRule scans an AutomationRule row in schema column order.
func scanRule(sc rowScanner) (models.AutomationRule, error) {
	var (
		r             models.AutomationRule
		triggerJSON   string
		actionJSON    string
		cooldownNS    int64
		lastTriggered sql.NullTime
	)
	err := sc.Scan(&r.ID, &r.UserID, &r.Name, &r.IsActive, &r.Priority,
		&triggerJSON, &actionJSON, &cooldownNS, &lastTriggered, &r.TriggerCount, &r.CreatedAt)
	if err != nil {
		return r, fmt.Errorf("scan rule failed: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &r.Trigger); err != nil {
		return r, fmt.Errorf("decode trigger for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(actionJSON), &r.Action); err != nil {
		return r, fmt.Errorf("decode action template for rule %s: %w", r.ID, err)
	}
	r.CooldownPeriod = time.Duration(cooldownNS)
	if lastTriggered.Valid {
		t := lastTriggered.Time
		r.LastTriggered = &t
	}
	return r, nil
}

// scanAction scans an AutomatedAction row in schema column order (shared by
// pending_actions and action_history reads).
func scanAction(sc rowScanner) (models.AutomatedAction, error) {
	var (
		a                       models.AutomatedAction
		ruleID                  sql.NullString
		payloadJSON             string
		executedAt, completedAt sql.NullTime
	)
	err := sc.Scan(&a.ID, &a.UserID, &a.TwinID, &ruleID, &a.Type, &payloadJSON,
		&a.Priority, &a.Status, &a.ScheduledFor, &a.CreatedAt,
		&executedAt, &completedAt, &a.RetryCount, &a.MaxRetries, &a.ErrorMessage)
	if err != nil {
		return a, fmt.Errorf("scan action failed: %w", err)
	}
	a.RuleID = ruleID.String
	if payloadJSON != "" {
		payload, err := models.UnmarshalPayload([]byte(payloadJSON))
		if err != nil {
			return a, fmt.Errorf("decode payload for action %s: %w", a.ID, err)
		}
		a.Payload = payload
	}
	if executedAt.Valid {
		t := executedAt.Time
		a.ExecutedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return a, nil
}

// encodeAction serializes an action's payload envelope.
func encodeAction(action models.AutomatedAction) (string, error) {
	if action.Payload == nil {
		return "", models.ErrMissingPayload
	}
	payload, err := models.MarshalPayload(action.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for action %s: %w", action.ID, err)
	}
	return string(payload), nil
}

// encodeIDs serializes a source-data ID list, nil when empty.
func encodeIDs(ids []string) (interface{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal source data IDs: %w", err)
	}
	return string(b), nil
}

// decodeIDs deserializes a source-data ID list from a nullable column.
func decodeIDs(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw.String), &ids); err != nil {
		return nil
	}
	return ids
}

// scanEvolutionEntry scans a TwinEvolutionEntry row in schema column order.
func scanEvolutionEntry(sc rowScanner) (models.TwinEvolutionEntry, error) {
	var (
		e                  models.TwinEvolutionEntry
		oldValue, newValue sql.NullString
		sourceIDs          sql.NullString
	)
	err := sc.Scan(&e.ID, &e.UserID, &e.TwinID, &e.ChangeType, &oldValue, &newValue,
		&e.ChangeSummary, &e.ConfidenceImpact, &e.TriggerSource, &sourceIDs, &e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("scan evolution entry failed: %w", err)
	}
	if oldValue.Valid {
		e.OldValue = json.RawMessage(oldValue.String)
	}
	if newValue.Valid {
		e.NewValue = json.RawMessage(newValue.String)
	}
	e.SourceDataIDs = decodeIDs(sourceIDs)
	return e, nil
}

// scanInsightSnapshot scans a PersonalityInsight snapshot row.
func scanInsightSnapshot(sc rowScanner) (models.PersonalityInsight, error) {
	var (
		i         models.PersonalityInsight
		data      sql.NullString
		sourceIDs sql.NullString
	)
	err := sc.Scan(&i.UserID, &i.InsightType, &data, &i.ConfidenceScore,
		&i.SourceDataCount, &sourceIDs, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return i, fmt.Errorf("scan insight snapshot failed: %w", err)
	}
	if data.Valid {
		i.InsightData = json.RawMessage(data.String)
	}
	i.SourceDataIDs = decodeIDs(sourceIDs)
	return i, nil
}

// scanInsightPoint scans an insight_series row into a PersonalityInsight.
func scanInsightPoint(sc rowScanner) (models.PersonalityInsight, error) {
	var (
		i          models.PersonalityInsight
		data       sql.NullString
		recordedAt time.Time
	)
	err := sc.Scan(&i.UserID, &i.InsightType, &data, &i.ConfidenceScore,
		&i.SourceDataCount, &recordedAt)
	if err != nil {
		return i, fmt.Errorf("scan insight point failed: %w", err)
	}
	if data.Valid {
		i.InsightData = json.RawMessage(data.String)
	}
	i.CreatedAt = recordedAt
	i.UpdatedAt = recordedAt
	return i, nil
}
