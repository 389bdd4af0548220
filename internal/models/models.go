// Package models defines the core data structures for TwinPulse.
//
// It includes automation rules, queued actions, twin evolution history, and
// personality insight snapshots, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// TriggerType classifies what kind of signal a rule watches.
type TriggerType string

const (
	// TriggerPersonalityChange fires on significant insight drift.
	TriggerPersonalityChange TriggerType = "personality_change"
	// TriggerLearningMilestone fires on aggregate learning progress.
	TriggerLearningMilestone TriggerType = "learning_milestone"
	// TriggerEngagementPattern fires on activity-level changes.
	TriggerEngagementPattern TriggerType = "engagement_pattern"
	// TriggerTimeBased fires on clock state (weekday/hour).
	TriggerTimeBased TriggerType = "time_based"
	// TriggerDataQuality fires on connector data freshness problems.
	TriggerDataQuality TriggerType = "data_quality"
	// TriggerConversationAnalysis fires on analyzed conversation signals.
	TriggerConversationAnalysis TriggerType = "conversation_analysis"
)

// ComparisonOperator is the comparison applied by a trigger condition.
type ComparisonOperator string

const (
	OperatorGreaterThan ComparisonOperator = "greater_than"
	OperatorLessThan    ComparisonOperator = "less_than"
	OperatorEquals      ComparisonOperator = "equals"
	OperatorContains    ComparisonOperator = "contains"
)

// ActionStatus represents the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusExecuting ActionStatus = "executing"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// Priority bounds for rules and actions. 1 is highest, 10 is lowest.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
)

// DefaultRulePool is the pseudo user ID owning the shared default rule set
// applied to every user.
const DefaultRulePool = "default"

// Validation constants.
const (
	// MaxConditionsPerTrigger bounds the condition set of a single trigger.
	MaxConditionsPerTrigger = 10
	// MaxRetriesCeiling bounds how many retries an action template may request.
	MaxRetriesCeiling = 10
	// MaxChangeSummaryLength bounds the human-readable drift summary.
	MaxChangeSummaryLength = 1024
)

// Error variables for better error handling and testability.
var (
	ErrEmptyUserID           = errors.New("user ID cannot be empty")
	ErrEmptyRuleID           = errors.New("rule ID cannot be empty")
	ErrInvalidTriggerType    = errors.New("invalid trigger type")
	ErrInvalidOperator       = errors.New("invalid comparison operator")
	ErrNoConditions          = errors.New("trigger requires at least one condition")
	ErrTooManyConditions     = errors.New("trigger has too many conditions")
	ErrInvalidPriority       = errors.New("priority must be between 1 and 10")
	ErrInvalidActionType     = errors.New("invalid action type")
	ErrNegativeCooldown      = errors.New("cooldown period cannot be negative")
	ErrNegativeDelay         = errors.New("action delay cannot be negative")
	ErrRetriesOutOfRange     = errors.New("max retries out of range")
	ErrMissingPayload        = errors.New("action payload is required")
	ErrPayloadTypeMismatch   = errors.New("payload kind does not match action type")
	ErrNegativeImpact        = errors.New("confidence impact cannot be negative")
	ErrConfidenceOutOfRange  = errors.New("confidence score must be within [0,1]")
	ErrEmptyConditionField   = errors.New("condition field cannot be empty")
	ErrUnknownPayloadKind    = errors.New("unknown payload kind")
	ErrEmptyInsightType      = errors.New("insight type cannot be empty")
	ErrEmptyNotificationBody = errors.New("notification body cannot be empty")
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerPersonalityChange, TriggerLearningMilestone, TriggerEngagementPattern,
		TriggerTimeBased, TriggerDataQuality, TriggerConversationAnalysis:
		return true
	default:
		return false
	}
}

// IsValidOperator checks if the given comparison operator is supported.
func IsValidOperator(op ComparisonOperator) bool {
	switch op {
	case OperatorGreaterThan, OperatorLessThan, OperatorEquals, OperatorContains:
		return true
	default:
		return false
	}
}

// TriggerCondition compares a named summary field against a threshold value.
// Value is carried as a string and coerced to the field's native type at
// evaluation time.
type TriggerCondition struct {
	Field    string             `json:"field"`
	Operator ComparisonOperator `json:"operator"`
	Value    string             `json:"value"`
}

// Validate checks a single trigger condition.
func (c *TriggerCondition) Validate() error {
	if c.Field == "" {
		return ErrEmptyConditionField
	}
	if !IsValidOperator(c.Operator) {
		return ErrInvalidOperator
	}
	return nil
}

// ActionTrigger is the condition-set portion of a rule.
//
// Time-based triggers combine their conditions with AND (a weekday condition
// and an hour condition must both hold); all other trigger types combine
// with OR.
type ActionTrigger struct {
	Type       TriggerType        `json:"type"`
	Conditions []TriggerCondition `json:"conditions"`
}

// Validate performs validation on an ActionTrigger.
func (t *ActionTrigger) Validate() error {
	if !IsValidTriggerType(t.Type) {
		return ErrInvalidTriggerType
	}
	if len(t.Conditions) == 0 {
		return ErrNoConditions
	}
	if len(t.Conditions) > MaxConditionsPerTrigger {
		return ErrTooManyConditions
	}
	for i := range t.Conditions {
		if err := t.Conditions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ActionTemplate describes the action a rule synthesizes when it fires.
type ActionTemplate struct {
	Type       ActionType    `json:"type"`
	Payload    ActionPayload `json:"-"`
	Delay      time.Duration `json:"delay"`
	MaxRetries int           `json:"max_retries"`
}

// Validate performs validation on an ActionTemplate.
func (t *ActionTemplate) Validate() error {
	if !IsValidActionType(t.Type) {
		return ErrInvalidActionType
	}
	if t.Payload == nil {
		return ErrMissingPayload
	}
	if t.Payload.Kind() != t.Type {
		return ErrPayloadTypeMismatch
	}
	if t.Delay < 0 {
		return ErrNegativeDelay
	}
	if t.MaxRetries < 0 || t.MaxRetries > MaxRetriesCeiling {
		return ErrRetriesOutOfRange
	}
	return nil
}

// templateJSON is the wire form of ActionTemplate with the payload envelope.
type templateJSON struct {
	Type       ActionType      `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Delay      time.Duration   `json:"delay"`
	MaxRetries int             `json:"max_retries"`
}

// MarshalJSON encodes the template with its payload envelope inline.
func (t ActionTemplate) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if t.Payload != nil {
		encoded, err := MarshalPayload(t.Payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	return json.Marshal(templateJSON{Type: t.Type, Payload: payload, Delay: t.Delay, MaxRetries: t.MaxRetries})
}

// UnmarshalJSON decodes the template and restores the concrete payload variant.
func (t *ActionTemplate) UnmarshalJSON(data []byte) error {
	var raw templateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Type = raw.Type
	t.Delay = raw.Delay
	t.MaxRetries = raw.MaxRetries
	if len(raw.Payload) > 0 {
		payload, err := UnmarshalPayload(raw.Payload)
		if err != nil {
			return err
		}
		t.Payload = payload
	}
	return nil
}

// AutomationRule is a standing condition-to-action mapping evaluated
// periodically per user. Rules owned by DefaultRulePool apply to all users.
type AutomationRule struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Name           string         `json:"name"`
	IsActive       bool           `json:"is_active"`
	Priority       int            `json:"priority"`
	Trigger        ActionTrigger  `json:"trigger"`
	Action         ActionTemplate `json:"action"`
	CooldownPeriod time.Duration  `json:"cooldown_period"`
	LastTriggered  *time.Time     `json:"last_triggered,omitempty"`
	TriggerCount   int            `json:"trigger_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate performs comprehensive validation on an AutomationRule.
func (r *AutomationRule) Validate() error {
	if r.ID == "" {
		return ErrEmptyRuleID
	}
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Priority < PriorityHighest || r.Priority > PriorityLowest {
		return ErrInvalidPriority
	}
	if r.CooldownPeriod < 0 {
		return ErrNegativeCooldown
	}
	if err := r.Trigger.Validate(); err != nil {
		return err
	}
	return r.Action.Validate()
}

// InCooldown reports whether the rule may not fire again yet.
func (r *AutomationRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil {
		return false
	}
	return r.LastTriggered.Add(r.CooldownPeriod).After(now)
}

// AutomatedAction is a queued unit of work representing one side effect to
// perform for a user.
type AutomatedAction struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	TwinID       string        `json:"twin_id"`
	RuleID       string        `json:"rule_id,omitempty"` // empty for directly-issued actions
	Type         ActionType    `json:"type"`
	Payload      ActionPayload `json:"-"`
	Priority     int           `json:"priority"`
	Status       ActionStatus  `json:"status"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	CreatedAt    time.Time     `json:"created_at"`
	ExecutedAt   *time.Time    `json:"executed_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Validate performs validation on an AutomatedAction.
func (a *AutomatedAction) Validate() error {
	if a.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidActionType(a.Type) {
		return ErrInvalidActionType
	}
	if a.Payload == nil {
		return ErrMissingPayload
	}
	if a.Payload.Kind() != a.Type {
		return ErrPayloadTypeMismatch
	}
	if a.Priority < PriorityHighest || a.Priority > PriorityLowest {
		return ErrInvalidPriority
	}
	if a.MaxRetries < 0 || a.MaxRetries > MaxRetriesCeiling {
		return ErrRetriesOutOfRange
	}
	return nil
}

// actionJSON is the wire form of AutomatedAction; the payload travels as a
// tagged envelope so decoding restores the concrete variant.
type actionJSON struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	TwinID       string          `json:"twin_id"`
	RuleID       string          `json:"rule_id,omitempty"`
	Type         ActionType      `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Status       ActionStatus    `json:"status"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	CreatedAt    time.Time       `json:"created_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// MarshalJSON encodes the action with its payload envelope inline.
func (a AutomatedAction) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if a.Payload != nil {
		encoded, err := MarshalPayload(a.Payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}
	return json.Marshal(actionJSON{
		ID: a.ID, UserID: a.UserID, TwinID: a.TwinID, RuleID: a.RuleID,
		Type: a.Type, Payload: payload, Priority: a.Priority, Status: a.Status,
		ScheduledFor: a.ScheduledFor, CreatedAt: a.CreatedAt,
		ExecutedAt: a.ExecutedAt, CompletedAt: a.CompletedAt,
		RetryCount: a.RetryCount, MaxRetries: a.MaxRetries, ErrorMessage: a.ErrorMessage,
	})
}

// UnmarshalJSON decodes the action and restores the concrete payload variant.
func (a *AutomatedAction) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.ID = raw.ID
	a.UserID = raw.UserID
	a.TwinID = raw.TwinID
	a.RuleID = raw.RuleID
	a.Type = raw.Type
	a.Priority = raw.Priority
	a.Status = raw.Status
	a.ScheduledFor = raw.ScheduledFor
	a.CreatedAt = raw.CreatedAt
	a.ExecutedAt = raw.ExecutedAt
	a.CompletedAt = raw.CompletedAt
	a.RetryCount = raw.RetryCount
	a.MaxRetries = raw.MaxRetries
	a.ErrorMessage = raw.ErrorMessage
	if len(raw.Payload) > 0 {
		payload, err := UnmarshalPayload(raw.Payload)
		if err != nil {
			return err
		}
		a.Payload = payload
	}
	return nil
}

// ChangeType classifies a twin evolution entry.
type ChangeType string

const (
	ChangePersonalityUpdate ChangeType = "personality_update"
	ChangeNewInterest       ChangeType = "new_interest"
	ChangeEngagementShift   ChangeType = "engagement_shift"
	ChangeSkillGrowth       ChangeType = "skill_growth"
	ChangePreferenceChange  ChangeType = "preference_change"
)

// TwinEvolutionEntry is an append-only record of a detected significant
// change in the digital twin. Immutable once created.
type TwinEvolutionEntry struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	TwinID           string          `json:"twin_id"`
	ChangeType       ChangeType      `json:"change_type"`
	OldValue         json.RawMessage `json:"old_value,omitempty"`
	NewValue         json.RawMessage `json:"new_value,omitempty"`
	ChangeSummary    string          `json:"change_summary"`
	ConfidenceImpact float64         `json:"confidence_impact"`
	TriggerSource    string          `json:"trigger_source"`
	SourceDataIDs    []string        `json:"source_data_ids,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate performs validation on a TwinEvolutionEntry.
func (e *TwinEvolutionEntry) Validate() error {
	if e.UserID == "" {
		return ErrEmptyUserID
	}
	if e.ConfidenceImpact < 0 {
		return ErrNegativeImpact
	}
	if len(e.ChangeSummary) > MaxChangeSummaryLength {
		e.ChangeSummary = e.ChangeSummary[:MaxChangeSummaryLength]
	}
	return nil
}

// PersonalityInsight is a confidence-scored structured result from the
// insight source. Treated as read-only by the engine.
type PersonalityInsight struct {
	UserID          string          `json:"user_id"`
	InsightType     string          `json:"insight_type"`
	InsightData     json.RawMessage `json:"insight_data,omitempty"`
	ConfidenceScore float64         `json:"confidence_score"`
	SourceDataCount int             `json:"source_data_count"`
	SourceDataIDs   []string        `json:"source_data_ids,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate performs validation on a PersonalityInsight.
func (i *PersonalityInsight) Validate() error {
	if i.UserID == "" {
		return ErrEmptyUserID
	}
	if i.InsightType == "" {
		return ErrEmptyInsightType
	}
	if i.ConfidenceScore < 0 || i.ConfidenceScore > 1 {
		return ErrConfidenceOutOfRange
	}
	return nil
}

// RawSignal is one unit of raw behavioral data fed to the insight source.
type RawSignal struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notification is a user-facing dashboard notification.
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate performs validation on a Notification.
func (n *Notification) Validate() error {
	if n.Body == "" {
		return ErrEmptyNotificationBody
	}
	return nil
}

// SyncStatus represents the state of a connector re-sync request.
type SyncStatus string

const (
	SyncStatusQueued    SyncStatus = "queued"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncRequest asks the data-sync orchestrator to refresh one connector.
type SyncRequest struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	Reason       string     `json:"reason"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
