// Package models: typed action payloads.
//
// Payloads form a tagged union with one variant per ActionType, so executor
// dispatch is exhaustive instead of switching on untyped blobs.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType enumerates the side effects the executor knows how to run.
type ActionType string

const (
	ActionSendNotification     ActionType = "send_notification"
	ActionScheduleReview       ActionType = "schedule_review"
	ActionSuggestContent       ActionType = "suggest_content"
	ActionInitiateConversation ActionType = "initiate_conversation"
	ActionUpdateLearningPath   ActionType = "update_learning_path"
	ActionRequestFeedback      ActionType = "request_feedback"
	ActionSyncExternalData     ActionType = "sync_external_data"
	ActionGenerateReport       ActionType = "generate_insight_report"
	ActionRecommendConnections ActionType = "recommend_connections"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionSendNotification, ActionScheduleReview, ActionSuggestContent,
		ActionInitiateConversation, ActionUpdateLearningPath, ActionRequestFeedback,
		ActionSyncExternalData, ActionGenerateReport, ActionRecommendConnections:
		return true
	default:
		return false
	}
}

// ActionPayload is the typed payload carried by an AutomatedAction. Each
// variant reports the ActionType it belongs to.
type ActionPayload interface {
	Kind() ActionType
}

// NotificationPayload is the payload for send_notification actions.
type NotificationPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	// Channel selects a delivery sink: "dashboard" (default), "sms", "whatsapp".
	Channel string `json:"channel,omitempty"`
}

func (NotificationPayload) Kind() ActionType { return ActionSendNotification }

// ReviewPayload is the payload for schedule_review actions.
type ReviewPayload struct {
	Topic string `json:"topic"`
	// SpawnConversation makes the executor enqueue a derived
	// initiate_conversation action when the review fires.
	SpawnConversation bool          `json:"spawn_conversation,omitempty"`
	ReviewAfter       time.Duration `json:"review_after,omitempty"`
}

func (ReviewPayload) Kind() ActionType { return ActionScheduleReview }

// ContentPayload is the payload for suggest_content actions.
type ContentPayload struct {
	Category string   `json:"category"`
	Items    []string `json:"items,omitempty"`
}

func (ContentPayload) Kind() ActionType { return ActionSuggestContent }

// ConversationPayload is the payload for initiate_conversation actions.
type ConversationPayload struct {
	Topic  string `json:"topic"`
	Opener string `json:"opener,omitempty"`
}

func (ConversationPayload) Kind() ActionType { return ActionInitiateConversation }

// LearningPathPayload is the payload for update_learning_path actions.
type LearningPathPayload struct {
	PathID     string `json:"path_id"`
	Adjustment string `json:"adjustment"`
}

func (LearningPathPayload) Kind() ActionType { return ActionUpdateLearningPath }

// FeedbackPayload is the payload for request_feedback actions.
type FeedbackPayload struct {
	Question string `json:"question"`
	Context  string `json:"context,omitempty"`
}

func (FeedbackPayload) Kind() ActionType { return ActionRequestFeedback }

// SyncPayload is the payload for sync_external_data actions.
type SyncPayload struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason,omitempty"`
}

func (SyncPayload) Kind() ActionType { return ActionSyncExternalData }

// ReportPayload is the payload for generate_insight_report actions.
type ReportPayload struct {
	Period       string   `json:"period"`
	InsightTypes []string `json:"insight_types,omitempty"`
}

func (ReportPayload) Kind() ActionType { return ActionGenerateReport }

// ConnectionsPayload is the payload for recommend_connections actions.
type ConnectionsPayload struct {
	MaxSuggestions int `json:"max_suggestions"`
}

func (ConnectionsPayload) Kind() ActionType { return ActionRecommendConnections }

// payloadEnvelope is the wire form of a payload: a kind tag plus the
// variant's own fields.
type payloadEnvelope struct {
	Kind ActionType      `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalPayload encodes a payload into its tagged envelope.
func MarshalPayload(p ActionPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload data: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes a tagged envelope back into its concrete variant.
// An unrecognized kind returns ErrUnknownPayloadKind.
func UnmarshalPayload(b []byte) (ActionPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	var (
		p   ActionPayload
		err error
	)
	switch env.Kind {
	case ActionSendNotification:
		var v NotificationPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionScheduleReview:
		var v ReviewPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionSuggestContent:
		var v ContentPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionInitiateConversation:
		var v ConversationPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionUpdateLearningPath:
		var v LearningPathPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionRequestFeedback:
		var v FeedbackPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionSyncExternalData:
		var v SyncPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionGenerateReport:
		var v ReportPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	case ActionRecommendConnections:
		var v ConnectionsPayload
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return p, nil
}
