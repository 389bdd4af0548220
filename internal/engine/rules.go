package engine

import (
	"time"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Default rule cooldowns. The weekly report fires on a fixed day/hour, so its
// cooldown only has to outlast the evaluation wobble around that hour.
const (
	driftNotificationCooldown = 24 * time.Hour
	weeklyReportCooldown      = 6 * 24 * time.Hour
	engagementDropCooldown    = 48 * time.Hour
	reviewReminderCooldown    = 12 * time.Hour
	staleDataCooldown         = 24 * time.Hour
)

// DefaultRules returns the shared rule set applied to every user. Rules are
// owned by models.DefaultRulePool and seeded into the rule store at startup;
// users can disable or shadow them with custom rules.
func DefaultRules(now time.Time) []models.AutomationRule {
	return []models.AutomationRule{
		{
			ID:       "default-drift-notification",
			UserID:   models.DefaultRulePool,
			Name:     "Personality drift notification",
			IsActive: true,
			Priority: 2,
			Trigger: models.ActionTrigger{
				Type: models.TriggerPersonalityChange,
				Conditions: []models.TriggerCondition{
					{Field: "confidence_impact", Operator: models.OperatorGreaterThan, Value: "0.3"},
				},
			},
			Action: models.ActionTemplate{
				Type: models.ActionSendNotification,
				Payload: models.NotificationPayload{
					Title:   "Your twin evolved",
					Message: "We noticed a meaningful shift in your twin's personality profile. Take a look at what changed.",
				},
				MaxRetries: 3,
			},
			CooldownPeriod: driftNotificationCooldown,
			CreatedAt:      now,
		},
		{
			ID:       "default-weekly-report",
			UserID:   models.DefaultRulePool,
			Name:     "Weekly summary report",
			IsActive: true,
			Priority: 6,
			Trigger: models.ActionTrigger{
				Type: models.TriggerTimeBased,
				Conditions: []models.TriggerCondition{
					{Field: "day_of_week", Operator: models.OperatorEquals, Value: "sunday"},
					{Field: "hour", Operator: models.OperatorEquals, Value: "9"},
				},
			},
			Action: models.ActionTemplate{
				Type:       models.ActionGenerateReport,
				Payload:    models.ReportPayload{Period: "weekly"},
				MaxRetries: 2,
			},
			CooldownPeriod: weeklyReportCooldown,
			CreatedAt:      now,
		},
		{
			ID:       "default-engagement-drop",
			UserID:   models.DefaultRulePool,
			Name:     "Engagement drop encouragement",
			IsActive: true,
			Priority: 4,
			Trigger: models.ActionTrigger{
				Type: models.TriggerEngagementPattern,
				Conditions: []models.TriggerCondition{
					{Field: "days_inactive", Operator: models.OperatorGreaterThan, Value: "3"},
				},
			},
			Action: models.ActionTemplate{
				Type: models.ActionInitiateConversation,
				Payload: models.ConversationPayload{
					Topic:  "check-in",
					Opener: "It's been a few days. Anything new your twin should know about?",
				},
				MaxRetries: 2,
			},
			CooldownPeriod: engagementDropCooldown,
			CreatedAt:      now,
		},
		{
			ID:       "default-review-reminder",
			UserID:   models.DefaultRulePool,
			Name:     "Spaced repetition review reminder",
			IsActive: true,
			Priority: 5,
			Trigger: models.ActionTrigger{
				Type: models.TriggerLearningMilestone,
				Conditions: []models.TriggerCondition{
					{Field: "days_since_review", Operator: models.OperatorGreaterThan, Value: "2"},
				},
			},
			Action: models.ActionTemplate{
				Type: models.ActionScheduleReview,
				Payload: models.ReviewPayload{
					Topic:             "recent insights",
					SpawnConversation: true,
					ReviewAfter:       time.Hour,
				},
				MaxRetries: 2,
			},
			CooldownPeriod: reviewReminderCooldown,
			CreatedAt:      now,
		},
		{
			ID:       "default-stale-data-resync",
			UserID:   models.DefaultRulePool,
			Name:     "Stale data re-sync",
			IsActive: true,
			Priority: 7,
			Trigger: models.ActionTrigger{
				Type: models.TriggerDataQuality,
				Conditions: []models.TriggerCondition{
					{Field: "source_data_count", Operator: models.OperatorLessThan, Value: "5"},
				},
			},
			Action: models.ActionTemplate{
				Type: models.ActionSyncExternalData,
				Payload: models.SyncPayload{
					Provider: "whatsapp",
					Reason:   "insight snapshots are running on too little source data",
				},
				MaxRetries: 1,
			},
			CooldownPeriod: staleDataCooldown,
			CreatedAt:      now,
		},
	}
}
