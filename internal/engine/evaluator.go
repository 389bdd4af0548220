package engine

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/MirrorGraph/TwinPulse/internal/models"
)

// Evaluator answers whether a rule's trigger currently holds for a user.
// It has no side effects and is safe to call concurrently.
type Evaluator struct {
	facts FactProvider
}

// NewEvaluator creates an evaluator over the given fact provider.
func NewEvaluator(facts FactProvider) *Evaluator {
	return &Evaluator{facts: facts}
}

// Evaluate reports whether trigger holds for userID.
//
// Condition combination follows the trigger type: time-based triggers
// AND-combine their conditions (a weekday plus an hour describe one moment),
// every other type OR-combines (any satisfied condition fires). A lookup or
// coercion failure makes the affected condition false, never an error.
func (e *Evaluator) Evaluate(userID string, trigger models.ActionTrigger) (bool, error) {
	if len(trigger.Conditions) == 0 {
		return false, nil
	}
	facts, err := e.facts.Facts(userID)
	if err != nil {
		return false, err
	}
	return e.evaluateWithFacts(trigger, facts), nil
}

func (e *Evaluator) evaluateWithFacts(trigger models.ActionTrigger, facts Facts) bool {
	if !models.IsValidTriggerType(trigger.Type) {
		slog.Debug("Evaluator unknown trigger type", "type", trigger.Type)
		return false
	}

	if trigger.Type == models.TriggerTimeBased {
		for _, cond := range trigger.Conditions {
			if !evaluateCondition(cond, facts) {
				return false
			}
		}
		return true
	}

	for _, cond := range trigger.Conditions {
		if evaluateCondition(cond, facts) {
			return true
		}
	}
	return false
}

// evaluateCondition compares one condition against the facts. The condition
// value is a string and is coerced to the field's native type; unknown
// fields, unsupported operators, and coercion failures all yield false.
func evaluateCondition(cond models.TriggerCondition, facts Facts) bool {
	if num, ok := facts.Numbers[cond.Field]; ok {
		threshold, err := strconv.ParseFloat(strings.TrimSpace(cond.Value), 64)
		if err != nil {
			slog.Debug("Evaluator condition value not numeric", "field", cond.Field, "value", cond.Value)
			return false
		}
		switch cond.Operator {
		case models.OperatorGreaterThan:
			return num > threshold
		case models.OperatorLessThan:
			return num < threshold
		case models.OperatorEquals:
			return num == threshold
		default:
			return false
		}
	}

	if str, ok := facts.Strings[cond.Field]; ok {
		value := strings.ToLower(strings.TrimSpace(cond.Value))
		str = strings.ToLower(str)
		switch cond.Operator {
		case models.OperatorEquals:
			return str == value
		case models.OperatorContains:
			return strings.Contains(str, value)
		default:
			return false
		}
	}

	slog.Debug("Evaluator unknown condition field", "field", cond.Field)
	return false
}
