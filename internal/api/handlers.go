// Package api: HTTP handlers for TwinPulse endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MirrorGraph/TwinPulse/internal/engine"
	"github.com/MirrorGraph/TwinPulse/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"status": "healthy",
		"engine": s.engine.Stats(),
	}))
}

// queueActionRequest is the body of POST /actions.
type queueActionRequest struct {
	UserID string                 `json:"user_id"`
	Action models.AutomatedAction `json:"action"`
}

// actionsHandler queues an action (POST) or lists a user's live queue (GET).
func (s *Server) actionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		var req queueActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.actionsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.UserID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
			return
		}
		queued, err := s.engine.QueueAction(req.UserID, req.Action)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		slog.Info("Server.actionsHandler: action queued", "userID", req.UserID, "actionID", queued.ID, "type", queued.Type)
		writeJSONResponse(w, http.StatusAccepted, models.Queued("Action queued", queued))
	case http.MethodGet:
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("user query parameter is required"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(s.engine.PendingActions(userID)))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// addRuleRequest is the body of POST /rules.
type addRuleRequest struct {
	UserID string                `json:"user_id"`
	Rule   models.AutomationRule `json:"rule"`
}

// rulesHandler adds a custom rule (POST) or lists a user's active rules (GET).
func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	switch r.Method {
	case http.MethodPost:
		var req addRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.rulesHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if req.UserID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
			return
		}
		saved, err := s.engine.AddCustomRule(req.UserID, req.Rule)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		slog.Info("Server.rulesHandler: rule added", "userID", req.UserID, "ruleID", saved.ID)
		writeJSONResponse(w, http.StatusCreated, models.Success(saved))
	case http.MethodGet:
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("user query parameter is required"))
			return
		}
		rules, err := s.engine.GetActiveRules(userID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(rules))
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// historyHandler returns a user's archived actions, newest first.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user query parameter is required"))
		return
	}
	history, err := s.engine.GetActionHistory(userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(history))
}

// evaluateHandler runs one rule evaluation cycle for a user on demand and
// returns the actions it enqueued.
func (s *Server) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user query parameter is required"))
		return
	}
	enqueued, err := s.engine.EvaluateRulesForUser(userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("Server.evaluateHandler: evaluation complete", "userID", userID, "enqueued", len(enqueued))
	writeJSONResponse(w, http.StatusOK, models.Success(enqueued))
}

// ingestSignalsRequest is the body of POST /signals.
type ingestSignalsRequest struct {
	UserID  string             `json:"user_id"`
	Signals []models.RawSignal `json:"signals"`
}

// signalsHandler feeds raw behavioral signals through insight analysis and
// drift detection.
func (s *Server) signalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ingestSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.signalsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	if len(req.Signals) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("signals must not be empty"))
		return
	}
	results, err := s.engine.IngestSignals(context.Background(), req.UserID, req.Signals)
	if err != nil {
		slog.Error("Server.signalsHandler: ingest failed", "userID", req.UserID, "error", err)
		writeEngineError(w, err)
		return
	}
	slog.Info("Server.signalsHandler: signals ingested", "userID", req.UserID,
		"signals", len(req.Signals), "driftResults", len(results))
	writeJSONResponse(w, http.StatusOK, models.Success(results))
}

// syncStatusHandler reports the state of a queued connector re-sync.
func (s *Server) syncStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.syncReader == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("sync status is not available"))
		return
	}
	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id query parameter is required"))
		return
	}
	status, ok := s.syncReader.GetStatus(requestID)
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("unknown sync request"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// writeEngineError maps engine errors onto HTTP statuses: validation problems
// are the client's fault, a stopped engine means the service is going away,
// anything else is internal.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEngineStopped):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Engine is shut down"))
	case isValidationError(err):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
	default:
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
	}
}

func isValidationError(err error) bool {
	validation := []error{
		models.ErrEmptyUserID, models.ErrEmptyRuleID, models.ErrInvalidTriggerType,
		models.ErrInvalidOperator, models.ErrNoConditions, models.ErrTooManyConditions,
		models.ErrInvalidPriority, models.ErrInvalidActionType, models.ErrNegativeCooldown,
		models.ErrNegativeDelay, models.ErrRetriesOutOfRange, models.ErrMissingPayload,
		models.ErrPayloadTypeMismatch, models.ErrEmptyConditionField, models.ErrUnknownPayloadKind,
	}
	for _, v := range validation {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
