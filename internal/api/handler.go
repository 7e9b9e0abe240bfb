package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/escalation"
	"github.com/haven-health/beacon/internal/metrics"
	"github.com/haven-health/beacon/internal/redis"
	"github.com/haven-health/beacon/internal/respond"
	"github.com/haven-health/beacon/internal/tracker"
)

// Engine is the escalation surface the API drives.
type Engine interface {
	CreateAlert(ctx context.Context, params escalation.CreateParams) (*db.CrisisAlert, error)
	Cancel(ctx context.Context, requestID uuid.UUID, reason string) error
	Resolve(ctx context.Context, alertID uuid.UUID, reason string) error
}

// Responder records supporter responses.
type Responder interface {
	Submit(ctx context.Context, alertID, responderID uuid.UUID, responseType string) (*respond.Result, error)
}

// AlertStore defines the read-side database operations the API needs.
type AlertStore interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.CrisisAlert, error)
	GetAlertByRequest(ctx context.Context, requestID uuid.UUID) (*db.CrisisAlert, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error)
	ListEscalations(ctx context.Context, alertID uuid.UUID) ([]*db.EscalationLogEntry, error)
}

// DeliveryTracker answers delivery status queries and ingests receipts.
type DeliveryTracker interface {
	Status(ctx context.Context, requestID uuid.UUID) (map[uuid.UUID]tracker.RecipientStatus, error)
	RecordDelivered(ctx context.Context, requestID, responderID uuid.UUID, connectionID string) error
	RecordAcked(ctx context.Context, requestID, responderID uuid.UUID) error
}

// CreateRequestBody represents the incoming alert creation body
type CreateRequestBody struct {
	SubjectUserID string  `json:"subject_user_id"`
	Kind          string  `json:"kind"`
	Severity      string  `json:"severity"`
	Message       string  `json:"message"`
	CustomMessage *string `json:"custom_message,omitempty"`
	Location      *string `json:"location,omitempty"`
}

// CreateRequestResponse is returned after creating an alert
type CreateRequestResponse struct {
	RequestID string `json:"request_id"`
	AlertID   string `json:"alert_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	engine      Engine
	responder   Responder
	store       AlertStore
	tracker     DeliveryTracker
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, engine Engine, responder Responder, store AlertStore, trk DeliveryTracker) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		responder: responder,
		store:     store,
		tracker:   trk,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, engine Engine, responder Responder, store AlertStore, trk DeliveryTracker, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, engine, responder, store, trk)
	h.idempotency = idempotency
	return h
}

// CreateRequest handles POST /v1/requests
// Supports idempotency via the Idempotency-Key header so a subject mashing
// the trigger button creates exactly one alert.
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CreateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.SubjectUserID == "" || req.Kind == "" || req.Severity == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "subject_user_id, kind, and severity are required")
		return
	}

	if req.Kind != db.KindCrisis && req.Kind != db.KindNeedConnection {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "kind must be crisis or need_connection")
		return
	}

	if !db.ValidSeverity(req.Severity) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid severity", "severity must be low, medium, high, or critical")
		return
	}

	subjectID, err := uuid.Parse(req.SubjectUserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid subject_user_id", "subject_user_id must be a valid UUID")
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, req.SubjectUserID, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := CreateRequestResponse{
				RequestID: cachedResult.RequestID,
				AlertID:   cachedResult.AlertID,
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	alert, err := h.engine.CreateAlert(ctx, escalation.CreateParams{
		SubjectUserID: subjectID,
		Kind:          req.Kind,
		Severity:      req.Severity,
		Message:       req.Message,
		CustomMessage: req.CustomMessage,
		Location:      req.Location,
	})
	if err != nil {
		h.logger.Error("failed to create crisis alert",
			zap.Error(err),
			zap.String("subject_user_id", req.SubjectUserID),
			zap.String("severity", req.Severity),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create alert", "")
		return
	}

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			RequestID:  alert.RequestID.String(),
			AlertID:    alert.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, req.SubjectUserID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := CreateRequestResponse{
		RequestID: alert.RequestID.String(),
		AlertID:   alert.ID.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	alertID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	alert, err := h.store.GetAlert(ctx, alertID)
	if err != nil {
		h.logger.Error("failed to get alert",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Alert not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(alert)
}

// GetRequestStatus handles GET /v1/requests/{id}/status
// Returns the alert state, the derived per-recipient delivery view, and
// the escalation history.
func (h *Handler) GetRequestStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	requestID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request ID", "ID must be a valid UUID")
		return
	}

	alert, err := h.store.GetAlertByRequest(ctx, requestID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Request not found", "")
		return
	}

	statuses, err := h.tracker.Status(ctx, requestID)
	if err != nil {
		h.logger.Error("failed to get delivery status",
			zap.Error(err),
			zap.String("request_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get delivery status", "")
		return
	}

	escalations, err := h.store.ListEscalations(ctx, alert.ID)
	if err != nil {
		h.logger.Error("failed to list escalations",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get escalation history", "")
		return
	}

	recipients := make([]tracker.RecipientStatus, 0, len(statuses))
	for _, st := range statuses {
		recipients = append(recipients, st)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"alert":       alert,
		"recipients":  recipients,
		"escalations": escalations,
	})
}

// SubmitResponse handles POST /v1/alerts/{id}/responses
func (h *Handler) SubmitResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	alertID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		ResponderID  string `json:"responder_id"`
		ResponseType string `json:"response_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	responderID, err := uuid.Parse(req.ResponderID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid responder_id", "responder_id must be a valid UUID")
		return
	}

	if !db.ValidResponseType(req.ResponseType) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid response_type",
			"response_type must be one of: acknowledged, made_contact, needs_help, call_911, unavailable")
		return
	}

	result, err := h.responder.Submit(ctx, alertID, responderID, req.ResponseType)
	if err != nil {
		h.logger.Error("failed to submit response",
			zap.Error(err),
			zap.String("alert_id", idStr),
			zap.String("responder_id", req.ResponderID),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to submit response", "")
		return
	}

	status := http.StatusOK
	if !result.Accepted {
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// CancelRequest handles POST /v1/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	requestID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled by subject"
	}

	if err := h.engine.Cancel(ctx, requestID, req.Reason); err != nil {
		h.logger.Warn("cancel rejected",
			zap.Error(err),
			zap.String("request_id", idStr),
		)
		h.writeError(w, http.StatusConflict, "not_cancellable",
			"Request cannot be cancelled",
			"The alert has already been acknowledged or closed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"request_id": idStr,
		"status":     db.AlertCancelled,
	})
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	alertID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "resolved"
	}

	if err := h.engine.Resolve(ctx, alertID, req.Reason); err != nil {
		h.logger.Error("failed to resolve alert",
			zap.Error(err),
			zap.String("alert_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to resolve alert", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"alert_id": idStr,
		"status":   db.AlertResolved,
	})
}

// RecordReceipt handles POST /v1/requests/{id}/receipts
// Channel providers and client apps post delivered/acked receipts here;
// they feed the recipient status view, never the alert state machine.
func (h *Handler) RecordReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	requestID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request ID", "ID must be a valid UUID")
		return
	}

	var req struct {
		ResponderID  string `json:"responder_id"`
		Kind         string `json:"kind"`
		ConnectionID string `json:"connection_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	responderID, err := uuid.Parse(req.ResponderID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid responder_id", "responder_id must be a valid UUID")
		return
	}

	switch req.Kind {
	case db.DeliveryDelivered:
		err = h.tracker.RecordDelivered(ctx, requestID, responderID, req.ConnectionID)
	case db.DeliveryAcked:
		err = h.tracker.RecordAcked(ctx, requestID, responderID)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid kind", "kind must be delivered or acked")
		return
	}
	if err != nil {
		h.logger.Error("failed to record delivery receipt",
			zap.Error(err),
			zap.String("request_id", idStr),
			zap.String("kind", req.Kind),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to record receipt", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"request_id": idStr,
		"kind":       req.Kind,
		"recorded":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
