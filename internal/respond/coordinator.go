// Package respond records supporter responses and coordinates who owns a
// crisis, so one alert does not produce five simultaneous door-knocks.
package respond

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/events"
	"github.com/haven-health/beacon/internal/metrics"
)

// Store is the persistence surface the coordinator needs.
type Store interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.CrisisAlert, error)
	InsertResponse(ctx context.Context, resp *db.SupporterResponse) error
	SupersedeResponses(ctx context.Context, alertID, responderID uuid.UUID) (int64, error)
	IncrementResponderCount(ctx context.Context, alertID uuid.UUID) error
	ClaimFirstResponder(ctx context.Context, alertID, responderID uuid.UUID) (uuid.UUID, bool, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error)
}

// Escalations is the coordinator's hook into the escalation engine.
type Escalations interface {
	ResponseRecorded(alertID uuid.UUID)
	Resolve(ctx context.Context, alertID uuid.UUID, reason string) error
}

// Result describes the outcome of one response submission.
type Result struct {
	Accepted         bool       `json:"accepted"`
	IsFirstResponder bool       `json:"is_first_responder"`
	FirstResponderID *uuid.UUID `json:"first_responder_id,omitempty"`
	Reason           string     `json:"reason,omitempty"`
}

// Coordinator validates and records responses, and arbitrates the
// first-responder claim.
type Coordinator struct {
	store  Store
	esc    Escalations
	events events.Publisher
	logger *zap.Logger
}

func New(store Store, esc Escalations, pub events.Publisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		esc:    esc,
		events: pub,
		logger: logger,
	}
}

// engaging response types compete for the first-responder claim;
// needs_help and unavailable are recorded but never take ownership.
func engaging(responseType string) bool {
	switch responseType {
	case db.ResponseAcknowledged, db.ResponseMadeContact, db.ResponseCall911:
		return true
	}
	return false
}

// Submit records one supporter response. A responder resubmitting replaces
// their own earlier response without double-counting; the first engaging
// responder wins the coordination claim atomically.
func (c *Coordinator) Submit(ctx context.Context, alertID, responderID uuid.UUID, responseType string) (*Result, error) {
	if !db.ValidResponseType(responseType) {
		return nil, fmt.Errorf("invalid response type: %s", responseType)
	}

	alert, err := c.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if db.TerminalAlertStatus(alert.Status) {
		c.logger.Info("response rejected: alert closed",
			zap.String("alert_id", alertID.String()),
			zap.String("responder_id", responderID.String()),
			zap.String("status", alert.Status),
		)
		return &Result{
			Accepted:         false,
			FirstResponderID: alert.FirstResponderID,
			Reason:           "alert is closed",
		}, nil
	}

	superseded, err := c.store.SupersedeResponses(ctx, alertID, responderID)
	if err != nil {
		return nil, fmt.Errorf("supersede responses: %w", err)
	}

	resp := &db.SupporterResponse{
		ID:                 uuid.New(),
		CrisisAlertID:      alertID,
		ResponderID:        responderID,
		ResponseType:       responseType,
		CoordinationStatus: db.CoordinationActive,
	}
	if err := c.store.InsertResponse(ctx, resp); err != nil {
		return nil, fmt.Errorf("insert response: %w", err)
	}

	if superseded == 0 {
		if err := c.store.IncrementResponderCount(ctx, alertID); err != nil {
			c.logger.Error("failed to increment responder count",
				zap.Error(err),
				zap.String("alert_id", alertID.String()),
			)
		}
	}

	result := &Result{Accepted: true}

	if engaging(responseType) {
		holder, won, err := c.store.ClaimFirstResponder(ctx, alertID, responderID)
		if err != nil {
			return nil, fmt.Errorf("claim first responder: %w", err)
		}
		result.IsFirstResponder = won || holder == responderID
		result.FirstResponderID = &holder

		if won {
			ok, err := c.store.UpdateAlertStatus(ctx, alertID, db.AlertAcknowledged,
				db.AlertScheduled, db.AlertSent, db.AlertEscalated)
			if err != nil {
				return nil, fmt.Errorf("acknowledge alert: %w", err)
			}
			if ok {
				c.esc.ResponseRecorded(alertID)
				metrics.RecordFirstResponderLatency(time.Since(alert.CreatedAt))
				c.logger.Info("first responder claimed alert",
					zap.String("alert_id", alertID.String()),
					zap.String("responder_id", responderID.String()),
					zap.String("response_type", responseType),
				)
			}
		}
	}

	// call_911 means emergency services own the crisis now; force-resolve
	// regardless of who holds the coordination claim.
	if responseType == db.ResponseCall911 {
		if err := c.esc.Resolve(ctx, alertID, "call_911"); err != nil {
			c.logger.Error("failed to resolve alert after call_911",
				zap.Error(err),
				zap.String("alert_id", alertID.String()),
			)
		}
	}

	c.publish(ctx, alertID, responderID, responseType, result.IsFirstResponder)
	metrics.RecordResponse(responseType)

	c.logger.Info("supporter response recorded",
		zap.String("alert_id", alertID.String()),
		zap.String("responder_id", responderID.String()),
		zap.String("response_type", responseType),
		zap.Bool("is_first_responder", result.IsFirstResponder),
	)

	return result, nil
}

func (c *Coordinator) publish(ctx context.Context, alertID, responderID uuid.UUID, responseType string, first bool) {
	ev := events.Event{
		Type:          events.TypeResponseRecorded,
		CrisisAlertID: alertID,
		Timestamp:     time.Now(),
		Payload: map[string]any{
			"responder_id":       responderID.String(),
			"response_type":      responseType,
			"is_first_responder": first,
		},
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Error("failed to publish response event", zap.Error(err))
	}
}
