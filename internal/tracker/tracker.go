// Package tracker maintains the append-only delivery log and the derived
// per-recipient latest-status view.
package tracker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
)

// Store is the slice of persistence the tracker needs.
type Store interface {
	AppendDeliveryEvent(ctx context.Context, ev *db.DeliveryEvent) error
	ListDeliveryEvents(ctx context.Context, requestID uuid.UUID) ([]*db.DeliveryEvent, error)
}

// RecipientStatus is the derived latest state of one responder's delivery.
type RecipientStatus struct {
	ResponderID  uuid.UUID `json:"responder_id"`
	Status       string    `json:"status"`
	DeliveryID   *string   `json:"delivery_id,omitempty"`
	ConnectionID *string   `json:"connection_id,omitempty"`
	Reason       *string   `json:"reason,omitempty"`
}

// statusRank orders delivery states so the derived view only moves forward:
// a late provider receipt can never downgrade an acked recipient.
var statusRank = map[string]int{
	db.DeliveryFailed:    0,
	db.DeliverySent:      1,
	db.DeliveryDelivered: 2,
	db.DeliveryAcked:     3,
}

// Tracker records delivery lifecycle events and answers status queries.
// Every write appends; history is never rewritten.
type Tracker struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: logger}
}

// RecordSent logs a successful hand-off to the channel provider.
func (t *Tracker) RecordSent(ctx context.Context, requestID, responderID uuid.UUID, deliveryID string) error {
	ev := &db.DeliveryEvent{
		ID:          uuid.New(),
		RequestID:   requestID,
		ResponderID: responderID,
		Kind:        db.DeliverySent,
	}
	if deliveryID != "" {
		ev.DeliveryID = &deliveryID
	}
	return t.append(ctx, ev)
}

// RecordDelivered logs a provider receipt confirming the message reached
// the responder's device. ConnectionID carries the provider's reference.
func (t *Tracker) RecordDelivered(ctx context.Context, requestID, responderID uuid.UUID, connectionID string) error {
	ev := &db.DeliveryEvent{
		ID:          uuid.New(),
		RequestID:   requestID,
		ResponderID: responderID,
		Kind:        db.DeliveryDelivered,
	}
	if connectionID != "" {
		ev.ConnectionID = &connectionID
	}
	return t.append(ctx, ev)
}

// RecordAcked logs the responder opening or interacting with the
// notification itself, before any formal response is submitted.
func (t *Tracker) RecordAcked(ctx context.Context, requestID, responderID uuid.UUID) error {
	return t.append(ctx, &db.DeliveryEvent{
		ID:          uuid.New(),
		RequestID:   requestID,
		ResponderID: responderID,
		Kind:        db.DeliveryAcked,
	})
}

// RecordFailed logs a terminal delivery failure for one responder.
func (t *Tracker) RecordFailed(ctx context.Context, requestID, responderID uuid.UUID, reason string) error {
	ev := &db.DeliveryEvent{
		ID:          uuid.New(),
		RequestID:   requestID,
		ResponderID: responderID,
		Kind:        db.DeliveryFailed,
	}
	if reason != "" {
		ev.Reason = &reason
	}
	return t.append(ctx, ev)
}

func (t *Tracker) append(ctx context.Context, ev *db.DeliveryEvent) error {
	if err := t.store.AppendDeliveryEvent(ctx, ev); err != nil {
		return fmt.Errorf("append delivery event: %w", err)
	}

	t.logger.Debug("delivery event recorded",
		zap.String("request_id", ev.RequestID.String()),
		zap.String("responder_id", ev.ResponderID.String()),
		zap.String("kind", ev.Kind),
	)
	return nil
}

// Status folds the event log into the latest per-responder state. Events
// with a lower rank than what a responder already reached are kept in the
// log but do not regress the view.
func (t *Tracker) Status(ctx context.Context, requestID uuid.UUID) (map[uuid.UUID]RecipientStatus, error) {
	evs, err := t.store.ListDeliveryEvents(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("list delivery events: %w", err)
	}

	out := make(map[uuid.UUID]RecipientStatus)
	for _, ev := range evs {
		cur, ok := out[ev.ResponderID]
		if ok && statusRank[ev.Kind] <= statusRank[cur.Status] {
			continue
		}
		st := RecipientStatus{
			ResponderID:  ev.ResponderID,
			Status:       ev.Kind,
			DeliveryID:   cur.DeliveryID,
			ConnectionID: cur.ConnectionID,
		}
		if ev.DeliveryID != nil {
			st.DeliveryID = ev.DeliveryID
		}
		if ev.ConnectionID != nil {
			st.ConnectionID = ev.ConnectionID
		}
		if ev.Kind == db.DeliveryFailed {
			st.Reason = ev.Reason
		}
		out[ev.ResponderID] = st
	}
	return out, nil
}

// AnyDelivered reports whether at least one recipient reached delivered or
// beyond.
func (t *Tracker) AnyDelivered(ctx context.Context, requestID uuid.UUID) (bool, error) {
	return t.anyAtLeast(ctx, requestID, db.DeliveryDelivered)
}

// AnyAcked reports whether at least one recipient interacted with the
// notification.
func (t *Tracker) AnyAcked(ctx context.Context, requestID uuid.UUID) (bool, error) {
	return t.anyAtLeast(ctx, requestID, db.DeliveryAcked)
}

func (t *Tracker) anyAtLeast(ctx context.Context, requestID uuid.UUID, kind string) (bool, error) {
	statuses, err := t.Status(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, st := range statuses {
		if statusRank[st.Status] >= statusRank[kind] {
			return true, nil
		}
	}
	return false, nil
}
