package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// CareTeamMember is one row of the subject's responder roster, ordered into
// tiers. The escalation engine consumes these through its Directory interface.
type CareTeamMember struct {
	ResponderID uuid.UUID `json:"responder_id"`
	Tier        int       `json:"tier"`
	Channel     string    `json:"channel"`
	Contact     string    `json:"contact"`
	Priority    int       `json:"priority"`
}

// Repository handles database operations for the escalation engine.
// Every mutation that two workers can race on goes through a conditional
// UPDATE whose affected-row count is the lock proof.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateRequest inserts a new notification request.
func (r *Repository) CreateRequest(ctx context.Context, req *NotificationRequest) error {
	query := `
		INSERT INTO notification_requests (id, subject_user_id, kind, message, custom_message, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		req.ID, req.SubjectUserID, req.Kind, req.Message, req.CustomMessage, req.Location,
	).Scan(&req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	return nil
}

// GetRequest retrieves a notification request by ID.
func (r *Repository) GetRequest(ctx context.Context, id uuid.UUID) (*NotificationRequest, error) {
	query := `
		SELECT id, subject_user_id, kind, message, custom_message, location, created_at
		FROM notification_requests
		WHERE id = $1
	`

	var req NotificationRequest
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&req.ID, &req.SubjectUserID, &req.Kind, &req.Message, &req.CustomMessage, &req.Location, &req.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("request not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query request: %w", err)
	}

	return &req, nil
}

// CreateAlert inserts the escalation aggregate for a request.
func (r *Repository) CreateAlert(ctx context.Context, alert *CrisisAlert) error {
	query := `
		INSERT INTO crisis_alerts (id, request_id, severity, status, tier, responder_count, escalation_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		alert.ID, alert.RequestID, alert.Severity, alert.Status, alert.Tier,
		alert.ResponderCount, alert.EscalationLevel,
	).Scan(&alert.CreatedAt, &alert.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Info("crisis alert created",
		zap.String("alert_id", alert.ID.String()),
		zap.String("request_id", alert.RequestID.String()),
		zap.String("severity", alert.Severity),
	)

	return nil
}

const alertColumns = `
	id, request_id, severity, status, tier, responder_count,
	first_responder_id, escalation_level, created_at, updated_at
`

func scanAlert(row pgx.Row) (*CrisisAlert, error) {
	var a CrisisAlert
	err := row.Scan(
		&a.ID, &a.RequestID, &a.Severity, &a.Status, &a.Tier, &a.ResponderCount,
		&a.FirstResponderID, &a.EscalationLevel, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAlert retrieves a crisis alert by ID.
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*CrisisAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM crisis_alerts WHERE id = $1`

	alert, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return alert, nil
}

// GetAlertByRequest retrieves the crisis alert owned by a request.
func (r *Repository) GetAlertByRequest(ctx context.Context, requestID uuid.UUID) (*CrisisAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM crisis_alerts WHERE request_id = $1`

	alert, err := scanAlert(r.db.Pool().QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("alert not found for request: %s", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert by request: %w", err)
	}
	return alert, nil
}

// ListOpenAlerts returns every alert that has not reached a terminal status.
// Used at startup to re-arm escalation timers.
func (r *Repository) ListOpenAlerts(ctx context.Context) ([]*CrisisAlert, error) {
	query := `SELECT ` + alertColumns + `
		FROM crisis_alerts
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, AlertResolved, AlertCancelled)
	if err != nil {
		return nil, fmt.Errorf("query open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*CrisisAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus conditionally moves the alert to a new status. The update
// only applies when the current status is one of from; the returned bool is
// false when the guard did not match (state-violation no-op).
func (r *Repository) UpdateAlertStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error) {
	query := `
		UPDATE crisis_alerts
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("update alert status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// AdvanceAlertTier moves the alert from one tier to the next. Guarded on
// both status and the expected current tier, so a stale timer can never
// escalate a closed alert and two concurrent escalation triggers can never
// both claim the same transition.
func (r *Repository) AdvanceAlertTier(ctx context.Context, id uuid.UUID, fromTier, toTier, level int) (bool, error) {
	query := `
		UPDATE crisis_alerts
		SET status = $1, tier = $2, escalation_level = $3, updated_at = NOW()
		WHERE id = $4 AND tier = $5 AND status = ANY($6)
	`

	result, err := r.db.Pool().Exec(ctx, query,
		AlertEscalated, toTier, level, id, fromTier,
		[]string{AlertScheduled, AlertSent, AlertEscalated},
	)
	if err != nil {
		return false, fmt.Errorf("advance alert tier: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// ClaimFirstResponder atomically assigns the first responder if the slot is
// still empty. Returns the holder after the attempt and whether this call won
// the claim. The WHERE first_responder_id IS NULL guard is what prevents two
// racing responders from both winning.
func (r *Repository) ClaimFirstResponder(ctx context.Context, alertID, responderID uuid.UUID) (uuid.UUID, bool, error) {
	claim := `
		UPDATE crisis_alerts
		SET first_responder_id = $1, updated_at = NOW()
		WHERE id = $2 AND first_responder_id IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, claim, responderID, alertID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim first responder: %w", err)
	}
	if result.RowsAffected() > 0 {
		return responderID, true, nil
	}

	var holder *uuid.UUID
	err = r.db.Pool().QueryRow(ctx,
		`SELECT first_responder_id FROM crisis_alerts WHERE id = $1`, alertID,
	).Scan(&holder)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query first responder: %w", err)
	}
	if holder == nil {
		return uuid.Nil, false, nil
	}
	return *holder, false, nil
}

// IncrementResponderCount bumps the distinct-responder counter.
func (r *Repository) IncrementResponderCount(ctx context.Context, alertID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE crisis_alerts SET responder_count = responder_count + 1, updated_at = NOW() WHERE id = $1`,
		alertID,
	)
	if err != nil {
		return fmt.Errorf("increment responder count: %w", err)
	}
	return nil
}

// CreateRecipients inserts the recipient rows for a tier fan-out.
func (r *Repository) CreateRecipients(ctx context.Context, recipients []*Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO recipients (id, request_id, responder_id, tier, channel, contact, priority_order, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	for _, rcpt := range recipients {
		err := tx.QueryRow(ctx, query,
			rcpt.ID, rcpt.RequestID, rcpt.ResponderID, rcpt.Tier,
			rcpt.Channel, rcpt.Contact, rcpt.PriorityOrder, rcpt.ScheduledFor,
		).Scan(&rcpt.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// EnqueueItems inserts queue items for a tier fan-out.
func (r *Repository) EnqueueItems(ctx context.Context, items []*QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO notification_queue (
			id, request_id, recipient_id, responder_id, channel, payload,
			status, priority, scheduled_for, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	for _, item := range items {
		err := tx.QueryRow(ctx, query,
			item.ID, item.RequestID, item.RecipientID, item.ResponderID,
			item.Channel, item.Payload, item.Status, item.Priority,
			item.ScheduledFor, item.RetryCount, item.MaxRetries,
		).Scan(&item.CreatedAt, &item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert queue item: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ClaimDueItems atomically claims up to limit due items for processing.
// Ordering: priority descending, then scheduled_for ascending, then insertion
// order. FOR UPDATE SKIP LOCKED keeps parallel workers from claiming the same
// rows.
func (r *Repository) ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error) {
	query := `
		WITH due AS (
			SELECT id FROM notification_queue
			WHERE status = $1 AND scheduled_for <= $2
			ORDER BY priority DESC, scheduled_for ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_queue q
		SET status = $4, updated_at = NOW()
		FROM due
		WHERE q.id = due.id
		RETURNING q.id, q.request_id, q.recipient_id, q.responder_id, q.channel, q.payload,
			q.status, q.priority, q.scheduled_for, q.retry_count, q.max_retries,
			q.last_error, q.processed_at, q.created_at, q.updated_at
	`

	rows, err := r.db.Pool().Query(ctx, query, ItemQueued, now, limit, ItemProcessing)
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var item QueueItem
		err := rows.Scan(
			&item.ID, &item.RequestID, &item.RecipientID, &item.ResponderID,
			&item.Channel, &item.Payload, &item.Status, &item.Priority,
			&item.ScheduledFor, &item.RetryCount, &item.MaxRetries,
			&item.LastError, &item.ProcessedAt, &item.CreatedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// MarkItemSent records a successful delivery attempt.
func (r *Repository) MarkItemSent(ctx context.Context, id uuid.UUID, deliveryID string) error {
	query := `
		UPDATE notification_queue
		SET status = $1, last_error = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, ItemSent, id, ItemProcessing)
	if err != nil {
		return fmt.Errorf("mark item sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue item not processing: %s", id)
	}

	r.logger.Debug("queue item sent",
		zap.String("item_id", id.String()),
		zap.String("delivery_id", deliveryID),
	)

	return nil
}

// RequeueItem puts a failed item back in the queue with a backoff schedule.
func (r *Repository) RequeueItem(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, lastError string) error {
	query := `
		UPDATE notification_queue
		SET status = $1, retry_count = $2, scheduled_for = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := r.db.Pool().Exec(ctx, query, ItemQueued, retryCount, nextAt, lastError, id, ItemProcessing)
	if err != nil {
		return fmt.Errorf("requeue item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue item not processing: %s", id)
	}

	return nil
}

// MarkItemFailed terminates an item permanently. The guard on the current
// status means exhaustion is recorded exactly once.
func (r *Repository) MarkItemFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	query := `
		UPDATE notification_queue
		SET status = $1, last_error = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, ItemFailed, lastError, id, ItemProcessing)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue item not processing: %s", id)
	}

	return nil
}

// CancelPendingItems cancels all still-queued items for a request. Items
// already processing are allowed to complete; the state machine discards
// their result once the alert has closed.
func (r *Repository) CancelPendingItems(ctx context.Context, requestID uuid.UUID) (int64, error) {
	query := `
		UPDATE notification_queue
		SET status = $1, updated_at = NOW()
		WHERE request_id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, ItemCancelled, requestID, ItemQueued)
	if err != nil {
		return 0, fmt.Errorf("cancel pending items: %w", err)
	}

	return result.RowsAffected(), nil
}

// CountPendingItems counts items still queued or processing for a request.
func (r *Repository) CountPendingItems(ctx context.Context, requestID uuid.UUID) (int, error) {
	var n int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_queue WHERE request_id = $1 AND status = ANY($2)`,
		requestID, []string{ItemQueued, ItemProcessing},
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return n, nil
}

// InsertResponse appends a supporter response row.
func (r *Repository) InsertResponse(ctx context.Context, resp *SupporterResponse) error {
	query := `
		INSERT INTO supporter_responses (id, crisis_alert_id, responder_id, response_type, coordination_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING responded_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		resp.ID, resp.CrisisAlertID, resp.ResponderID, resp.ResponseType, resp.CoordinationStatus,
	).Scan(&resp.RespondedAt)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}

	return nil
}

// SupersedeResponses marks a responder's own prior active responses as
// superseded, returning how many rows were affected.
func (r *Repository) SupersedeResponses(ctx context.Context, alertID, responderID uuid.UUID) (int64, error) {
	query := `
		UPDATE supporter_responses
		SET coordination_status = $1
		WHERE crisis_alert_id = $2 AND responder_id = $3 AND coordination_status = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, CoordinationSuperseded, alertID, responderID, CoordinationActive)
	if err != nil {
		return 0, fmt.Errorf("supersede responses: %w", err)
	}

	return result.RowsAffected(), nil
}

// AlertHasActiveResponse reports whether any active supporter response exists.
func (r *Repository) AlertHasActiveResponse(ctx context.Context, alertID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM supporter_responses WHERE crisis_alert_id = $1 AND coordination_status = $2)`,
		alertID, CoordinationActive,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query active responses: %w", err)
	}
	return exists, nil
}

// AppendEscalation appends one tier transition to the escalation log.
func (r *Repository) AppendEscalation(ctx context.Context, entry *EscalationLogEntry) error {
	query := `
		INSERT INTO escalation_log (id, crisis_alert_id, from_tier, to_tier, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID, entry.CrisisAlertID, entry.FromTier, entry.ToTier, entry.Reason,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert escalation log: %w", err)
	}

	return nil
}

// ListEscalations returns the escalation log for an alert, oldest first.
func (r *Repository) ListEscalations(ctx context.Context, alertID uuid.UUID) ([]*EscalationLogEntry, error) {
	query := `
		SELECT id, crisis_alert_id, from_tier, to_tier, reason, created_at
		FROM escalation_log
		WHERE crisis_alert_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("query escalation log: %w", err)
	}
	defer rows.Close()

	var entries []*EscalationLogEntry
	for rows.Next() {
		var e EscalationLogEntry
		if err := rows.Scan(&e.ID, &e.CrisisAlertID, &e.FromTier, &e.ToTier, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation log: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// AppendDeliveryEvent appends one delivery event to the tracker log.
func (r *Repository) AppendDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	query := `
		INSERT INTO delivery_events (id, request_id, responder_id, kind, delivery_id, connection_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID, ev.RequestID, ev.ResponderID, ev.Kind, ev.DeliveryID, ev.ConnectionID, ev.Reason,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}

	return nil
}

// ListDeliveryEvents returns all delivery events for a request, oldest first.
func (r *Repository) ListDeliveryEvents(ctx context.Context, requestID uuid.UUID) ([]*DeliveryEvent, error) {
	query := `
		SELECT id, request_id, responder_id, kind, delivery_id, connection_id, reason, created_at
		FROM delivery_events
		WHERE request_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query delivery events: %w", err)
	}
	defer rows.Close()

	var events []*DeliveryEvent
	for rows.Next() {
		var ev DeliveryEvent
		err := rows.Scan(&ev.ID, &ev.RequestID, &ev.ResponderID, &ev.Kind,
			&ev.DeliveryID, &ev.ConnectionID, &ev.Reason, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery event: %w", err)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// ResolveTiers returns the ordered responder roster for a subject, grouped
// into tiers. Called once at alert creation and again on each escalation.
func (r *Repository) ResolveTiers(ctx context.Context, subjectUserID uuid.UUID) ([]*CareTeamMember, error) {
	query := `
		SELECT responder_id, tier, channel, contact, priority
		FROM care_team
		WHERE subject_user_id = $1
		ORDER BY tier ASC, priority DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, subjectUserID)
	if err != nil {
		return nil, fmt.Errorf("query care team: %w", err)
	}
	defer rows.Close()

	var members []*CareTeamMember
	for rows.Next() {
		var m CareTeamMember
		if err := rows.Scan(&m.ResponderID, &m.Tier, &m.Channel, &m.Contact, &m.Priority); err != nil {
			return nil, fmt.Errorf("scan care team member: %w", err)
		}
		members = append(members, &m)
	}

	return members, rows.Err()
}
