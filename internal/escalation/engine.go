// Package escalation drives the per-alert state machine: tier fan-out,
// deadline timers, and escalation transitions.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/events"
	"github.com/haven-health/beacon/internal/metrics"
	"github.com/haven-health/beacon/internal/sender"
)

// Store is the persistence surface the engine needs. Implemented by
// db.Repository and db.MemStore.
type Store interface {
	CreateRequest(ctx context.Context, req *db.NotificationRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*db.NotificationRequest, error)
	CreateAlert(ctx context.Context, alert *db.CrisisAlert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*db.CrisisAlert, error)
	GetAlertByRequest(ctx context.Context, requestID uuid.UUID) (*db.CrisisAlert, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error)
	AdvanceAlertTier(ctx context.Context, id uuid.UUID, fromTier, toTier, level int) (bool, error)
	AlertHasActiveResponse(ctx context.Context, alertID uuid.UUID) (bool, error)
	CreateRecipients(ctx context.Context, recipients []*db.Recipient) error
	EnqueueItems(ctx context.Context, items []*db.QueueItem) error
	CancelPendingItems(ctx context.Context, requestID uuid.UUID) (int64, error)
	CountPendingItems(ctx context.Context, requestID uuid.UUID) (int, error)
	AppendEscalation(ctx context.Context, entry *db.EscalationLogEntry) error
	ListOpenAlerts(ctx context.Context) ([]*db.CrisisAlert, error)
}

// Directory resolves a subject to their ordered responder roster. Called
// once per request and again on each escalation to fetch the next tier.
type Directory interface {
	ResolveTiers(ctx context.Context, subjectUserID uuid.UUID) ([]*db.CareTeamMember, error)
}

// Config holds the escalation policy. Windows maps a severity class to its
// per-tier response deadlines; windows must be non-decreasing across tiers.
// The last window repeats for tiers beyond the configured depth.
type Config struct {
	Windows     map[string][]time.Duration
	MaxLifetime time.Duration
	MaxRetries  int
}

// DefaultWindows returns the severity-to-deadline policy used until product
// supplies exact SLAs. Higher severity, shorter windows.
func DefaultWindows() map[string][]time.Duration {
	return map[string][]time.Duration{
		db.SeverityCritical: {30 * time.Second, 60 * time.Second, 90 * time.Second},
		db.SeverityHigh:     {60 * time.Second, 120 * time.Second},
		db.SeverityMedium:   {120 * time.Second, 300 * time.Second},
		db.SeverityLow:      {120 * time.Second, 300 * time.Second},
	}
}

// queuePriority orders deliveries across alerts: a critical alert's tier
// fan-out is claimed before a low one's.
var queuePriority = map[string]int{
	db.SeverityCritical: 100,
	db.SeverityHigh:     75,
	db.SeverityMedium:   50,
	db.SeverityLow:      25,
}

// Engine is the per-alert escalation state machine. Each open alert owns
// one pending timer; timers for different alerts never interfere.
type Engine struct {
	store     Store
	directory Directory
	events    events.Publisher
	ops       events.OpsReporter
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// New creates the escalation engine.
func New(store Store, directory Directory, pub events.Publisher, ops events.OpsReporter, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Windows == nil {
		cfg.Windows = DefaultWindows()
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 24 * time.Hour
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Engine{
		store:     store,
		directory: directory,
		events:    pub,
		ops:       ops,
		cfg:       cfg,
		logger:    logger,
		timers:    make(map[uuid.UUID]*time.Timer),
	}
}

// CreateParams describes a new crisis or connection-needed event.
type CreateParams struct {
	SubjectUserID uuid.UUID
	Kind          string
	Severity      string
	Message       string
	CustomMessage *string
	Location      *string
}

// CreateAlert records the request, fans out tier 1, and arms the first
// escalation deadline. A request with zero resolvable recipients still
// produces a valid alert in scheduled state and raises an ops escalation.
func (e *Engine) CreateAlert(ctx context.Context, params CreateParams) (*db.CrisisAlert, error) {
	req := &db.NotificationRequest{
		ID:            uuid.New(),
		SubjectUserID: params.SubjectUserID,
		Kind:          params.Kind,
		Message:       params.Message,
		CustomMessage: params.CustomMessage,
		Location:      params.Location,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	alert := &db.CrisisAlert{
		ID:        uuid.New(),
		RequestID: req.ID,
		Severity:  params.Severity,
		Status:    db.AlertScheduled,
		Tier:      1,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	members, err := e.directory.ResolveTiers(ctx, params.SubjectUserID)
	if err != nil {
		// Directory failure means nobody gets notified. The alert stays
		// queryable in scheduled state; ops takes it from here.
		e.logger.Error("recipient directory lookup failed",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		members = nil
	}

	tier1 := membersInTier(members, 1)
	if len(tier1) == 0 {
		e.reportUnreachable(ctx, alert, req)
	} else {
		if err := e.fanOut(ctx, req, alert, tier1, 1); err != nil {
			return nil, err
		}
		e.armTimer(alert.ID, e.window(alert.Severity, 1))
	}

	e.publish(ctx, events.Event{
		Type:          events.TypeAlertCreated,
		CrisisAlertID: alert.ID,
		Timestamp:     time.Now(),
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"severity":   alert.Severity,
			"kind":       req.Kind,
			"tier_size":  len(tier1),
		},
	})
	metrics.RecordAlertCreated(alert.Severity, req.Kind)

	e.logger.Info("crisis alert scheduled",
		zap.String("alert_id", alert.ID.String()),
		zap.String("severity", alert.Severity),
		zap.Int("tier1_recipients", len(tier1)),
	)

	return alert, nil
}

// Rehydrate re-arms timers for alerts that were open when the previous
// process stopped. The persisted tier and created_at carry enough state to
// resume the schedule; an alert past its lifetime expires on the next tick.
func (e *Engine) Rehydrate(ctx context.Context) error {
	alerts, err := e.store.ListOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("list open alerts: %w", err)
	}

	for _, alert := range alerts {
		if alert.Status == db.AlertAcknowledged || time.Since(alert.CreatedAt) >= e.cfg.MaxLifetime {
			e.armExpiry(alert)
			continue
		}
		e.armTimer(alert.ID, e.window(alert.Severity, alert.Tier))
	}

	if len(alerts) > 0 {
		e.logger.Info("re-armed escalation timers for open alerts",
			zap.Int("count", len(alerts)),
		)
	}
	return nil
}

// ResponseRecorded stops the pending escalation timer for an alert. Called
// by the response coordinator once a valid supporter response lands; the
// status transition itself is the coordinator's atomic claim.
func (e *Engine) ResponseRecorded(alertID uuid.UUID) {
	e.stopTimer(alertID)
}

// Resolve closes the alert and cancels outstanding deliveries. Used by the
// subject/responder explicit close, by call_911 force-resolution, and by
// lifetime expiry.
func (e *Engine) Resolve(ctx context.Context, alertID uuid.UUID, reason string) error {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}

	ok, err := e.store.UpdateAlertStatus(ctx, alertID, db.AlertResolved,
		db.AlertScheduled, db.AlertSent, db.AlertAcknowledged, db.AlertEscalated)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("resolve ignored: alert already terminal",
			zap.String("alert_id", alertID.String()),
		)
		return nil
	}

	e.stopTimer(alertID)
	if _, err := e.store.CancelPendingItems(ctx, alert.RequestID); err != nil {
		e.logger.Error("failed to cancel pending items",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
	}

	e.publish(ctx, events.Event{
		Type:          events.TypeAlertResolved,
		CrisisAlertID: alertID,
		Timestamp:     time.Now(),
		Payload:       map[string]any{"reason": reason},
	})
	metrics.RecordAlertClosed(db.AlertResolved)

	e.logger.Info("crisis alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("reason", reason),
	)

	return nil
}

// Cancel retracts a request. Only reachable before the alert is
// acknowledged or resolved; afterwards it is rejected.
func (e *Engine) Cancel(ctx context.Context, requestID uuid.UUID, reason string) error {
	alert, err := e.store.GetAlertByRequest(ctx, requestID)
	if err != nil {
		return err
	}

	ok, err := e.store.UpdateAlertStatus(ctx, alert.ID, db.AlertCancelled,
		db.AlertScheduled, db.AlertSent, db.AlertEscalated)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("alert %s is not cancellable", alert.ID)
	}

	e.stopTimer(alert.ID)
	if _, err := e.store.CancelPendingItems(ctx, requestID); err != nil {
		e.logger.Error("failed to cancel pending items",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
	}

	e.publish(ctx, events.Event{
		Type:          events.TypeAlertCancelled,
		CrisisAlertID: alert.ID,
		Timestamp:     time.Now(),
		Payload:       map[string]any{"reason": reason},
	})
	metrics.RecordAlertClosed(db.AlertCancelled)

	e.logger.Info("crisis alert cancelled",
		zap.String("alert_id", alert.ID.String()),
		zap.String("reason", reason),
	)

	return nil
}

// OnItemSent is the queue processor's success callback. The first delivery
// of tier 1 moves the alert from scheduled to sent.
func (e *Engine) OnItemSent(ctx context.Context, item *db.QueueItem) {
	ok, err := e.storeAlertSent(ctx, item.RequestID)
	if err != nil {
		e.logger.Error("failed to mark alert sent",
			zap.Error(err),
			zap.String("request_id", item.RequestID.String()),
		)
		return
	}
	if ok {
		e.logger.Debug("alert marked sent",
			zap.String("request_id", item.RequestID.String()),
		)
	}
}

func (e *Engine) storeAlertSent(ctx context.Context, requestID uuid.UUID) (bool, error) {
	alert, err := e.store.GetAlertByRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if alert.Status != db.AlertScheduled {
		return false, nil
	}
	return e.store.UpdateAlertStatus(ctx, alert.ID, db.AlertSent, db.AlertScheduled)
}

// OnItemExhausted is the queue processor's failure callback: an item ran
// out of retries or failed permanently. When every delivery in the current
// tier is exhausted and nobody has responded, the deadline is treated as
// already passed and the next tier activates immediately.
func (e *Engine) OnItemExhausted(ctx context.Context, item *db.QueueItem) {
	pending, err := e.store.CountPendingItems(ctx, item.RequestID)
	if err != nil {
		e.logger.Error("failed to count pending items",
			zap.Error(err),
			zap.String("request_id", item.RequestID.String()),
		)
		return
	}
	if pending > 0 {
		return
	}

	alert, err := e.store.GetAlertByRequest(ctx, item.RequestID)
	if err != nil {
		e.logger.Error("failed to load alert for exhausted item", zap.Error(err))
		return
	}
	if db.TerminalAlertStatus(alert.Status) || alert.Status == db.AlertAcknowledged {
		return
	}

	e.logger.Warn("tier deliveries exhausted, escalating early",
		zap.String("alert_id", alert.ID.String()),
		zap.Int("tier", alert.Tier),
	)
	e.stopTimer(alert.ID)
	e.escalate(ctx, alert.ID, db.EscalationExhausted)
}

// escalate activates the next tier, or hands the alert to its lifetime
// expiry when no tiers remain. Guarded store updates make a stale timer
// firing after acknowledgement a logged no-op.
func (e *Engine) escalate(ctx context.Context, alertID uuid.UUID, reason string) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		e.logger.Error("escalation: failed to load alert", zap.Error(err))
		return
	}
	if db.TerminalAlertStatus(alert.Status) || alert.Status == db.AlertAcknowledged {
		e.logger.Debug("escalation skipped: alert closed",
			zap.String("alert_id", alertID.String()),
			zap.String("status", alert.Status),
		)
		return
	}

	active, err := e.store.AlertHasActiveResponse(ctx, alertID)
	if err != nil {
		e.logger.Error("escalation: failed to check responses", zap.Error(err))
		return
	}
	if active {
		return
	}

	req, err := e.store.GetRequest(ctx, alert.RequestID)
	if err != nil {
		e.logger.Error("escalation: failed to load request", zap.Error(err))
		return
	}

	members, err := e.directory.ResolveTiers(ctx, req.SubjectUserID)
	if err != nil {
		e.logger.Error("escalation: directory lookup failed",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
		return
	}

	nextTier := alert.Tier + 1
	next := membersInTier(members, nextTier)
	if len(next) == 0 {
		if maxTier(members) <= alert.Tier {
			// Roster exhausted. Keep the alert open until its lifetime
			// expires in case a late responder still acts.
			e.armExpiry(alert)
			return
		}
		// Gap in the tier numbering; skip ahead to the next populated band.
		for t := nextTier + 1; t <= maxTier(members); t++ {
			if next = membersInTier(members, t); len(next) > 0 {
				nextTier = t
				break
			}
		}
	}

	// The from-tier guard makes this the single claim: when the deadline
	// timer and a delivery-exhausted callback race on the same tier, only
	// one of them advances and fans out.
	ok, err := e.store.AdvanceAlertTier(ctx, alertID, alert.Tier, nextTier, alert.EscalationLevel+1)
	if err != nil {
		e.logger.Error("escalation: failed to advance tier", zap.Error(err))
		return
	}
	if !ok {
		e.logger.Warn("escalation rejected: alert state changed",
			zap.String("alert_id", alertID.String()),
		)
		return
	}

	if err := e.fanOut(ctx, req, alert, next, nextTier); err != nil {
		e.logger.Error("escalation: fan-out failed",
			zap.Error(err),
			zap.String("alert_id", alertID.String()),
		)
		return
	}

	entry := &db.EscalationLogEntry{
		ID:            uuid.New(),
		CrisisAlertID: alertID,
		FromTier:      alert.Tier,
		ToTier:        nextTier,
		Reason:        reason,
	}
	if err := e.store.AppendEscalation(ctx, entry); err != nil {
		e.logger.Error("escalation: failed to append log", zap.Error(err))
	}

	e.publish(ctx, events.Event{
		Type:          events.TypeTierEscalated,
		CrisisAlertID: alertID,
		Timestamp:     time.Now(),
		Payload: map[string]any{
			"from_tier": alert.Tier,
			"to_tier":   nextTier,
			"reason":    reason,
			"level":     alert.EscalationLevel + 1,
		},
	})
	metrics.RecordTierEscalated(alert.Severity, reason)

	e.logger.Info("alert escalated to next tier",
		zap.String("alert_id", alertID.String()),
		zap.Int("from_tier", alert.Tier),
		zap.Int("to_tier", nextTier),
		zap.String("reason", reason),
		zap.Int("recipients", len(next)),
	)

	e.armTimer(alertID, e.window(alert.Severity, nextTier))
}

// fanOut creates recipient rows and queue items for one tier, scheduled now.
func (e *Engine) fanOut(ctx context.Context, req *db.NotificationRequest, alert *db.CrisisAlert, members []*db.CareTeamMember, tier int) error {
	now := time.Now()
	message := req.Message
	if req.CustomMessage != nil && *req.CustomMessage != "" {
		message = *req.CustomMessage
	}

	recipients := make([]*db.Recipient, 0, len(members))
	items := make([]*db.QueueItem, 0, len(members))
	for _, m := range members {
		rcpt := &db.Recipient{
			ID:            uuid.New(),
			RequestID:     req.ID,
			ResponderID:   m.ResponderID,
			Tier:          tier,
			Channel:       m.Channel,
			Contact:       m.Contact,
			PriorityOrder: m.Priority,
			ScheduledFor:  now,
		}
		recipients = append(recipients, rcpt)

		payload, err := buildPayload(m, message, alert.Severity)
		if err != nil {
			return fmt.Errorf("build payload: %w", err)
		}

		items = append(items, &db.QueueItem{
			ID:           uuid.New(),
			RequestID:    req.ID,
			RecipientID:  rcpt.ID,
			ResponderID:  m.ResponderID,
			Channel:      m.Channel,
			Payload:      payload,
			Status:       db.ItemQueued,
			Priority:     queuePriority[alert.Severity],
			ScheduledFor: now,
			MaxRetries:   e.cfg.MaxRetries,
		})
	}

	if err := e.store.CreateRecipients(ctx, recipients); err != nil {
		return fmt.Errorf("create recipients: %w", err)
	}
	if err := e.store.EnqueueItems(ctx, items); err != nil {
		return fmt.Errorf("enqueue items: %w", err)
	}

	return nil
}

// buildPayload composes the channel-specific delivery payload.
func buildPayload(m *db.CareTeamMember, message, severity string) (json.RawMessage, error) {
	switch m.Channel {
	case db.ChannelEmail:
		return json.Marshal(sender.EmailPayload{
			To:      m.Contact,
			Subject: "Crisis alert",
			Body:    message,
		})
	case db.ChannelSMS:
		return json.Marshal(sender.SMSPayload{
			PhoneNumber: m.Contact,
			Message:     message,
		})
	case db.ChannelPush, db.ChannelInApp:
		return json.Marshal(sender.PushPayload{
			Target:   m.Contact,
			Title:    "Crisis alert",
			Message:  message,
			Severity: severity,
		})
	default:
		return nil, fmt.Errorf("unsupported channel: %s", m.Channel)
	}
}

func (e *Engine) reportUnreachable(ctx context.Context, alert *db.CrisisAlert, req *db.NotificationRequest) {
	e.logger.Error("no recipients resolved for crisis alert",
		zap.String("alert_id", alert.ID.String()),
		zap.String("request_id", req.ID.String()),
	)
	metrics.RecordOpsEscalation()

	ev := events.Event{
		Type:          events.TypeAlertUnreachable,
		CrisisAlertID: alert.ID,
		Timestamp:     time.Now(),
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"severity":   alert.Severity,
		},
	}
	if err := e.ops.Report(ctx, ev); err != nil {
		e.logger.Error("failed to report unreachable alert to ops", zap.Error(err))
	}

	// Nothing to deliver; the alert waits for ops or lifetime expiry.
	e.armExpiry(alert)
}

// armTimer schedules the escalation deadline for an alert, replacing any
// pending timer. The callback runs with a fresh context; the guarded store
// updates carry the ordering invariant.
func (e *Engine) armTimer(alertID uuid.UUID, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[alertID]; ok {
		t.Stop()
	}
	e.timers[alertID] = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.escalate(ctx, alertID, db.EscalationTimeout)
	})
}

// armExpiry schedules the final resolution at the alert's max lifetime.
func (e *Engine) armExpiry(alert *db.CrisisAlert) {
	remaining := e.cfg.MaxLifetime - time.Since(alert.CreatedAt)
	if remaining < 0 {
		remaining = 0
	}
	alertID := alert.ID

	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[alertID]; ok {
		t.Stop()
	}
	e.timers[alertID] = time.AfterFunc(remaining, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Resolve(ctx, alertID, "expired"); err != nil {
			e.logger.Error("failed to expire alert",
				zap.Error(err),
				zap.String("alert_id", alertID.String()),
			)
		}
	})
}

func (e *Engine) stopTimer(alertID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.timers[alertID]; ok {
		t.Stop()
		delete(e.timers, alertID)
	}
}

// Shutdown stops all pending timers. Open alerts resume their escalation
// schedule when the service restarts and re-arms from persisted state.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) window(severity string, tier int) time.Duration {
	windows, ok := e.cfg.Windows[severity]
	if !ok || len(windows) == 0 {
		windows = DefaultWindows()[db.SeverityMedium]
	}
	idx := tier - 1
	if idx >= len(windows) {
		idx = len(windows) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return windows[idx]
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Error("failed to publish lifecycle event",
			zap.Error(err),
			zap.String("type", ev.Type),
		)
	}
}

func membersInTier(members []*db.CareTeamMember, tier int) []*db.CareTeamMember {
	var out []*db.CareTeamMember
	for _, m := range members {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

func maxTier(members []*db.CareTeamMember) int {
	max := 0
	for _, m := range members {
		if m.Tier > max {
			max = m.Tier
		}
	}
	return max
}
