// Package events defines the lifecycle event stream the escalation engine
// emits for dashboards and audit logging, and the ops reporting path for
// alerts nobody can be notified about.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted over the alert lifecycle.
const (
	TypeAlertCreated     = "alert.created"
	TypeTierEscalated    = "tier.escalated"
	TypeResponseRecorded = "response.recorded"
	TypeAlertResolved    = "alert.resolved"
	TypeAlertCancelled   = "alert.cancelled"
	TypeAlertUnreachable = "alert.unreachable"
)

// Event is one structured lifecycle record. Payload carries only the
// fields a dashboard needs for triage, never the alert message itself.
type Event struct {
	Type          string         `json:"type"`
	CrisisAlertID uuid.UUID      `json:"crisis_alert_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Publisher delivers lifecycle events to the integrator's transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// OpsReporter raises the loud, high-priority report for failures that mean
// nobody is being notified. Distinct from Publisher so it can ride a
// separate, paged transport.
type OpsReporter interface {
	Report(ctx context.Context, ev Event) error
}

// LogPublisher writes events to the structured log (development mode).
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.Info("lifecycle event",
		zap.String("type", ev.Type),
		zap.String("crisis_alert_id", ev.CrisisAlertID.String()),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// Report satisfies OpsReporter; in development mode ops reports are just
// loud log lines.
func (p *LogPublisher) Report(ctx context.Context, ev Event) error {
	p.logger.Error("ops escalation",
		zap.String("type", ev.Type),
		zap.String("crisis_alert_id", ev.CrisisAlertID.String()),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Report(ctx context.Context, ev Event) error {
	return r.Publish(ctx, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByType returns recorded events of one type.
func (r *Recorder) ByType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
