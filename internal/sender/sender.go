package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
)

// ErrPermanent marks delivery failures that no retry can fix (invalid
// contact, unsupported channel). The queue processor fails these items
// immediately instead of burning the retry budget.
var ErrPermanent = errors.New("permanent delivery error")

// Sender is the unified interface for all delivery channels.
// Implementations: email (SES), SMS (SNS), push/in-app (HTTP gateway).
// Send must be safe to call at least once per item; the queue item ID is
// the idempotency key and is forwarded to the channel provider.
type Sender interface {
	Send(ctx context.Context, item *db.QueueItem) (deliveryID string, err error)
	SupportsChannel(channel string) bool
}

// EmailPayload is the queue item payload for the email channel.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSPayload is the queue item payload for the SMS channel.
type SMSPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// PushPayload is the queue item payload for the push and in-app channels.
// Target is the device token or socket routing key the gateway understands.
type PushPayload struct {
	Target   string `json:"target"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// MultiSender routes queue items to the first sender that supports the
// item's channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the item to the appropriate sender based on its channel.
// An unroutable channel is a permanent error.
func (m *MultiSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	for _, s := range m.senders {
		if s.SupportsChannel(item.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", item.Channel),
				zap.String("item_id", item.ID.String()),
			)
			return s.Send(ctx, item)
		}
	}

	return "", fmt.Errorf("%w: no sender for channel %s", ErrPermanent, item.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, s := range m.senders {
		if s.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them (development mode).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	s.logger.Info("logging delivery (development mode)",
		zap.String("item_id", item.ID.String()),
		zap.String("channel", item.Channel),
		zap.String("responder_id", item.ResponderID.String()),
		zap.Any("payload", json.RawMessage(item.Payload)),
	)
	return "log-" + item.ID.String(), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	switch channel {
	case db.ChannelEmail, db.ChannelSMS, db.ChannelPush, db.ChannelInApp:
		return true
	}
	return false
}
