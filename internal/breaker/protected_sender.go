package breaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/sender"
)

// ProtectedSender wraps a channel sender with a CircuitBreaker. When the
// provider behind it (SES, SNS, push gateway) starts failing, the circuit
// opens and deliveries fail fast; the queue processor then routes them
// through the normal retry/backoff path.
type ProtectedSender struct {
	sender  sender.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(s sender.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  s,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
func (p *ProtectedSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("item_id", item.ID.String()),
			zap.String("channel", item.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	deliveryID, err := p.sender.Send(ctx, item)
	if err != nil {
		// A permanent error is the item's fault (bad contact, malformed
		// payload), not the provider's; it must not open the circuit.
		if errors.Is(err, sender.ErrPermanent) {
			return "", err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return deliveryID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
