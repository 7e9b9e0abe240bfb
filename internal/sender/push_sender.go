package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
)

// PushSender delivers the push and in-app channels through an HTTP gateway
// (the mobile push service or the in-app socket fan-out service). The queue
// item ID travels in a header as the gateway-side idempotency key.
type PushSender struct {
	client     *http.Client
	gatewayURL string
	logger     *zap.Logger
}

type PushConfig struct {
	GatewayURL string
	Timeout    time.Duration
}

// NewPushSender creates a new push gateway sender
func NewPushSender(logger *zap.Logger, cfg PushConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &PushSender{
		client: &http.Client{
			Timeout: timeout,
		},
		gatewayURL: cfg.GatewayURL,
		logger:     logger,
	}
}

type pushRequest struct {
	ItemID      string `json:"item_id"`
	ResponderID string `json:"responder_id"`
	Channel     string `json:"channel"`
	Target      string `json:"target"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
}

type pushResponse struct {
	DeliveryID string `json:"delivery_id"`
}

// Send posts the alert to the gateway. 4xx answers are permanent (bad
// target); network errors and 5xx are transient.
func (s *PushSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	if item.Channel != db.ChannelPush && item.Channel != db.ChannelInApp {
		return "", fmt.Errorf("%w: push sender only supports push/inapp, got %s", ErrPermanent, item.Channel)
	}

	var payload PushPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: invalid push payload: %v", ErrPermanent, err)
	}
	if payload.Target == "" {
		return "", fmt.Errorf("%w: push payload missing target", ErrPermanent)
	}

	body, err := json.Marshal(pushRequest{
		ItemID:      item.ID.String(),
		ResponderID: item.ResponderID.String(),
		Channel:     item.Channel,
		Target:      payload.Target,
		Title:       payload.Title,
		Message:     payload.Message,
		Severity:    payload.Severity,
	})
	if err != nil {
		return "", fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Beacon/1.0.0")
	req.Header.Set("Idempotency-Key", item.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: push gateway rejected delivery: %d, body: %s", ErrPermanent, resp.StatusCode, string(respBytes))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("push gateway returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBytes))
	}

	var gw pushResponse
	deliveryID := item.ID.String()
	if err := json.Unmarshal(respBytes, &gw); err == nil && gw.DeliveryID != "" {
		deliveryID = gw.DeliveryID
	}

	s.logger.Info("push delivered to gateway",
		zap.String("item_id", item.ID.String()),
		zap.String("channel", item.Channel),
		zap.Int("status_code", resp.StatusCode),
		zap.String("delivery_id", deliveryID),
	)

	return deliveryID, nil
}

// SupportsChannel checks if this sender supports push or in-app delivery
func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush || channel == db.ChannelInApp
}
