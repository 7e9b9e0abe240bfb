// Package queue runs the delivery worker pool: claim due items, send them
// through the channel senders, and retry transient failures with backoff.
package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/metrics"
	"github.com/haven-health/beacon/internal/sender"
)

// Store is the persistence surface the processor needs.
type Store interface {
	ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]*db.QueueItem, error)
	MarkItemSent(ctx context.Context, id uuid.UUID, deliveryID string) error
	RequeueItem(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, lastError string) error
	MarkItemFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// Tracker receives the delivery outcome for the recipient status view.
type Tracker interface {
	RecordSent(ctx context.Context, requestID, responderID uuid.UUID, deliveryID string) error
	RecordFailed(ctx context.Context, requestID, responderID uuid.UUID, reason string) error
}

// Escalations receives delivery outcomes that affect the alert state
// machine: the first successful send, and tier exhaustion.
type Escalations interface {
	OnItemSent(ctx context.Context, item *db.QueueItem)
	OnItemExhausted(ctx context.Context, item *db.QueueItem)
}

// Config holds processor tuning.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Workers      int
}

// DefaultConfig returns production-reasonable processor settings.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		BatchSize:    25,
		SendTimeout:  10 * time.Second,
		BackoffBase:  5 * time.Second,
		BackoffCap:   2 * time.Minute,
		Workers:      4,
	}
}

// Processor polls the queue and drives deliveries to completion.
type Processor struct {
	store   Store
	sender  sender.Sender
	tracker Tracker
	esc     Escalations
	cfg     Config
	logger  *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue processor.
func New(store Store, snd sender.Sender, trk Tracker, esc Escalations, cfg Config, logger *zap.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	return &Processor{
		store:   store,
		sender:  snd,
		tracker: trk,
		esc:     esc,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start launches the worker loops. Each worker claims its own batches;
// FOR UPDATE SKIP LOCKED in the store keeps them from stepping on each
// other.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("queue processor starting",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight sends to finish.
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.With(zap.Int("worker", id))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.processBatch(ctx, log)
		}
	}
}

func (p *Processor) processBatch(ctx context.Context, log *zap.Logger) {
	items, err := p.store.ClaimDueItems(ctx, time.Now(), p.cfg.BatchSize)
	if err != nil {
		log.Error("failed to claim due items", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}

	log.Debug("claimed queue items", zap.Int("count", len(items)))
	for _, item := range items {
		p.processItem(ctx, log, item)
	}
}

func (p *Processor) processItem(ctx context.Context, log *zap.Logger, item *db.QueueItem) {
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	deliveryID, err := p.sender.Send(sendCtx, item)
	cancel()

	if err == nil {
		p.handleSent(ctx, log, item, deliveryID)
		return
	}

	if errors.Is(err, sender.ErrPermanent) {
		p.handleFailed(ctx, log, item, err, "permanent")
		return
	}

	// Transient failure: retry with exponential backoff until the budget
	// runs out.
	if item.RetryCount+1 >= item.MaxRetries {
		p.handleFailed(ctx, log, item, err, "exhausted")
		return
	}

	delay := p.backoff(item.RetryCount)
	if reqErr := p.store.RequeueItem(ctx, item.ID, item.RetryCount+1, time.Now().Add(delay), err.Error()); reqErr != nil {
		log.Error("failed to requeue item",
			zap.Error(reqErr),
			zap.String("item_id", item.ID.String()),
		)
		return
	}

	metrics.RecordDeliveryProcessed("retried", item.Channel)
	log.Warn("delivery failed, will retry",
		zap.String("item_id", item.ID.String()),
		zap.String("channel", item.Channel),
		zap.Int("retry_count", item.RetryCount+1),
		zap.Duration("next_attempt_in", delay),
		zap.Error(err),
	)
}

func (p *Processor) handleSent(ctx context.Context, log *zap.Logger, item *db.QueueItem, deliveryID string) {
	if err := p.store.MarkItemSent(ctx, item.ID, deliveryID); err != nil {
		log.Error("failed to mark item sent",
			zap.Error(err),
			zap.String("item_id", item.ID.String()),
		)
		return
	}
	if err := p.tracker.RecordSent(ctx, item.RequestID, item.ResponderID, deliveryID); err != nil {
		log.Error("failed to record sent delivery", zap.Error(err))
	}
	p.esc.OnItemSent(ctx, item)

	metrics.RecordDeliveryProcessed("sent", item.Channel)
	log.Info("delivery sent",
		zap.String("item_id", item.ID.String()),
		zap.String("channel", item.Channel),
		zap.String("delivery_id", deliveryID),
	)
}

func (p *Processor) handleFailed(ctx context.Context, log *zap.Logger, item *db.QueueItem, sendErr error, why string) {
	if err := p.store.MarkItemFailed(ctx, item.ID, sendErr.Error()); err != nil {
		log.Error("failed to mark item failed",
			zap.Error(err),
			zap.String("item_id", item.ID.String()),
		)
		return
	}
	if err := p.tracker.RecordFailed(ctx, item.RequestID, item.ResponderID, sendErr.Error()); err != nil {
		log.Error("failed to record failed delivery", zap.Error(err))
	}
	p.esc.OnItemExhausted(ctx, item)

	metrics.RecordDeliveryProcessed("failed", item.Channel)
	log.Error("delivery failed permanently",
		zap.String("item_id", item.ID.String()),
		zap.String("channel", item.Channel),
		zap.String("why", why),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(sendErr),
	)
}

// backoff computes the delay before retry attempt retryCount+1:
// base * 2^retryCount, capped.
func (p *Processor) backoff(retryCount int) time.Duration {
	d := time.Duration(float64(p.cfg.BackoffBase) * math.Pow(2, float64(retryCount)))
	if d > p.cfg.BackoffCap || d <= 0 {
		d = p.cfg.BackoffCap
	}
	return d
}
