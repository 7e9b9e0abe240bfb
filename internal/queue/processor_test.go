package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/sender"
)

// scriptedSender fails the first failures calls per item, then succeeds.
type scriptedSender struct {
	mu       sync.Mutex
	failures map[uuid.UUID]int
	err      error
	calls    map[uuid.UUID]int
}

func newScriptedSender(err error) *scriptedSender {
	return &scriptedSender{
		failures: make(map[uuid.UUID]int),
		calls:    make(map[uuid.UUID]int),
		err:      err,
	}
}

func (s *scriptedSender) failTimes(itemID uuid.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[itemID] = n
}

func (s *scriptedSender) Send(ctx context.Context, item *db.QueueItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[item.ID]++
	if s.failures[item.ID] > 0 {
		s.failures[item.ID]--
		return "", s.err
	}
	return "delivery-" + item.ID.String(), nil
}

func (s *scriptedSender) SupportsChannel(channel string) bool { return true }

func (s *scriptedSender) callCount(itemID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[itemID]
}

type fakeTracker struct {
	mu     sync.Mutex
	sent   []uuid.UUID
	failed []uuid.UUID
}

func (f *fakeTracker) RecordSent(ctx context.Context, requestID, responderID uuid.UUID, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, responderID)
	return nil
}

func (f *fakeTracker) RecordFailed(ctx context.Context, requestID, responderID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, responderID)
	return nil
}

type fakeEscalations struct {
	mu        sync.Mutex
	sent      []uuid.UUID
	exhausted []uuid.UUID
}

func (f *fakeEscalations) OnItemSent(ctx context.Context, item *db.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, item.ID)
}

func (f *fakeEscalations) OnItemExhausted(ctx context.Context, item *db.QueueItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = append(f.exhausted, item.ID)
}

func (f *fakeEscalations) exhaustedCount(itemID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.exhausted {
		if id == itemID {
			n++
		}
	}
	return n
}

func testItem(t *testing.T, store *db.MemStore, maxRetries int) *db.QueueItem {
	t.Helper()
	item := &db.QueueItem{
		ID:           uuid.New(),
		RequestID:    uuid.New(),
		RecipientID:  uuid.New(),
		ResponderID:  uuid.New(),
		Channel:      db.ChannelSMS,
		Payload:      []byte(`{"phone_number":"+15551230001","message":"crisis"}`),
		Status:       db.ItemQueued,
		Priority:     100,
		ScheduledFor: time.Now().Add(-time.Second),
		MaxRetries:   maxRetries,
	}
	if err := store.EnqueueItems(context.Background(), []*db.QueueItem{item}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func newTestProcessor(store *db.MemStore, snd sender.Sender, trk Tracker, esc Escalations) *Processor {
	return New(store, snd, trk, esc, Config{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		SendTimeout:  time.Second,
		BackoffBase:  time.Millisecond,
		BackoffCap:   10 * time.Millisecond,
		Workers:      1,
	}, zap.NewNop())
}

func TestProcessBatch_Success(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(nil)
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	item := testItem(t, store, 3)
	p.processBatch(context.Background(), zap.NewNop())

	items := store.ItemsByRequest(item.RequestID)
	if items[0].Status != db.ItemSent {
		t.Fatalf("expected sent, got %s", items[0].Status)
	}
	if len(trk.sent) != 1 {
		t.Fatalf("tracker should record 1 sent, got %d", len(trk.sent))
	}
	if len(esc.sent) != 1 {
		t.Fatalf("escalations should see 1 sent callback, got %d", len(esc.sent))
	}
}

func TestProcessBatch_TransientRetryWithBackoff(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(errors.New("provider timeout"))
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	item := testItem(t, store, 3)
	snd.failTimes(item.ID, 1)

	p.processBatch(context.Background(), zap.NewNop())

	items := store.ItemsByRequest(item.RequestID)
	got := items[0]
	if got.Status != db.ItemQueued {
		t.Fatalf("expected requeued, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", got.RetryCount)
	}
	if got.LastError == nil || *got.LastError != "provider timeout" {
		t.Fatal("last_error should record the failure")
	}

	// Second pass after backoff succeeds.
	time.Sleep(5 * time.Millisecond)
	p.processBatch(context.Background(), zap.NewNop())

	items = store.ItemsByRequest(item.RequestID)
	if items[0].Status != db.ItemSent {
		t.Fatalf("expected sent after retry, got %s", items[0].Status)
	}
	if snd.callCount(item.ID) != 2 {
		t.Fatalf("expected 2 send attempts, got %d", snd.callCount(item.ID))
	}
}

func TestProcessBatch_ExhaustedAfterMaxRetries(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(errors.New("provider down"))
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	item := testItem(t, store, 3)
	snd.failTimes(item.ID, 100)

	for i := 0; i < 5; i++ {
		p.processBatch(context.Background(), zap.NewNop())
		time.Sleep(12 * time.Millisecond)
	}

	items := store.ItemsByRequest(item.RequestID)
	if items[0].Status != db.ItemFailed {
		t.Fatalf("expected failed, got %s", items[0].Status)
	}
	if snd.callCount(item.ID) != 3 {
		t.Fatalf("expected exactly max_retries=3 attempts, got %d", snd.callCount(item.ID))
	}
	if n := esc.exhaustedCount(item.ID); n != 1 {
		t.Fatalf("exhaustion must be reported exactly once, got %d", n)
	}
	if len(trk.failed) != 1 {
		t.Fatalf("tracker should record 1 failure, got %d", len(trk.failed))
	}
}

func TestProcessBatch_PermanentFailureSkipsRetries(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(fmt.Errorf("%w: invalid phone number", sender.ErrPermanent))
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	item := testItem(t, store, 3)
	snd.failTimes(item.ID, 100)

	p.processBatch(context.Background(), zap.NewNop())

	items := store.ItemsByRequest(item.RequestID)
	if items[0].Status != db.ItemFailed {
		t.Fatalf("expected failed, got %s", items[0].Status)
	}
	if snd.callCount(item.ID) != 1 {
		t.Fatalf("permanent failure must not be retried, attempts=%d", snd.callCount(item.ID))
	}
	if n := esc.exhaustedCount(item.ID); n != 1 {
		t.Fatalf("expected one exhaustion callback, got %d", n)
	}
}

func TestProcessBatch_FailureIsIndependentPerRecipient(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(fmt.Errorf("%w: bad contact", sender.ErrPermanent))
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	requestID := uuid.New()
	good := &db.QueueItem{
		ID: uuid.New(), RequestID: requestID, RecipientID: uuid.New(), ResponderID: uuid.New(),
		Channel: db.ChannelEmail, Payload: []byte(`{}`), Status: db.ItemQueued,
		Priority: 100, ScheduledFor: time.Now().Add(-time.Second), MaxRetries: 3,
	}
	bad := &db.QueueItem{
		ID: uuid.New(), RequestID: requestID, RecipientID: uuid.New(), ResponderID: uuid.New(),
		Channel: db.ChannelSMS, Payload: []byte(`{}`), Status: db.ItemQueued,
		Priority: 100, ScheduledFor: time.Now().Add(-time.Second), MaxRetries: 3,
	}
	if err := store.EnqueueItems(context.Background(), []*db.QueueItem{good, bad}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	snd.failTimes(bad.ID, 100)

	p.processBatch(context.Background(), zap.NewNop())

	for _, item := range store.ItemsByRequest(requestID) {
		switch item.ID {
		case good.ID:
			if item.Status != db.ItemSent {
				t.Fatalf("good recipient should be sent, got %s", item.Status)
			}
		case bad.ID:
			if item.Status != db.ItemFailed {
				t.Fatalf("bad recipient should be failed, got %s", item.Status)
			}
		}
	}
}

func TestStartStop(t *testing.T) {
	store := db.NewMemStore()
	snd := newScriptedSender(nil)
	trk := &fakeTracker{}
	esc := &fakeEscalations{}
	p := newTestProcessor(store, snd, trk, esc)

	item := testItem(t, store, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		items := store.ItemsByRequest(item.RequestID)
		if items[0].Status == db.ItemSent {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not process the item in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	p.Stop()
}
