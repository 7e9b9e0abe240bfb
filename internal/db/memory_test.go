package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedAlert(t *testing.T, s *MemStore, severity string) *CrisisAlert {
	t.Helper()
	ctx := context.Background()

	req := &NotificationRequest{
		ID:            uuid.New(),
		SubjectUserID: uuid.New(),
		Kind:          KindCrisis,
		Message:       "need help now",
	}
	if err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}

	alert := &CrisisAlert{
		ID:        uuid.New(),
		RequestID: req.ID,
		Severity:  severity,
		Status:    AlertScheduled,
		Tier:      1,
	}
	if err := s.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	return alert
}

func enqueue(t *testing.T, s *MemStore, requestID uuid.UUID, priority int, scheduledFor time.Time) *QueueItem {
	t.Helper()
	item := &QueueItem{
		ID:           uuid.New(),
		RequestID:    requestID,
		RecipientID:  uuid.New(),
		ResponderID:  uuid.New(),
		Channel:      ChannelSMS,
		Payload:      []byte(`{}`),
		Status:       ItemQueued,
		Priority:     priority,
		ScheduledFor: scheduledFor,
		MaxRetries:   3,
	}
	if err := s.EnqueueItems(context.Background(), []*QueueItem{item}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func TestClaimDueItems_Ordering(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityCritical)
	now := time.Now()

	low := enqueue(t, s, alert.RequestID, 25, now.Add(-3*time.Second))
	critEarly := enqueue(t, s, alert.RequestID, 100, now.Add(-2*time.Second))
	critLate := enqueue(t, s, alert.RequestID, 100, now.Add(-1*time.Second))
	future := enqueue(t, s, alert.RequestID, 100, now.Add(time.Hour))

	items, err := s.ClaimDueItems(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 due items, got %d", len(items))
	}

	want := []uuid.UUID{critEarly.ID, critLate.ID, low.ID}
	for i, w := range want {
		if items[i].ID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, items[i].ID)
		}
	}
	for _, item := range items {
		if item.Status != ItemProcessing {
			t.Fatalf("claimed item should be processing, got %s", item.Status)
		}
		if item.ID == future.ID {
			t.Fatal("future item should not be claimed")
		}
	}
}

func TestClaimDueItems_FIFOTieBreak(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityHigh)
	at := time.Now().Add(-time.Second)

	first := enqueue(t, s, alert.RequestID, 75, at)
	second := enqueue(t, s, alert.RequestID, 75, at)
	third := enqueue(t, s, alert.RequestID, 75, at)

	items, err := s.ClaimDueItems(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := []uuid.UUID{first.ID, second.ID, third.ID}
	for i, w := range want {
		if items[i].ID != w {
			t.Fatalf("position %d: expected insertion order, got %s", i, items[i].ID)
		}
	}
}

func TestClaimDueItems_NoDoubleClaim(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityMedium)
	for i := 0; i < 20; i++ {
		enqueue(t, s, alert.RequestID, 50, time.Now().Add(-time.Second))
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := s.ClaimDueItems(context.Background(), time.Now(), 10)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, item := range items {
				seen[item.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected all 20 items claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func TestMarkItem_RequiresProcessing(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityLow)
	item := enqueue(t, s, alert.RequestID, 25, time.Now().Add(-time.Second))

	// Still queued: terminal transitions must be rejected.
	if err := s.MarkItemSent(context.Background(), item.ID, "d-1"); err == nil {
		t.Fatal("expected error marking queued item sent")
	}

	if _, err := s.ClaimDueItems(context.Background(), time.Now(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkItemSent(context.Background(), item.ID, "d-1"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	// Exactly-once: a second completion is rejected.
	if err := s.MarkItemFailed(context.Background(), item.ID, "late failure"); err == nil {
		t.Fatal("expected error failing an already-sent item")
	}
}

func TestUpdateAlertStatus_Guard(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityCritical)
	ctx := context.Background()

	ok, err := s.UpdateAlertStatus(ctx, alert.ID, AlertSent, AlertScheduled)
	if err != nil || !ok {
		t.Fatalf("scheduled->sent should succeed, ok=%v err=%v", ok, err)
	}

	// Guard mismatch is a no-op, not an error.
	ok, err = s.UpdateAlertStatus(ctx, alert.ID, AlertSent, AlertScheduled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("guard should reject sent->sent from scheduled")
	}

	ok, _ = s.UpdateAlertStatus(ctx, alert.ID, AlertResolved, AlertScheduled, AlertSent, AlertAcknowledged, AlertEscalated)
	if !ok {
		t.Fatal("sent->resolved should succeed")
	}

	// Terminal status never moves again.
	ok, _ = s.UpdateAlertStatus(ctx, alert.ID, AlertAcknowledged, AlertScheduled, AlertSent, AlertEscalated)
	if ok {
		t.Fatal("resolved alert must not transition")
	}
}

func TestClaimFirstResponder_ExactlyOneWinner(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityCritical)

	const n = 10
	responders := make([]uuid.UUID, n)
	for i := range responders {
		responders[i] = uuid.New()
	}

	var wg sync.WaitGroup
	wins := make(chan uuid.UUID, n)
	for _, rid := range responders {
		wg.Add(1)
		go func(rid uuid.UUID) {
			defer wg.Done()
			_, won, err := s.ClaimFirstResponder(context.Background(), alert.ID, rid)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if won {
				wins <- rid
			}
		}(rid)
	}
	wg.Wait()
	close(wins)

	var winners []uuid.UUID
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}

	holder, won, err := s.ClaimFirstResponder(context.Background(), alert.ID, uuid.New())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if won {
		t.Fatal("late claim must not win")
	}
	if holder != winners[0] {
		t.Fatalf("holder %s does not match winner %s", holder, winners[0])
	}
}

func TestCancelPendingItems(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityHigh)
	ctx := context.Background()

	enqueue(t, s, alert.RequestID, 75, time.Now().Add(-time.Second))
	enqueue(t, s, alert.RequestID, 75, time.Now().Add(-time.Second))
	inFlight := enqueue(t, s, alert.RequestID, 100, time.Now().Add(-time.Second))
	if _, err := s.ClaimDueItems(ctx, time.Now(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := s.CancelPendingItems(ctx, alert.RequestID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}

	// The in-flight item keeps processing; pending count reflects it.
	pending, err := s.CountPendingItems(ctx, alert.RequestID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending (in flight), got %d", pending)
	}

	for _, item := range s.ItemsByRequest(alert.RequestID) {
		if item.ID == inFlight.ID {
			if item.Status != ItemProcessing {
				t.Fatalf("in-flight item should stay processing, got %s", item.Status)
			}
		} else if item.Status != ItemCancelled {
			t.Fatalf("queued item should be cancelled, got %s", item.Status)
		}
	}
}

func TestSupersedeResponses(t *testing.T) {
	s := NewMemStore()
	alert := seedAlert(t, s, SeverityMedium)
	ctx := context.Background()
	responder := uuid.New()

	insert := func(responseType string) {
		t.Helper()
		err := s.InsertResponse(ctx, &SupporterResponse{
			ID:                 uuid.New(),
			CrisisAlertID:      alert.ID,
			ResponderID:        responder,
			ResponseType:       responseType,
			CoordinationStatus: CoordinationActive,
		})
		if err != nil {
			t.Fatalf("insert response: %v", err)
		}
	}

	n, err := s.SupersedeResponses(ctx, alert.ID, responder)
	if err != nil || n != 0 {
		t.Fatalf("expected no superseded rows, n=%d err=%v", n, err)
	}
	insert(ResponseAcknowledged)

	n, err = s.SupersedeResponses(ctx, alert.ID, responder)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 superseded row, n=%d err=%v", n, err)
	}
	insert(ResponseMadeContact)

	active := 0
	for _, resp := range s.ResponsesByAlert(alert.ID) {
		if resp.CoordinationStatus == CoordinationActive {
			active++
			if resp.ResponseType != ResponseMadeContact {
				t.Fatalf("active response should be the latest, got %s", resp.ResponseType)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly 1 active response, got %d", active)
	}

	has, err := s.AlertHasActiveResponse(ctx, alert.ID)
	if err != nil || !has {
		t.Fatalf("expected active response, has=%v err=%v", has, err)
	}
}
