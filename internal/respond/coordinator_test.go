package respond

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/events"
)

type fakeEscalations struct {
	mu       sync.Mutex
	recorded []uuid.UUID
	resolved []string
}

func (f *fakeEscalations) ResponseRecorded(alertID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, alertID)
}

func (f *fakeEscalations) Resolve(ctx context.Context, alertID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, reason)
	return nil
}

func setup(t *testing.T) (*db.MemStore, *fakeEscalations, *events.Recorder, *Coordinator, *db.CrisisAlert) {
	t.Helper()
	store := db.NewMemStore()
	esc := &fakeEscalations{}
	rec := events.NewRecorder()
	coord := New(store, esc, rec, zap.NewNop())

	ctx := context.Background()
	req := &db.NotificationRequest{ID: uuid.New(), SubjectUserID: uuid.New(), Kind: db.KindCrisis, Message: "help"}
	if err := store.CreateRequest(ctx, req); err != nil {
		t.Fatalf("create request: %v", err)
	}
	alert := &db.CrisisAlert{
		ID:        uuid.New(),
		RequestID: req.ID,
		Severity:  db.SeverityCritical,
		Status:    db.AlertSent,
		Tier:      1,
	}
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	return store, esc, rec, coord, alert
}

func TestSubmit_FirstResponderWinsClaim(t *testing.T) {
	store, esc, _, coord, alert := setup(t)
	ctx := context.Background()
	responder := uuid.New()

	result, err := coord.Submit(ctx, alert.ID, responder, db.ResponseAcknowledged)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Accepted || !result.IsFirstResponder {
		t.Fatalf("expected accepted first responder, got %+v", result)
	}

	got, _ := store.GetAlert(ctx, alert.ID)
	if got.Status != db.AlertAcknowledged {
		t.Fatalf("expected acknowledged, got %s", got.Status)
	}
	if got.FirstResponderID == nil || *got.FirstResponderID != responder {
		t.Fatal("first responder should hold the claim")
	}
	if got.ResponderCount != 1 {
		t.Fatalf("expected responder count 1, got %d", got.ResponderCount)
	}
	if len(esc.recorded) != 1 {
		t.Fatalf("escalation timers should be stopped once, got %d", len(esc.recorded))
	}
}

func TestSubmit_ConcurrentClaimHasOneWinner(t *testing.T) {
	_, _, _, coord, alert := setup(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseAcknowledged)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for res := range results {
		if !res.Accepted {
			t.Fatal("every response must be recorded")
		}
		if res.IsFirstResponder {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one first responder, got %d", winners)
	}
}

func TestSubmit_SecondResponderSeesHolder(t *testing.T) {
	_, _, _, coord, alert := setup(t)
	ctx := context.Background()
	first := uuid.New()
	second := uuid.New()

	if _, err := coord.Submit(ctx, alert.ID, first, db.ResponseAcknowledged); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := coord.Submit(ctx, alert.ID, second, db.ResponseMadeContact)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.IsFirstResponder {
		t.Fatal("second responder must not win the claim")
	}
	if result.FirstResponderID == nil || *result.FirstResponderID != first {
		t.Fatal("result should name the claim holder")
	}
}

func TestSubmit_ResubmissionDoesNotDoubleCount(t *testing.T) {
	store, _, _, coord, alert := setup(t)
	ctx := context.Background()
	responder := uuid.New()

	if _, err := coord.Submit(ctx, alert.ID, responder, db.ResponseAcknowledged); err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := coord.Submit(ctx, alert.ID, responder, db.ResponseMadeContact)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !result.Accepted || !result.IsFirstResponder {
		t.Fatalf("holder resubmitting stays first responder, got %+v", result)
	}

	got, _ := store.GetAlert(ctx, alert.ID)
	if got.ResponderCount != 1 {
		t.Fatalf("resubmission must not double count, got %d", got.ResponderCount)
	}

	active := 0
	for _, resp := range store.ResponsesByAlert(alert.ID) {
		if resp.CoordinationStatus == db.CoordinationActive {
			active++
			if resp.ResponseType != db.ResponseMadeContact {
				t.Fatalf("latest response should be active, got %s", resp.ResponseType)
			}
		}
	}
	if active != 1 {
		t.Fatalf("expected 1 active response, got %d", active)
	}
}

func TestSubmit_Call911ForcesResolution(t *testing.T) {
	_, esc, _, coord, alert := setup(t)
	ctx := context.Background()

	result, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseCall911)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Accepted || !result.IsFirstResponder {
		t.Fatalf("call_911 should engage, got %+v", result)
	}
	if len(esc.resolved) != 1 || esc.resolved[0] != "call_911" {
		t.Fatalf("expected call_911 resolution, got %v", esc.resolved)
	}
}

func TestSubmit_Call911BySecondResponderStillResolves(t *testing.T) {
	_, esc, _, coord, alert := setup(t)
	ctx := context.Background()

	if _, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseAcknowledged); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseCall911)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.IsFirstResponder {
		t.Fatal("second responder does not take the claim")
	}
	// Emergency services own the crisis regardless of who holds the claim.
	if len(esc.resolved) != 1 {
		t.Fatalf("call_911 must resolve the alert, resolved=%v", esc.resolved)
	}
}

func TestSubmit_NonEngagingTypesDoNotClaim(t *testing.T) {
	store, esc, _, coord, alert := setup(t)
	ctx := context.Background()

	for _, rt := range []string{db.ResponseNeedsHelp, db.ResponseUnavailable} {
		result, err := coord.Submit(ctx, alert.ID, uuid.New(), rt)
		if err != nil {
			t.Fatalf("submit %s: %v", rt, err)
		}
		if !result.Accepted {
			t.Fatalf("%s should be recorded", rt)
		}
		if result.IsFirstResponder {
			t.Fatalf("%s must not take the claim", rt)
		}
	}

	got, _ := store.GetAlert(ctx, alert.ID)
	if got.FirstResponderID != nil {
		t.Fatal("no claim expected")
	}
	if got.Status != db.AlertSent {
		t.Fatalf("alert must stay sent, got %s", got.Status)
	}
	if len(esc.recorded) != 0 {
		t.Fatal("non-engaging responses must not stop escalation")
	}
}

func TestSubmit_ClosedAlertRejected(t *testing.T) {
	store, _, _, coord, alert := setup(t)
	ctx := context.Background()

	if _, err := store.UpdateAlertStatus(ctx, alert.ID, db.AlertResolved, db.AlertSent); err != nil {
		t.Fatalf("update status: %v", err)
	}

	result, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseAcknowledged)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Accepted {
		t.Fatal("responses against closed alerts must be rejected")
	}
	if len(store.ResponsesByAlert(alert.ID)) != 0 {
		t.Fatal("no response row expected for a closed alert")
	}
}

func TestSubmit_InvalidTypeErrors(t *testing.T) {
	_, _, _, coord, alert := setup(t)

	if _, err := coord.Submit(context.Background(), alert.ID, uuid.New(), "thumbs_up"); err == nil {
		t.Fatal("expected error for unknown response type")
	}
}

func TestSubmit_LateResponseOnEscalatedAlertCounts(t *testing.T) {
	store, _, rec, coord, alert := setup(t)
	ctx := context.Background()

	// The alert escalated to tier 2 before anyone responded.
	if _, err := store.AdvanceAlertTier(ctx, alert.ID, 1, 2, 1); err != nil {
		t.Fatalf("advance tier: %v", err)
	}

	result, err := coord.Submit(ctx, alert.ID, uuid.New(), db.ResponseAcknowledged)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Accepted || !result.IsFirstResponder {
		t.Fatalf("late response should still claim, got %+v", result)
	}

	got, _ := store.GetAlert(ctx, alert.ID)
	if got.Status != db.AlertAcknowledged {
		t.Fatalf("escalated -> acknowledged is allowed, got %s", got.Status)
	}
	if len(rec.ByType(events.TypeResponseRecorded)) != 1 {
		t.Fatal("expected one response.recorded event")
	}
}
