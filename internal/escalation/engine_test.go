package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haven-health/beacon/internal/db"
	"github.com/haven-health/beacon/internal/events"
)

type testEnv struct {
	store  *db.MemStore
	rec    *events.Recorder
	engine *Engine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := db.NewMemStore()
	rec := events.NewRecorder()
	engine := New(store, store, rec, rec, cfg, zap.NewNop())
	t.Cleanup(engine.Shutdown)
	return &testEnv{store: store, rec: rec, engine: engine}
}

func member(tier, priority int) *db.CareTeamMember {
	return &db.CareTeamMember{
		ResponderID: uuid.New(),
		Tier:        tier,
		Channel:     db.ChannelSMS,
		Contact:     "+15551230001",
		Priority:    priority,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCreateAlert_FansOutTierOne(t *testing.T) {
	env := newTestEnv(t, Config{MaxLifetime: time.Hour})
	subject := uuid.New()
	tier1a := member(1, 10)
	tier1b := member(1, 5)
	tier2 := member(2, 10)
	env.store.SetCareTeam(subject, []*db.CareTeamMember{tier1a, tier1b, tier2})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if alert.Status != db.AlertScheduled {
		t.Fatalf("expected scheduled, got %s", alert.Status)
	}
	if alert.Tier != 1 {
		t.Fatalf("expected tier 1, got %d", alert.Tier)
	}

	items := env.store.ItemsByRequest(alert.RequestID)
	if len(items) != 2 {
		t.Fatalf("expected 2 queue items for tier 1, got %d", len(items))
	}
	for _, item := range items {
		if item.ResponderID == tier2.ResponderID {
			t.Fatal("tier 2 must not be notified at creation")
		}
		if item.Priority != queuePriority[db.SeverityCritical] {
			t.Fatalf("expected critical priority, got %d", item.Priority)
		}
	}

	if got := env.rec.ByType(events.TypeAlertCreated); len(got) != 1 {
		t.Fatalf("expected 1 alert.created event, got %d", len(got))
	}
}

func TestCreateAlert_NoRecipientsRaisesOpsEscalation(t *testing.T) {
	env := newTestEnv(t, Config{MaxLifetime: time.Hour})
	subject := uuid.New() // no care team configured

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityHigh,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert must still succeed: %v", err)
	}
	if alert.Status != db.AlertScheduled {
		t.Fatalf("alert should remain queryable in scheduled state, got %s", alert.Status)
	}

	if got := env.rec.ByType(events.TypeAlertUnreachable); len(got) != 1 {
		t.Fatalf("expected 1 ops escalation, got %d", len(got))
	}
	if items := env.store.ItemsByRequest(alert.RequestID); len(items) != 0 {
		t.Fatalf("nothing should be enqueued, got %d items", len(items))
	}
}

func TestEscalate_OnTimeout(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: {20 * time.Millisecond, 20 * time.Millisecond},
		},
		MaxLifetime: time.Hour,
	})
	subject := uuid.New()
	t1 := member(1, 10)
	t2 := member(2, 10)
	env.store.SetCareTeam(subject, []*db.CareTeamMember{t1, t2})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := env.store.GetAlert(context.Background(), alert.ID)
		return err == nil && got.Status == db.AlertEscalated && got.Tier == 2
	})

	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", got.EscalationLevel)
	}

	entries, err := env.store.ListEscalations(context.Background(), alert.ID)
	if err != nil {
		t.Fatalf("list escalations: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != db.EscalationTimeout {
		t.Fatalf("expected one timeout escalation entry, got %+v", entries)
	}

	// Tier 2 got its own fan-out.
	found := false
	for _, item := range env.store.ItemsByRequest(alert.RequestID) {
		if item.ResponderID == t2.ResponderID {
			found = true
		}
	}
	if !found {
		t.Fatal("tier 2 responder should have a queue item after escalation")
	}

	if got := env.rec.ByType(events.TypeTierEscalated); len(got) != 1 {
		t.Fatalf("expected 1 tier.escalated event, got %d", len(got))
	}
}

func TestEscalation_StopsAfterActiveResponse(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: {20 * time.Millisecond},
		},
		MaxLifetime: time.Hour,
	})
	subject := uuid.New()
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10), member(2, 10)})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// A responder engages before the deadline.
	err = env.store.InsertResponse(context.Background(), &db.SupporterResponse{
		ID:                 uuid.New(),
		CrisisAlertID:      alert.ID,
		ResponderID:        uuid.New(),
		ResponseType:       db.ResponseAcknowledged,
		CoordinationStatus: db.CoordinationActive,
	})
	if err != nil {
		t.Fatalf("insert response: %v", err)
	}
	env.engine.ResponseRecorded(alert.ID)

	time.Sleep(80 * time.Millisecond)

	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.Tier != 1 {
		t.Fatalf("alert must not escalate past an active response, tier=%d", got.Tier)
	}
	if len(env.rec.ByType(events.TypeTierEscalated)) != 0 {
		t.Fatal("no tier.escalated events expected")
	}
}

func TestOnItemExhausted_EscalatesEarly(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityHigh: {time.Hour},
		},
		MaxLifetime: time.Hour,
	})
	subject := uuid.New()
	t2 := member(2, 10)
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10), t2})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityHigh,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// All tier 1 deliveries burn out.
	ctx := context.Background()
	items, err := env.store.ClaimDueItems(ctx, time.Now(), 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("claim: %v (%d items)", err, len(items))
	}
	if err := env.store.MarkItemFailed(ctx, items[0].ID, "provider down"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	env.engine.OnItemExhausted(ctx, items[0])

	got, _ := env.store.GetAlert(ctx, alert.ID)
	if got.Status != db.AlertEscalated || got.Tier != 2 {
		t.Fatalf("expected early escalation to tier 2, status=%s tier=%d", got.Status, got.Tier)
	}

	entries, _ := env.store.ListEscalations(ctx, alert.ID)
	if len(entries) != 1 || entries[0].Reason != db.EscalationExhausted {
		t.Fatalf("expected delivery_exhausted entry, got %+v", entries)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, Config{MaxLifetime: time.Hour})
	subject := uuid.New()
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10)})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindNeedConnection,
		Severity:      db.SeverityLow,
		Message:       "could use a check-in",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := env.engine.Cancel(context.Background(), alert.RequestID, "false alarm"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.Status != db.AlertCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	for _, item := range env.store.ItemsByRequest(alert.RequestID) {
		if item.Status != db.ItemCancelled {
			t.Fatalf("pending item should be cancelled, got %s", item.Status)
		}
	}

	// Cancelling a closed alert is rejected.
	if err := env.engine.Cancel(context.Background(), alert.RequestID, "again"); err == nil {
		t.Fatal("expected error cancelling a closed alert")
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{MaxLifetime: time.Hour})
	subject := uuid.New()
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10)})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityMedium,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	if err := env.engine.Resolve(context.Background(), alert.ID, "call_911"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.Status != db.AlertResolved {
		t.Fatalf("expected resolved, got %s", got.Status)
	}

	// Second resolve is a logged no-op.
	if err := env.engine.Resolve(context.Background(), alert.ID, "again"); err != nil {
		t.Fatalf("repeat resolve should not error: %v", err)
	}
	if len(env.rec.ByType(events.TypeAlertResolved)) != 1 {
		t.Fatal("alert.resolved must be emitted exactly once")
	}
}

func TestStaleTimerIsNoOp(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: {time.Hour},
		},
		MaxLifetime: time.Hour,
	})
	subject := uuid.New()
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10), member(2, 10)})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// The alert closes, then a stale deadline fires anyway.
	if _, err := env.store.UpdateAlertStatus(context.Background(), alert.ID, db.AlertResolved, db.AlertScheduled); err != nil {
		t.Fatalf("update status: %v", err)
	}
	env.engine.escalate(context.Background(), alert.ID, db.EscalationTimeout)

	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.Status != db.AlertResolved || got.Tier != 1 {
		t.Fatalf("stale escalation must not change a closed alert, status=%s tier=%d", got.Status, got.Tier)
	}
	if len(env.rec.ByType(events.TypeTierEscalated)) != 0 {
		t.Fatal("no escalation event expected for a closed alert")
	}
}

func TestConcurrentEscalationTriggersAdvanceOnce(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: {time.Hour},
		},
		MaxLifetime: time.Hour,
	})
	subject := uuid.New()
	t2 := member(2, 10)
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10), t2})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// The deadline timer and a delivery-exhausted callback can fire for the
	// same tier at the same time; only one trigger may advance and fan out.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.engine.escalate(context.Background(), alert.ID, db.EscalationTimeout)
		}()
	}
	wg.Wait()

	got, _ := env.store.GetAlert(context.Background(), alert.ID)
	if got.Status != db.AlertEscalated || got.Tier != 2 {
		t.Fatalf("expected exactly one escalation to tier 2, status=%s tier=%d", got.Status, got.Tier)
	}
	if got.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", got.EscalationLevel)
	}

	tier2Items := 0
	for _, item := range env.store.ItemsByRequest(alert.RequestID) {
		if item.ResponderID == t2.ResponderID {
			tier2Items++
		}
	}
	if tier2Items != 1 {
		t.Fatalf("tier 2 responder must be notified exactly once, got %d queue items", tier2Items)
	}

	entries, _ := env.store.ListEscalations(context.Background(), alert.ID)
	if len(entries) != 1 {
		t.Fatalf("expected a single escalation log entry, got %d", len(entries))
	}
	if got := env.rec.ByType(events.TypeTierEscalated); len(got) != 1 {
		t.Fatalf("expected 1 tier.escalated event, got %d", len(got))
	}
}

func TestRehydrate_ResumesOpenAlerts(t *testing.T) {
	store := db.NewMemStore()
	rec := events.NewRecorder()
	cfg := Config{
		Windows: map[string][]time.Duration{
			db.SeverityCritical: {20 * time.Millisecond, 20 * time.Millisecond},
		},
		MaxLifetime: time.Hour,
	}
	subject := uuid.New()
	store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10), member(2, 10)})

	first := New(store, store, rec, rec, cfg, zap.NewNop())
	alert, err := first.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityCritical,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}
	first.Shutdown()

	// A fresh engine over the same store picks the schedule back up.
	second := New(store, store, rec, rec, cfg, zap.NewNop())
	t.Cleanup(second.Shutdown)
	if err := second.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		got, err := store.GetAlert(context.Background(), alert.ID)
		return err == nil && got.Status == db.AlertEscalated && got.Tier == 2
	})
}

func TestRosterExhausted_AlertExpires(t *testing.T) {
	env := newTestEnv(t, Config{
		Windows: map[string][]time.Duration{
			db.SeverityHigh: {20 * time.Millisecond},
		},
		MaxLifetime: 100 * time.Millisecond,
	})
	subject := uuid.New()
	env.store.SetCareTeam(subject, []*db.CareTeamMember{member(1, 10)})

	alert, err := env.engine.CreateAlert(context.Background(), CreateParams{
		SubjectUserID: subject,
		Kind:          db.KindCrisis,
		Severity:      db.SeverityHigh,
		Message:       "I need help",
	})
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	// Single tier: the deadline fires, no tier 2 exists, and the alert
	// rides out its lifetime before resolving as expired.
	waitFor(t, time.Second, func() bool {
		got, err := env.store.GetAlert(context.Background(), alert.ID)
		return err == nil && got.Status == db.AlertResolved
	})

	resolved := env.rec.ByType(events.TypeAlertResolved)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 alert.resolved event, got %d", len(resolved))
	}
	if reason, _ := resolved[0].Payload["reason"].(string); reason != "expired" {
		t.Fatalf("expected expiry resolution, got %q", reason)
	}
}
