package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory implementation of the repository operations.
// It backs development mode when no database is configured and the engine
// unit tests. All claim operations hold the store mutex, giving the same
// atomicity guarantees the SQL conditional updates provide.
type MemStore struct {
	mu sync.Mutex

	requests   map[uuid.UUID]*NotificationRequest
	alerts     map[uuid.UUID]*CrisisAlert
	byRequest  map[uuid.UUID]uuid.UUID // request -> alert
	recipients map[uuid.UUID]*Recipient
	items      map[uuid.UUID]*QueueItem
	itemSeq    map[uuid.UUID]int // insertion order for FIFO tie-break
	seq        int
	responses  []*SupporterResponse
	escalation []*EscalationLogEntry
	deliveries []*DeliveryEvent
	careTeam   map[uuid.UUID][]*CareTeamMember
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		requests:   make(map[uuid.UUID]*NotificationRequest),
		alerts:     make(map[uuid.UUID]*CrisisAlert),
		byRequest:  make(map[uuid.UUID]uuid.UUID),
		recipients: make(map[uuid.UUID]*Recipient),
		items:      make(map[uuid.UUID]*QueueItem),
		itemSeq:    make(map[uuid.UUID]int),
		careTeam:   make(map[uuid.UUID][]*CareTeamMember),
	}
}

// SetCareTeam seeds the responder roster for a subject.
func (s *MemStore) SetCareTeam(subjectUserID uuid.UUID, members []*CareTeamMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.careTeam[subjectUserID] = members
}

// ResolveTiers returns the roster for a subject, ordered by tier then priority.
func (s *MemStore) ResolveTiers(ctx context.Context, subjectUserID uuid.UUID) ([]*CareTeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := append([]*CareTeamMember(nil), s.careTeam[subjectUserID]...)
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Tier != members[j].Tier {
			return members[i].Tier < members[j].Tier
		}
		return members[i].Priority > members[j].Priority
	})
	return members, nil
}

func (s *MemStore) CreateRequest(ctx context.Context, req *NotificationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemStore) GetRequest(ctx context.Context, id uuid.UUID) (*NotificationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("request not found: %s", id)
	}
	cp := *req
	return &cp, nil
}

func (s *MemStore) CreateAlert(ctx context.Context, alert *CrisisAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	cp := *alert
	s.alerts[alert.ID] = &cp
	s.byRequest[alert.RequestID] = alert.ID
	return nil
}

func (s *MemStore) getAlertLocked(id uuid.UUID) (*CrisisAlert, error) {
	alert, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	return alert, nil
}

func (s *MemStore) GetAlert(ctx context.Context, id uuid.UUID) (*CrisisAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.getAlertLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *alert
	return &cp, nil
}

func (s *MemStore) GetAlertByRequest(ctx context.Context, requestID uuid.UUID) (*CrisisAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRequest[requestID]
	if !ok {
		return nil, fmt.Errorf("alert not found for request: %s", requestID)
	}
	cp := *s.alerts[id]
	return &cp, nil
}

func (s *MemStore) ListOpenAlerts(ctx context.Context) ([]*CrisisAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*CrisisAlert
	for _, alert := range s.alerts {
		if TerminalAlertStatus(alert.Status) {
			continue
		}
		cp := *alert
		open = append(open, &cp)
	}
	return open, nil
}

func (s *MemStore) UpdateAlertStatus(ctx context.Context, id uuid.UUID, to string, from ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.getAlertLocked(id)
	if err != nil {
		return false, err
	}
	for _, f := range from {
		if alert.Status == f {
			alert.Status = to
			alert.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AdvanceAlertTier(ctx context.Context, id uuid.UUID, fromTier, toTier, level int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.getAlertLocked(id)
	if err != nil {
		return false, err
	}
	if alert.Tier != fromTier {
		return false, nil
	}
	switch alert.Status {
	case AlertScheduled, AlertSent, AlertEscalated:
		alert.Status = AlertEscalated
		alert.Tier = toTier
		alert.EscalationLevel = level
		alert.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (s *MemStore) ClaimFirstResponder(ctx context.Context, alertID, responderID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.getAlertLocked(alertID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if alert.FirstResponderID == nil {
		id := responderID
		alert.FirstResponderID = &id
		alert.UpdatedAt = time.Now()
		return responderID, true, nil
	}
	return *alert.FirstResponderID, false, nil
}

func (s *MemStore) IncrementResponderCount(ctx context.Context, alertID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, err := s.getAlertLocked(alertID)
	if err != nil {
		return err
	}
	alert.ResponderCount++
	alert.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) CreateRecipients(ctx context.Context, recipients []*Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, rcpt := range recipients {
		rcpt.CreatedAt = now
		cp := *rcpt
		s.recipients[rcpt.ID] = &cp
	}
	return nil
}

func (s *MemStore) EnqueueItems(ctx context.Context, items []*QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, item := range items {
		item.CreatedAt = now
		item.UpdatedAt = now
		cp := *item
		s.items[item.ID] = &cp
		s.seq++
		s.itemSeq[item.ID] = s.seq
	}
	return nil
}

func (s *MemStore) ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*QueueItem
	for _, item := range s.items {
		if item.Status == ItemQueued && !item.ScheduledFor.After(now) {
			due = append(due, item)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return s.itemSeq[due[i].ID] < s.itemSeq[due[j].ID]
	})

	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*QueueItem, 0, len(due))
	for _, item := range due {
		item.Status = ItemProcessing
		item.UpdatedAt = now
		cp := *item
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemStore) markItem(id uuid.UUID, apply func(*QueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue item not found: %s", id)
	}
	if item.Status != ItemProcessing {
		return fmt.Errorf("queue item not processing: %s", id)
	}
	apply(item)
	item.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) MarkItemSent(ctx context.Context, id uuid.UUID, deliveryID string) error {
	return s.markItem(id, func(item *QueueItem) {
		now := time.Now()
		item.Status = ItemSent
		item.LastError = nil
		item.ProcessedAt = &now
	})
}

func (s *MemStore) RequeueItem(ctx context.Context, id uuid.UUID, retryCount int, nextAt time.Time, lastError string) error {
	return s.markItem(id, func(item *QueueItem) {
		item.Status = ItemQueued
		item.RetryCount = retryCount
		item.ScheduledFor = nextAt
		item.LastError = &lastError
	})
}

func (s *MemStore) MarkItemFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.markItem(id, func(item *QueueItem) {
		now := time.Now()
		item.Status = ItemFailed
		item.LastError = &lastError
		item.ProcessedAt = &now
	})
}

func (s *MemStore) CancelPendingItems(ctx context.Context, requestID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now()
	for _, item := range s.items {
		if item.RequestID == requestID && item.Status == ItemQueued {
			item.Status = ItemCancelled
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemStore) CountPendingItems(ctx context.Context, requestID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if item.RequestID == requestID && (item.Status == ItemQueued || item.Status == ItemProcessing) {
			n++
		}
	}
	return n, nil
}

// ItemsByRequest returns copies of all queue items for a request, used by
// status queries and tests.
func (s *MemStore) ItemsByRequest(requestID uuid.UUID) []*QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*QueueItem
	for _, item := range s.items {
		if item.RequestID == requestID {
			cp := *item
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return s.itemSeq[items[i].ID] < s.itemSeq[items[j].ID]
	})
	return items
}

func (s *MemStore) InsertResponse(ctx context.Context, resp *SupporterResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp.RespondedAt = time.Now()
	cp := *resp
	s.responses = append(s.responses, &cp)
	return nil
}

func (s *MemStore) SupersedeResponses(ctx context.Context, alertID, responderID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, resp := range s.responses {
		if resp.CrisisAlertID == alertID && resp.ResponderID == responderID && resp.CoordinationStatus == CoordinationActive {
			resp.CoordinationStatus = CoordinationSuperseded
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AlertHasActiveResponse(ctx context.Context, alertID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, resp := range s.responses {
		if resp.CrisisAlertID == alertID && resp.CoordinationStatus == CoordinationActive {
			return true, nil
		}
	}
	return false, nil
}

// ResponsesByAlert returns copies of all responses for an alert.
func (s *MemStore) ResponsesByAlert(alertID uuid.UUID) []*SupporterResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SupporterResponse
	for _, resp := range s.responses {
		if resp.CrisisAlertID == alertID {
			cp := *resp
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemStore) AppendEscalation(ctx context.Context, entry *EscalationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.CreatedAt = time.Now()
	cp := *entry
	s.escalation = append(s.escalation, &cp)
	return nil
}

func (s *MemStore) ListEscalations(ctx context.Context, alertID uuid.UUID) ([]*EscalationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*EscalationLogEntry
	for _, e := range s.escalation {
		if e.CrisisAlertID == alertID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) AppendDeliveryEvent(ctx context.Context, ev *DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.CreatedAt = time.Now()
	cp := *ev
	s.deliveries = append(s.deliveries, &cp)
	return nil
}

func (s *MemStore) ListDeliveryEvents(ctx context.Context, requestID uuid.UUID) ([]*DeliveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DeliveryEvent
	for _, ev := range s.deliveries {
		if ev.RequestID == requestID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}
