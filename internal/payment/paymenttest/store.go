// Package paymenttest provides in-memory collaborators for exercising the
// payment state machine without Postgres or a live gateway.
package paymenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"paywall-service/internal/payment"
)

// MemStore enforces the same dedupe and precondition rules as the Postgres
// repository.
type MemStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]payment.Payment
	now      func() time.Time

	// UpdateErr, when set, fails the next UpdateStatus call.
	UpdateErr error
}

func NewMemStore() *MemStore {
	return &MemStore{
		payments: make(map[uuid.UUID]payment.Payment),
		now:      time.Now,
	}
}

func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemStore) InsertPending(_ context.Context, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.DedupeKey == p.DedupeKey && !existing.Status.Terminal() {
			return payment.ErrDuplicateInFlight
		}
	}
	s.payments[p.ID] = clone(*p)
	return nil
}

func (s *MemStore) SelectByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	c := clone(p)
	return &c, nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to payment.Status, gatewayRef *string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.UpdateErr; err != nil {
		s.UpdateErr = nil
		return time.Time{}, err
	}

	p, ok := s.payments[id]
	if !ok {
		return time.Time{}, payment.ErrNotFound
	}
	if p.Status != from {
		return time.Time{}, fmt.Errorf("%w: %s -> %s", payment.ErrStaleTransition, from, to)
	}

	p.Status = to
	if gatewayRef != nil && p.GatewayReferenceID == nil {
		ref := *gatewayRef
		p.GatewayReferenceID = &ref
	}
	p.UpdatedAt = s.now().UTC()
	s.payments[id] = p
	return p.UpdatedAt, nil
}

func (s *MemStore) SelectStale(_ context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*payment.Payment
	for _, p := range s.payments {
		if !contains(statuses, p.Status) || !p.UpdatedAt.Before(before) {
			continue
		}
		c := clone(p)
		stale = append(stale, &c)
	}
	sort.Slice(stale, func(i, j int) bool { return staleBefore(stale[i], stale[j]) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemStore) MarkReconciled(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return payment.ErrNotFound
	}
	at = at.UTC()
	p.ReconciledAt = &at
	s.payments[id] = p
	return nil
}

// staleBefore orders never-reconciled payments first, then by the last
// reconciliation attempt, then by age.
func staleBefore(a, b *payment.Payment) bool {
	switch {
	case a.ReconciledAt == nil && b.ReconciledAt != nil:
		return true
	case a.ReconciledAt != nil && b.ReconciledAt == nil:
		return false
	case a.ReconciledAt != nil && !a.ReconciledAt.Equal(*b.ReconciledAt):
		return a.ReconciledAt.Before(*b.ReconciledAt)
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

// Put stores p as is, bypassing the dedupe check.
func (s *MemStore) Put(p *payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = clone(*p)
}

func (s *MemStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

func (s *MemStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[uuid.UUID]payment.Payment, len(s.payments))
	for id, p := range s.payments {
		snapshot[id] = clone(p)
	}
	return snapshot
}

func (s *MemStore) Restore(snapshot any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = snapshot.(map[uuid.UUID]payment.Payment)
}

func clone(p payment.Payment) payment.Payment {
	if p.GatewayReferenceID != nil {
		ref := *p.GatewayReferenceID
		p.GatewayReferenceID = &ref
	}
	if p.ReconciledAt != nil {
		at := *p.ReconciledAt
		p.ReconciledAt = &at
	}
	return p
}

func contains(statuses []payment.Status, s payment.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
