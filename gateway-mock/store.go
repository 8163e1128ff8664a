package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusCanceled  = "CANCELED"

	defaultPageSize = 100
)

var errNotFound = errors.New("payment not found")

type Payment struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	AmountMoney    Money     `json:"amount_money"`
	SourceID       string    `json:"-"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store keeps payments in memory. Creates replay by idempotency key.
type Store struct {
	mu            sync.Mutex
	payments      map[string]*Payment
	byIdempotency map[string]string
}

func NewStore() *Store {
	return &Store{
		payments:      make(map[string]*Payment),
		byIdempotency: make(map[string]string),
	}
}

func (s *Store) Create(req CreatePaymentRequest) Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byIdempotency[req.IdempotencyKey]; ok {
		return *s.payments[id]
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:             uuid.NewString(),
		Status:         StatusApproved,
		ReferenceID:    req.ReferenceID,
		AmountMoney:    req.AmountMoney,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Autocomplete {
		p.Status = StatusCompleted
	}
	s.payments[p.ID] = p
	s.byIdempotency[req.IdempotencyKey] = p.ID
	return *p
}

func (s *Store) Get(id string) (Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

// Transition moves an APPROVED payment to to. Repeating the transition that
// already happened returns the payment unchanged.
func (s *Store) Transition(id, to string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, errNotFound
	}
	switch p.Status {
	case to:
		return *p, nil
	case StatusApproved:
		p.Status = to
		p.UpdatedAt = time.Now().UTC()
		return *p, nil
	}
	return Payment{}, fmt.Errorf("payment %s is %s", id, p.Status)
}

// List returns payments created in [begin, end] ordered by creation time,
// starting at offset. next is zero when there are no more pages.
func (s *Store) List(begin, end string, offset, limit int) (page []Payment, next int, err error) {
	from, to, err := parseRange(begin, end)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	var matched []Payment
	for _, p := range s.payments {
		if p.CreatedAt.Before(from) || p.CreatedAt.After(to) {
			continue
		}
		matched = append(matched, *p)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	if offset >= len(matched) {
		return []Payment{}, 0, nil
	}
	endIdx := offset + limit
	if endIdx >= len(matched) {
		return matched[offset:], 0, nil
	}
	return matched[offset:endIdx], endIdx, nil
}

func parseRange(begin, end string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC().Add(time.Minute)
	var err error
	if begin != "" {
		if from, err = time.Parse(time.RFC3339, begin); err != nil {
			return from, to, errors.Wrap(err, "begin_time")
		}
	}
	if end != "" {
		if to, err = time.Parse(time.RFC3339, end); err != nil {
			return from, to, errors.Wrap(err, "end_time")
		}
	}
	return from, to, nil
}
