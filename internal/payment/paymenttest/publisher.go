package paymenttest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"paywall-service/internal/payment"
)

type Event struct {
	PaymentID uuid.UUID
	From      payment.Status
	To        payment.Status
}

// Publisher records every lifecycle event it receives.
type Publisher struct {
	mu     sync.Mutex
	events []Event

	Err error
}

func (p *Publisher) Publish(_ context.Context, pay *payment.Payment, from payment.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, Event{PaymentID: pay.ID, From: from, To: pay.Status})
	return p.Err
}

func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}
