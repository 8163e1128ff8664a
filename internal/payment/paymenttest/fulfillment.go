package paymenttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Grants is a fulfillment capability that records what it granted and takes
// part in MemLedger scopes.
type Grants struct {
	mu      sync.Mutex
	granted map[uuid.UUID]json.RawMessage

	// FulfillErr, when set, fails every Fulfill call after nothing was
	// granted.
	FulfillErr error
	// Panic makes Fulfill panic, standing in for a crash mid-transaction.
	Panic bool
	Calls int
}

func NewGrants() *Grants {
	return &Grants{granted: make(map[uuid.UUID]json.RawMessage)}
}

func (g *Grants) Validate(data json.RawMessage) error {
	if len(data) == 0 || !json.Valid(data) {
		return errors.New("invalid action data")
	}
	return nil
}

func (g *Grants) Fulfill(_ context.Context, paymentID uuid.UUID, data json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Calls++
	if g.Panic {
		panic("fulfillment crashed")
	}
	if g.FulfillErr != nil {
		return g.FulfillErr
	}
	if _, ok := g.granted[paymentID]; ok {
		return errors.New("already granted")
	}
	g.granted[paymentID] = data
	return nil
}

func (g *Grants) Granted(paymentID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.granted[paymentID]
	return ok
}

func (g *Grants) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.granted)
}

func (g *Grants) Snapshot() any {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapshot := make(map[uuid.UUID]json.RawMessage, len(g.granted))
	for id, data := range g.granted {
		snapshot[id] = data
	}
	return snapshot
}

func (g *Grants) Restore(snapshot any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted = snapshot.(map[uuid.UUID]json.RawMessage)
}
