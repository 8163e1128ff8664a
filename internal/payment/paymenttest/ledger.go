package paymenttest

import (
	"context"
	"sync"
)

type Snapshotter interface {
	Snapshot() any
	Restore(snapshot any)
}

// MemLedger restores every participant to its state at scope entry unless fn
// returns nil. Scopes are serialized.
type MemLedger struct {
	mu           sync.Mutex
	participants []Snapshotter

	Commits   int
	Rollbacks int
}

func NewMemLedger(participants ...Snapshotter) *MemLedger {
	return &MemLedger{participants: participants}
}

func (l *MemLedger) RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshots := make([]any, len(l.participants))
	for i, p := range l.participants {
		snapshots[i] = p.Snapshot()
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		for i, p := range l.participants {
			p.Restore(snapshots[i])
		}
		l.Rollbacks++
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	committed = true
	l.Commits++
	return nil
}
