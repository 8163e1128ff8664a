package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"paywall-service/internal/gateway"
)

type Store interface {
	// InsertPending creates p unless another in-flight payment holds the
	// same dedupe key, in which case it returns ErrDuplicateInFlight. The
	// check and the insert are one statement.
	InsertPending(ctx context.Context, p *Payment) error
	SelectByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	// UpdateStatus moves the payment from one status to another only if it is
	// still in from when the write applies; otherwise ErrStaleTransition.
	// A nil gatewayRef leaves the stored reference untouched.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, gatewayRef *string) (time.Time, error)
	SelectStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Payment, error)
}

// Ledger runs fn in one atomic scope: every write made through ctx inside fn
// commits together or not at all.
type Ledger interface {
	RunAtomic(ctx context.Context, fn func(ctx context.Context) error) error
}

type Gateway interface {
	CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error)
	CancelCharge(ctx context.Context, chargeID string) (*gateway.Charge, error)
	CompleteCharge(ctx context.Context, chargeID string) (*gateway.Charge, error)
	GetCharge(ctx context.Context, chargeID string) (*gateway.Charge, error)
	ListChargesInRange(ctx context.Context, begin, end time.Time) ([]gateway.Charge, error)
}

// Fulfillment dispatches to the capability registered for an action type.
type Fulfillment interface {
	Validate(actionType ActionType, data json.RawMessage) error
	Fulfill(ctx context.Context, actionType ActionType, paymentID uuid.UUID, data json.RawMessage) error
}

// Publisher receives every committed transition.
type Publisher interface {
	Publish(ctx context.Context, p *Payment, from Status) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Payment, Status) error { return nil }
