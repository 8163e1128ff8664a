package fulfillment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"paywall-service/internal/payment"
)

var ErrUnknownAction = errors.New("no fulfillment registered for action type")

// Capability grants one kind of purchased item. Fulfill runs inside the
// ledger scope of the Confirm transition and must write only through ctx.
type Capability interface {
	Validate(data json.RawMessage) error
	Fulfill(ctx context.Context, paymentID uuid.UUID, data json.RawMessage) error
}

// Registry maps action types to capabilities. It is filled at startup and
// read-only afterwards.
type Registry struct {
	capabilities map[payment.ActionType]Capability
}

func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[payment.ActionType]Capability)}
}

func (r *Registry) Register(actionType payment.ActionType, capability Capability) {
	if _, ok := r.capabilities[actionType]; ok {
		panic(fmt.Sprintf("fulfillment: duplicate registration for %q", actionType))
	}
	r.capabilities[actionType] = capability
}

func (r *Registry) Validate(actionType payment.ActionType, data json.RawMessage) error {
	capability, err := r.lookup(actionType)
	if err != nil {
		return err
	}
	return capability.Validate(data)
}

func (r *Registry) Fulfill(ctx context.Context, actionType payment.ActionType, paymentID uuid.UUID, data json.RawMessage) error {
	capability, err := r.lookup(actionType)
	if err != nil {
		return err
	}
	return capability.Fulfill(ctx, paymentID, data)
}

func (r *Registry) lookup(actionType payment.ActionType) (Capability, error) {
	capability, ok := r.capabilities[actionType]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAction, "%q", actionType)
	}
	return capability, nil
}
