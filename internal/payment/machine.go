package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"paywall-service/internal/gateway"
	"paywall-service/internal/logcontext"
)

type InitiateRequest struct {
	DedupeKey    string
	Amount       int64
	ActionType   ActionType
	ActionData   json.RawMessage
	PaymentToken string
}

// Machine owns every status change of a Payment. Both the request path and
// the reconciliation scheduler drive payments through it.
//
// Gateway calls are never made inside a ledger scope.
type Machine struct {
	store       Store
	ledger      Ledger
	gateway     Gateway
	fulfillment Fulfillment
	publisher   Publisher
	currency    string
	logger      *slog.Logger
	now         func() time.Time
}

func NewMachine(store Store, ledger Ledger, gw Gateway, fulfillment Fulfillment, publisher Publisher, currency string, logger *slog.Logger) *Machine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Machine{
		store:       store,
		ledger:      ledger,
		gateway:     gw,
		fulfillment: fulfillment,
		publisher:   publisher,
		currency:    currency,
		logger:      logger,
		now:         time.Now,
	}
}

// Initiate creates a Pending payment and drives it through Approve, Confirm
// and Complete. The returned payment is non-nil whenever a record was
// created, even if a later step failed. A failed Complete is not an error
// for the caller: the item is granted and reconciliation captures the charge.
func (m *Machine) Initiate(ctx context.Context, req InitiateRequest) (*Payment, error) {
	if err := m.validate(req); err != nil {
		initiateCounter("validation_error").Inc()
		return nil, err
	}

	now := m.now().UTC()
	p := &Payment{
		ID:         uuid.New(),
		Status:     StatusPending,
		ActionType: req.ActionType,
		ActionData: req.ActionData,
		DedupeKey:  req.DedupeKey,
		Amount:     req.Amount,
		Currency:   m.currency,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ctx = withPayment(ctx, p)

	if err := m.store.InsertPending(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateInFlight) {
			m.logger.InfoContext(ctx, "Payment already in flight", "dedupeKey", req.DedupeKey)
			initiateCounter("duplicate").Inc()
			return nil, err
		}
		m.logger.ErrorContext(ctx, "Error creating payment", "error", err)
		initiateCounter("persistence_error").Inc()
		return nil, persistenceFailure(err)
	}
	m.logger.InfoContext(ctx, "Payment created", "actionType", p.ActionType, "amount", p.Amount)
	m.publish(ctx, p, "")

	if err := m.Approve(ctx, p, req.PaymentToken); err != nil {
		initiateCounter("approve_failed").Inc()
		return p, err
	}

	if err := m.Confirm(ctx, p); err != nil {
		initiateCounter("confirm_failed").Inc()
		if errors.Is(err, ErrFulfillment) {
			if cancelErr := m.Cancel(ctx, p); cancelErr != nil {
				m.logger.ErrorContext(ctx, "Error cancelling charge after failed fulfillment", "error", cancelErr)
			}
		}
		return p, err
	}

	if err := m.Complete(ctx, p); err != nil {
		m.logger.WarnContext(ctx, "Completion deferred to reconciliation", "error", err)
		initiateCounter("complete_deferred").Inc()
		return p, nil
	}

	initiateCounter("completed").Inc()
	return p, nil
}

func (m *Machine) validate(req InitiateRequest) error {
	switch {
	case req.DedupeKey == "":
		return fmt.Errorf("%w: dedupe key is required", ErrValidation)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case req.PaymentToken == "":
		return fmt.Errorf("%w: payment token is required", ErrValidation)
	}
	if err := m.fulfillment.Validate(req.ActionType, req.ActionData); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (m *Machine) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := m.store.SelectByID(ctx, id)
	if err != nil {
		return nil, persistenceFailure(err)
	}
	return p, nil
}

func (m *Machine) GetStatus(ctx context.Context, id uuid.UUID) (Status, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Approve asks the gateway to hold the charge. A declined charge ends the
// payment: the token is single-use, so Approve is never retried.
func (m *Machine) Approve(ctx context.Context, p *Payment, paymentToken string) error {
	ctx = withPayment(ctx, p)
	if p.Status != StatusPending {
		return fmt.Errorf("%w: approve from %s", ErrInvalidTransition, p.Status)
	}

	charge, err := m.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		SourceToken:    paymentToken,
		Amount:         p.Amount,
		Currency:       p.Currency,
		IdempotencyKey: uuid.NewString(),
		ReferenceID:    p.ID.String(),
	})
	if err != nil {
		m.logGatewayFailure(ctx, "create", err)
		if gateway.IsDeclined(err) {
			if abandonErr := m.Abandon(ctx, p); abandonErr != nil {
				return abandonErr
			}
		}
		return gatewayFailure(err)
	}

	if charge.Status != gateway.ChargeApproved {
		m.logger.WarnContext(ctx, "Charge not held by gateway", "chargeId", charge.ID, "chargeStatus", charge.Status)
		if !charge.Status.Closed() {
			if _, cancelErr := m.gateway.CancelCharge(ctx, charge.ID); cancelErr != nil {
				m.logGatewayFailure(ctx, "cancel", cancelErr)
			}
		}
		if abandonErr := m.Abandon(ctx, p); abandonErr != nil {
			return abandonErr
		}
		return fmt.Errorf("%w: charge %s is %s", ErrGatewayDeclined, charge.ID, charge.Status)
	}

	ref := charge.ID
	err = m.transition(ctx, p, StatusApproved, &ref)
	if errors.Is(err, ErrStaleTransition) {
		// reconciliation abandoned the payment while the charge was being
		// created; nothing else will release the hold
		m.logger.WarnContext(ctx, "Cancelling charge held for an abandoned payment", "chargeId", charge.ID)
		if _, cancelErr := m.gateway.CancelCharge(ctx, charge.ID); cancelErr != nil {
			m.logGatewayFailure(ctx, "cancel", cancelErr)
		}
	}
	return err
}

// Confirm grants the purchased item and records Approved -> Confirmed in one
// ledger scope. The status write goes first so a concurrent confirmer fails
// its precondition before fulfilling anything.
func (m *Machine) Confirm(ctx context.Context, p *Payment) error {
	ctx = withPayment(ctx, p)
	if p.Status != StatusApproved {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, p.Status)
	}

	var updatedAt time.Time
	err := m.ledger.RunAtomic(ctx, func(ctx context.Context) error {
		at, err := m.store.UpdateStatus(ctx, p.ID, StatusApproved, StatusConfirmed, nil)
		if err != nil {
			return persistenceFailure(err)
		}
		if err := m.fulfillment.Fulfill(ctx, p.ActionType, p.ID, p.ActionData); err != nil {
			return fmt.Errorf("%w: %w", ErrFulfillment, err)
		}
		updatedAt = at
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Error confirming payment", "error", err)
		if errors.Is(err, ErrFulfillment) {
			return err
		}
		return persistenceFailure(err)
	}

	m.applied(ctx, p, StatusApproved, StatusConfirmed, nil, updatedAt)
	return nil
}

// Complete captures the held charge. On failure nothing local changes; the
// payment stays Confirmed until reconciliation succeeds.
func (m *Machine) Complete(ctx context.Context, p *Payment) error {
	ctx = withPayment(ctx, p)
	if p.Status != StatusConfirmed {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, p.Status)
	}

	charge, err := m.gateway.CompleteCharge(ctx, p.GatewayRef())
	if err != nil {
		m.logGatewayFailure(ctx, "complete", err)
		return gatewayFailure(err)
	}
	if charge.Status != gateway.ChargeCompleted {
		m.logger.WarnContext(ctx, "Charge not completed by gateway", "chargeId", charge.ID, "chargeStatus", charge.Status)
		return fmt.Errorf("%w: charge %s is %s after complete", ErrGatewayTransient, charge.ID, charge.Status)
	}

	return m.transition(ctx, p, StatusCompleted, nil)
}

// MarkCompleted records a capture the gateway already performed.
func (m *Machine) MarkCompleted(ctx context.Context, p *Payment) error {
	ctx = withPayment(ctx, p)
	return m.transition(ctx, p, StatusCompleted, nil)
}

// Cancel voids the held charge and ends the payment. A charge the gateway
// refuses to cancel has already been voided or has expired.
func (m *Machine) Cancel(ctx context.Context, p *Payment) error {
	ctx = withPayment(ctx, p)
	if p.Status != StatusApproved {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, p.Status)
	}

	if _, err := m.gateway.CancelCharge(ctx, p.GatewayRef()); err != nil {
		m.logGatewayFailure(ctx, "cancel", err)
		if !gateway.IsDeclined(err) {
			return gatewayFailure(err)
		}
		m.logger.InfoContext(ctx, "Charge already voided or expired", "chargeId", p.GatewayRef())
	}

	return m.transition(ctx, p, StatusError, nil)
}

// Abandon ends a payment whose charge was never held.
func (m *Machine) Abandon(ctx context.Context, p *Payment) error {
	ctx = withPayment(ctx, p)
	if p.Status != StatusPending {
		return fmt.Errorf("%w: abandon from %s", ErrInvalidTransition, p.Status)
	}
	return m.transition(ctx, p, StatusError, nil)
}

func (m *Machine) transition(ctx context.Context, p *Payment, to Status, gatewayRef *string) error {
	from := p.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	at, err := m.store.UpdateStatus(ctx, p.ID, from, to, gatewayRef)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			m.logger.InfoContext(ctx, "Payment moved concurrently, skipping", "from", from, "to", to)
		} else {
			m.logger.ErrorContext(ctx, "Error updating payment status", "from", from, "to", to, "error", err)
		}
		return persistenceFailure(err)
	}

	m.applied(ctx, p, from, to, gatewayRef, at)
	return nil
}

func (m *Machine) applied(ctx context.Context, p *Payment, from, to Status, gatewayRef *string, at time.Time) {
	p.Status = to
	if gatewayRef != nil {
		p.GatewayReferenceID = gatewayRef
	}
	p.UpdatedAt = at

	metrics.GetOrCreateCounter(fmt.Sprintf(`payment_transitions_total{to=%q}`, to)).Inc()
	m.logger.InfoContext(ctx, "Payment transitioned", "from", from, "to", to)
	m.publish(ctx, p, from)
}

func (m *Machine) publish(ctx context.Context, p *Payment, from Status) {
	if err := m.publisher.Publish(ctx, p, from); err != nil {
		m.logger.WarnContext(ctx, "Error publishing payment event", "status", p.Status, "error", err)
	}
}

func (m *Machine) logGatewayFailure(ctx context.Context, op string, err error) {
	kind := gateway.KindOf(err)
	switch kind {
	case gateway.KindUnknown:
		m.logger.ErrorContext(ctx, "Unclassified gateway failure", "op", op, "kind", kind.String(), "error", err)
	default:
		m.logger.WarnContext(ctx, "Gateway call failed", "op", op, "kind", kind.String(), "error", err)
	}
}

func withPayment(ctx context.Context, p *Payment) context.Context {
	return logcontext.AppendCtx(ctx, slog.String("paymentId", p.ID.String()))
}

func initiateCounter(result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`payment_initiate_total{result=%q}`, result))
}
