package payment

import (
	"fmt"

	"github.com/pkg/errors"

	"paywall-service/internal/gateway"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateInFlight = errors.New("payment for this item is already being processed")
	ErrNotFound          = errors.New("payment not found")
	ErrGatewayDeclined   = errors.New("gateway declined the charge")
	ErrGatewayTransient  = errors.New("gateway temporarily unavailable")
	ErrFulfillment       = errors.New("fulfillment failed")
	ErrPersistence       = errors.New("persistence failed")
	// ErrStaleTransition means the payment was no longer in the expected
	// status when the write was applied; someone else moved it first.
	ErrStaleTransition   = errors.New("payment status changed concurrently")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// gatewayFailure tags a gateway error with its place in the taxonomy.
// Unknown errors are retried like transient ones.
func gatewayFailure(err error) error {
	if gateway.IsDeclined(err) {
		return fmt.Errorf("%w: %w", ErrGatewayDeclined, err)
	}
	return fmt.Errorf("%w: %w", ErrGatewayTransient, err)
}

func persistenceFailure(err error) error {
	for _, known := range []error{ErrPersistence, ErrStaleTransition, ErrDuplicateInFlight, ErrNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
