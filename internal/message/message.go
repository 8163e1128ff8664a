package message

import (
	"time"

	"github.com/google/uuid"
)

const EventPrefix = "payment."

// PaymentEvent is published once per committed status change, keyed by
// payment id so a payment's events stay ordered within a partition.
type PaymentEvent struct {
	ID      uuid.UUID `json:"id"`
	Event   string    `json:"event"`
	Payload Payment   `json:"payload"`
}

type Payment struct {
	ID                 uuid.UUID `json:"id"`
	Status             string    `json:"status"`
	PreviousStatus     string    `json:"previousStatus,omitempty"`
	ActionType         string    `json:"actionType"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	GatewayReferenceID *string   `json:"gatewayReferenceId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func EventName(status string) string {
	return EventPrefix + status
}
