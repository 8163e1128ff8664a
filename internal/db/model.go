package db

import (
	"time"

	"github.com/google/uuid"

	"paywall-service/internal/payment"
)

type PaymentEntity struct {
	ID                 uuid.UUID
	Status             string
	ActionType         string
	ActionData         []byte
	DedupeKey          string
	Amount             int64
	Currency           string
	GatewayReferenceID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ReconciledAt       *time.Time
}

func newPaymentEntity(p *payment.Payment) *PaymentEntity {
	return &PaymentEntity{
		ID:                 p.ID,
		Status:             string(p.Status),
		ActionType:         string(p.ActionType),
		ActionData:         p.ActionData,
		DedupeKey:          p.DedupeKey,
		Amount:             p.Amount,
		Currency:           p.Currency,
		GatewayReferenceID: p.GatewayReferenceID,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
		ReconciledAt:       p.ReconciledAt,
	}
}

func (e *PaymentEntity) toPayment() *payment.Payment {
	return &payment.Payment{
		ID:                 e.ID,
		Status:             payment.Status(e.Status),
		ActionType:         payment.ActionType(e.ActionType),
		ActionData:         e.ActionData,
		DedupeKey:          e.DedupeKey,
		Amount:             e.Amount,
		Currency:           e.Currency,
		GatewayReferenceID: e.GatewayReferenceID,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
		ReconciledAt:       e.ReconciledAt,
	}
}

type ArticleEntity struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"paymentId"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
