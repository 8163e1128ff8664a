package gateway

import (
	"time"
)

type ChargeStatus string

const (
	ChargeApproved  ChargeStatus = "APPROVED"
	ChargePending   ChargeStatus = "PENDING"
	ChargeCompleted ChargeStatus = "COMPLETED"
	ChargeCanceled  ChargeStatus = "CANCELED"
	ChargeFailed    ChargeStatus = "FAILED"
	ChargeUnknown   ChargeStatus = "UNKNOWN"
)

func parseChargeStatus(s string) ChargeStatus {
	switch ChargeStatus(s) {
	case ChargeApproved, ChargePending, ChargeCompleted, ChargeCanceled, ChargeFailed:
		return ChargeStatus(s)
	}
	return ChargeUnknown
}

// Closed reports whether the charge can no longer be captured.
func (s ChargeStatus) Closed() bool {
	return s == ChargeCanceled || s == ChargeFailed
}

type ChargeRequest struct {
	SourceToken    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	// ReferenceID is the local payment id.
	ReferenceID string
}

type Charge struct {
	ID          string
	ReferenceID string
	Status      ChargeStatus
	Amount      int64
	Currency    string
	CreatedAt   time.Time
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type createPaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    money  `json:"amount_money"`
	ReferenceID    string `json:"reference_id"`
	Autocomplete   bool   `json:"autocomplete"`
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type apiPayment struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	ReferenceID string    `json:"reference_id"`
	AmountMoney money     `json:"amount_money"`
	CreatedAt   time.Time `json:"created_at"`
}

func (p apiPayment) toCharge() Charge {
	return Charge{
		ID:          p.ID,
		ReferenceID: p.ReferenceID,
		Status:      parseChargeStatus(p.Status),
		Amount:      p.AmountMoney.Amount,
		Currency:    p.AmountMoney.Currency,
		CreatedAt:   p.CreatedAt,
	}
}

type paymentResponse struct {
	Payment *apiPayment `json:"payment"`
	Errors  []apiError  `json:"errors"`
}

type listPaymentsResponse struct {
	Payments []apiPayment `json:"payments"`
	Cursor   string       `json:"cursor"`
	Errors   []apiError   `json:"errors"`
}
