package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// InFlight lists the non-terminal statuses. At most one payment per dedupe
// key may be in one of them.
var InFlight = []Status{StatusPending, StatusApproved, StatusConfirmed}

var edges = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusError},
	StatusApproved:  {StatusConfirmed, StatusError},
	StatusConfirmed: {StatusCompleted},
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusConfirmed, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransitionTo reports whether to is a direct successor of s.
// Confirmed has no edge to Error: a fulfilled purchase can only complete.
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range edges[s] {
		if next == to {
			return true
		}
	}
	return false
}

type ActionType string

const ActionContentCreation ActionType = "ContentCreation"

type Payment struct {
	ID         uuid.UUID
	Status     Status
	ActionType ActionType
	// ActionData is handed verbatim to the fulfillment capability.
	ActionData json.RawMessage
	DedupeKey  string
	Amount     int64
	Currency   string
	// GatewayReferenceID is the gateway's charge id, set by Approve.
	GatewayReferenceID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// ReconciledAt is the last reconciliation attempt that left the payment
	// in flight. It never changes UpdatedAt.
	ReconciledAt *time.Time
}

func (p *Payment) GatewayRef() string {
	if p.GatewayReferenceID == nil {
		return ""
	}
	return *p.GatewayReferenceID
}

// DedupeKey derives the identity of a logical purchase from the action type
// and the payload fields that identify the purchased item.
func DedupeKey(actionType ActionType, identity ...string) string {
	h := sha256.New()
	h.Write([]byte(actionType))
	for _, part := range identity {
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(part)))
	}
	return string(actionType) + ":" + hex.EncodeToString(h.Sum(nil))
}
