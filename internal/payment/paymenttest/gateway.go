package paymenttest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"paywall-service/internal/gateway"
)

type Gateway struct {
	mock.Mock
}

func (g *Gateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	args := g.Called(ctx, req)
	return charge(args, 0), args.Error(1)
}

func (g *Gateway) CancelCharge(ctx context.Context, chargeID string) (*gateway.Charge, error) {
	args := g.Called(ctx, chargeID)
	return charge(args, 0), args.Error(1)
}

func (g *Gateway) CompleteCharge(ctx context.Context, chargeID string) (*gateway.Charge, error) {
	args := g.Called(ctx, chargeID)
	return charge(args, 0), args.Error(1)
}

func (g *Gateway) GetCharge(ctx context.Context, chargeID string) (*gateway.Charge, error) {
	args := g.Called(ctx, chargeID)
	return charge(args, 0), args.Error(1)
}

func (g *Gateway) ListChargesInRange(ctx context.Context, begin, end time.Time) ([]gateway.Charge, error) {
	args := g.Called(ctx, begin, end)
	charges, _ := args.Get(0).([]gateway.Charge)
	return charges, args.Error(1)
}

func charge(args mock.Arguments, i int) *gateway.Charge {
	c, _ := args.Get(i).(*gateway.Charge)
	return c
}

func Charge(id, referenceID string, status gateway.ChargeStatus) *gateway.Charge {
	return &gateway.Charge{ID: id, ReferenceID: referenceID, Status: status, Amount: 1000, Currency: "USD"}
}

var (
	Declined  = &gateway.Error{Kind: gateway.KindDeclined, StatusCode: 400, Code: "CARD_DECLINED"}
	Transient = &gateway.Error{Kind: gateway.KindTransient, StatusCode: 503}
)
