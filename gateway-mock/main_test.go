package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/config"
	"paywall-service/internal/gateway"
)

func newClient(t *testing.T, completeFailRate float64) *gateway.Client {
	srv := httptest.NewServer(newMux(NewStore(), completeFailRate))
	t.Cleanup(srv.Close)

	return gateway.NewClient(config.Gateway{
		BaseURL:     srv.URL,
		AccessToken: "token",
		APIVersion:  "2024-10-17",
		TimeoutMs:   2000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func chargeRequest(token string) gateway.ChargeRequest {
	return gateway.ChargeRequest{
		SourceToken:    token,
		Amount:         1000,
		Currency:       "USD",
		IdempotencyKey: uuid.NewString(),
		ReferenceID:    uuid.NewString(),
	}
}

func TestCreateCompleteLifecycle(t *testing.T) {
	client := newClient(t, 0)
	ctx := context.Background()

	req := chargeRequest("cnon:card-ok")
	charge, err := client.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, gateway.ChargeApproved, charge.Status)
	assert.Equal(t, req.ReferenceID, charge.ReferenceID)

	replayed, err := client.CreateCharge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, charge.ID, replayed.ID)

	completed, err := client.CompleteCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.ChargeCompleted, completed.Status)

	_, err = client.CancelCharge(ctx, charge.ID)
	assert.True(t, gateway.IsDeclined(err))

	fetched, err := client.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.ChargeCompleted, fetched.Status)
}

func TestCreateClassification(t *testing.T) {
	client := newClient(t, 0)

	_, err := client.CreateCharge(context.Background(), chargeRequest("decline-insufficient-funds"))
	assert.Equal(t, gateway.KindDeclined, gateway.KindOf(err))

	_, err = client.CreateCharge(context.Background(), chargeRequest("unavailable"))
	assert.Equal(t, gateway.KindTransient, gateway.KindOf(err))
}

func TestCompleteFailure(t *testing.T) {
	client := newClient(t, 1)

	charge, err := client.CreateCharge(context.Background(), chargeRequest("cnon:card-ok"))
	require.NoError(t, err)

	_, err = client.CompleteCharge(context.Background(), charge.ID)
	assert.Equal(t, gateway.KindTransient, gateway.KindOf(err))
}

func TestListChargesInRange(t *testing.T) {
	client := newClient(t, 0)
	ctx := context.Background()
	begin := time.Now().Add(-time.Minute)

	refs := map[string]bool{}
	for i := 0; i < 3; i++ {
		req := chargeRequest("cnon:card-ok")
		_, err := client.CreateCharge(ctx, req)
		require.NoError(t, err)
		refs[req.ReferenceID] = true
	}

	charges, err := client.ListChargesInRange(ctx, begin, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, charges, 3)
	for _, c := range charges {
		assert.True(t, refs[c.ReferenceID])
	}
}

func TestStoreListPaginates(t *testing.T) {
	store := NewStore()
	for i := 0; i < 5; i++ {
		store.Create(CreatePaymentRequest{SourceID: "cnon:ok", IdempotencyKey: uuid.NewString()})
	}

	page, next, err := store.List("", "", 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, 2, next)

	page, next, err = store.List("", "", 4, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Zero(t, next)
}
