package gateway

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paywall-service/internal/config"
)

const baseURL = "http://gateway.example.com"

func newTestClient(timeoutMs int) *Client {
	return NewClient(config.Gateway{
		BaseURL:     baseURL,
		AccessToken: "tok",
		APIVersion:  "2024-10-17",
		TimeoutMs:   timeoutMs,
	}, slog.Default())
}

func paymentJSON(id, status, ref string) map[string]any {
	return map[string]any{
		"payment": map[string]any{
			"id":           id,
			"status":       status,
			"reference_id": ref,
			"amount_money": map[string]any{"amount": 1000, "currency": "USD"},
			"created_at":   "2024-05-01T10:00:00Z",
		},
	}
}

func TestClient_CreateCharge(t *testing.T) {
	defer gock.Off()

	gock.New(baseURL).
		Post("/v2/payments").
		MatchHeader("Authorization", "Bearer tok").
		MatchHeader("Square-Version", "2024-10-17").
		JSON(map[string]any{
			"source_id":       "cnon:card",
			"idempotency_key": "key-1",
			"amount_money":    map[string]any{"amount": 1000, "currency": "USD"},
			"reference_id":    "ref-1",
			"autocomplete":    false,
		}).
		Reply(200).
		JSON(paymentJSON("charge-1", "APPROVED", "ref-1"))

	charge, err := newTestClient(1000).CreateCharge(context.Background(), ChargeRequest{
		SourceToken:    "cnon:card",
		Amount:         1000,
		Currency:       "USD",
		IdempotencyKey: "key-1",
		ReferenceID:    "ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "charge-1", charge.ID)
	assert.Equal(t, ChargeApproved, charge.Status)
	assert.Equal(t, "ref-1", charge.ReferenceID)
	assert.Equal(t, int64(1000), charge.Amount)
	assert.True(t, gock.IsDone())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		mockResponse func()
		expectedKind ErrorKind
		expectedCode string
	}{
		{
			name: "Declined",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(400).
					JSON(map[string]any{"errors": []map[string]string{{"category": "PAYMENT_METHOD_ERROR", "code": "CARD_DECLINED", "detail": "declined"}}})
			},
			expectedKind: KindDeclined,
			expectedCode: "CARD_DECLINED",
		},
		{
			name: "ServerError",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(503)
			},
			expectedKind: KindTransient,
		},
		{
			name: "RateLimited",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(429)
			},
			expectedKind: KindTransient,
		},
		{
			name: "Unauthorized",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(401)
			},
			expectedKind: KindUnknown,
		},
		{
			name: "UndecodableBody",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(200).
					BodyString("not json")
			},
			expectedKind: KindUnknown,
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/payments").
					Reply(200).
					Delay(500 * time.Millisecond).
					JSON(paymentJSON("charge-1", "APPROVED", "ref-1"))
			},
			expectedKind: KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			_, err := newTestClient(100).CreateCharge(context.Background(), ChargeRequest{
				SourceToken:    "cnon:card",
				Amount:         1000,
				Currency:       "USD",
				IdempotencyKey: "key-1",
				ReferenceID:    "ref-1",
			})
			require.Error(t, err)
			assert.Equal(t, tt.expectedKind, KindOf(err))
			if tt.expectedCode != "" {
				var gwErr *Error
				require.ErrorAs(t, err, &gwErr)
				assert.Equal(t, tt.expectedCode, gwErr.Code)
			}
		})
	}
}

func TestClient_CancelAndComplete(t *testing.T) {
	defer gock.Off()

	gock.New(baseURL).
		Post("/v2/payments/charge-1/cancel").
		Reply(200).
		JSON(paymentJSON("charge-1", "CANCELED", "ref-1"))
	gock.New(baseURL).
		Post("/v2/payments/charge-2/complete").
		Reply(200).
		JSON(paymentJSON("charge-2", "COMPLETED", "ref-2"))

	client := newTestClient(1000)

	canceled, err := client.CancelCharge(context.Background(), "charge-1")
	require.NoError(t, err)
	assert.Equal(t, ChargeCanceled, canceled.Status)

	completed, err := client.CompleteCharge(context.Background(), "charge-2")
	require.NoError(t, err)
	assert.Equal(t, ChargeCompleted, completed.Status)

	assert.True(t, gock.IsDone())
}

func TestClient_GetCharge_UnknownStatus(t *testing.T) {
	defer gock.Off()

	gock.New(baseURL).
		Get("/v2/payments/charge-1").
		Reply(200).
		JSON(paymentJSON("charge-1", "SOMETHING_NEW", "ref-1"))

	charge, err := newTestClient(1000).GetCharge(context.Background(), "charge-1")
	require.NoError(t, err)
	assert.Equal(t, ChargeUnknown, charge.Status)
}

func TestClient_ListChargesInRange_FollowsCursor(t *testing.T) {
	defer gock.Off()

	begin := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	end := begin.Add(time.Hour)

	gock.New(baseURL).
		Get("/v2/payments").
		MatchParam("begin_time", "2024-05-01T10:00:00Z").
		MatchParam("end_time", "2024-05-01T11:00:00Z").
		Reply(200).
		JSON(map[string]any{
			"payments": []map[string]any{
				{"id": "charge-1", "status": "APPROVED", "reference_id": "ref-1"},
			},
			"cursor": "next-page",
		})
	gock.New(baseURL).
		Get("/v2/payments").
		MatchParam("cursor", "next-page").
		Reply(200).
		JSON(map[string]any{
			"payments": []map[string]any{
				{"id": "charge-2", "status": "COMPLETED", "reference_id": "ref-2"},
			},
		})

	charges, err := newTestClient(1000).ListChargesInRange(context.Background(), begin, end)
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, "ref-1", charges[0].ReferenceID)
	assert.Equal(t, ChargeCompleted, charges[1].Status)
	assert.True(t, gock.IsDone())
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindDeclined, kindForStatus(402))
	assert.Equal(t, KindDeclined, kindForStatus(404))
	assert.Equal(t, KindTransient, kindForStatus(500))
	assert.Equal(t, KindUnknown, kindForStatus(403))
	assert.Equal(t, KindUnknown, kindForStatus(302))
}
