package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"

	"paywall-service/internal/config"
)

const (
	defaultTimeout = 10 * time.Second
	paymentsPath   = "/v2/payments"
)

// Client talks to a Square-style Payments API. It keeps no state between
// calls; create is made idempotent by the caller's key, cancel and complete
// are idempotent per charge id.
type Client struct {
	client     *http.Client
	baseURL    string
	token      string
	apiVersion string
	logger     *slog.Logger
}

func NewClient(cfg config.Gateway, logger *slog.Logger) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AccessToken,
		apiVersion: cfg.APIVersion,
		logger:     logger,
	}
}

func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	body := createPaymentRequest{
		SourceID:       req.SourceToken,
		IdempotencyKey: req.IdempotencyKey,
		AmountMoney:    money{Amount: req.Amount, Currency: req.Currency},
		ReferenceID:    req.ReferenceID,
		Autocomplete:   false,
	}
	return c.paymentCall(ctx, "create", http.MethodPost, paymentsPath, body)
}

func (c *Client) CancelCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return c.paymentCall(ctx, "cancel", http.MethodPost, paymentsPath+"/"+url.PathEscape(chargeID)+"/cancel", struct{}{})
}

func (c *Client) CompleteCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return c.paymentCall(ctx, "complete", http.MethodPost, paymentsPath+"/"+url.PathEscape(chargeID)+"/complete", struct{}{})
}

func (c *Client) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	return c.paymentCall(ctx, "get", http.MethodGet, paymentsPath+"/"+url.PathEscape(chargeID), nil)
}

// ListChargesInRange returns every charge created in [begin, end], following
// the pagination cursor until it is exhausted.
func (c *Client) ListChargesInRange(ctx context.Context, begin, end time.Time) ([]Charge, error) {
	var charges []Charge
	cursor := ""
	for {
		query := url.Values{}
		query.Set("begin_time", begin.UTC().Format(time.RFC3339))
		query.Set("end_time", end.UTC().Format(time.RFC3339))
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp listPaymentsResponse
		if err := c.do(ctx, "list", http.MethodGet, paymentsPath+"?"+query.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Payments {
			charges = append(charges, p.toCharge())
		}
		if resp.Cursor == "" {
			return charges, nil
		}
		cursor = resp.Cursor
	}
}

func (c *Client) paymentCall(ctx context.Context, op, method, path string, body any) (*Charge, error) {
	var resp paymentResponse
	if err := c.do(ctx, op, method, path, body, &resp); err != nil {
		return nil, err
	}
	if resp.Payment == nil {
		return nil, &Error{Kind: KindUnknown, Detail: "response carries no payment"}
	}
	charge := resp.Payment.toCharge()
	return &charge, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = KindOf(err).String()
		}
		metrics.GetOrCreateCounter(fmt.Sprintf(`gateway_requests_total{op=%q,result=%q}`, op, result)).Inc()
		metrics.GetOrCreateHistogram(fmt.Sprintf(`gateway_request_duration_milliseconds{op=%q}`, op)).Update(float64(time.Since(start).Milliseconds()))
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal gateway request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindUnknown, Err: errors.Wrap(err, "build gateway request")}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("Square-Version", c.apiVersion)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.DebugContext(ctx, "Sending gateway request", "op", op, "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "read gateway response")}
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Errors []apiError `json:"errors"`
		}
		_ = json.Unmarshal(respBody, &envelope)
		return responseError(resp.StatusCode, envelope.Errors)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: KindUnknown, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode gateway response")}
	}
	return nil
}
