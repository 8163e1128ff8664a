package main

import (
	"encoding/json"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const contentType = "application/json"

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type CreatePaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    Money  `json:"amount_money"`
	ReferenceID    string `json:"reference_id"`
	Autocomplete   bool   `json:"autocomplete"`
}

type APIError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type PaymentResponse struct {
	Payment *Payment   `json:"payment,omitempty"`
	Errors  []APIError `json:"errors,omitempty"`
}

type ListPaymentsResponse struct {
	Payments []Payment `json:"payments"`
	Cursor   string    `json:"cursor,omitempty"`
}

func main() {
	mux := newMux(NewStore(), envFloat("COMPLETE_FAIL_RATE", 0))
	log.Fatal(http.ListenAndServe(":8085", loggingMiddleware(countMiddleware(mux))))
}

func newMux(store *Store, completeFailRate float64) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/payments", createPaymentHandler(store))
	mux.HandleFunc("GET /v2/payments", listPaymentsHandler(store))
	mux.HandleFunc("GET /v2/payments/{id}", getPaymentHandler(store))
	mux.HandleFunc("POST /v2/payments/{id}/cancel", cancelPaymentHandler(store))
	mux.HandleFunc("POST /v2/payments/{id}/complete", randomFail(completeFailRate, completePaymentHandler(store)))
	return mux
}

func createPaymentHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreatePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", err.Error())
			return
		}

		switch {
		case req.SourceID == "" || req.IdempotencyKey == "":
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "MISSING_REQUIRED_PARAMETER", "source_id and idempotency_key are required")
			return
		case strings.HasPrefix(req.SourceID, "decline"):
			writeError(w, http.StatusPaymentRequired, "PAYMENT_METHOD_ERROR", "CARD_DECLINED", "card declined")
			return
		case strings.HasPrefix(req.SourceID, "unavailable"):
			writeError(w, http.StatusServiceUnavailable, "API_ERROR", "SERVICE_UNAVAILABLE", "try again later")
			return
		}

		writePayment(w, store.Create(req))
	}
}

func getPaymentHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "INVALID_REQUEST_ERROR", "NOT_FOUND", "payment not found")
			return
		}
		writePayment(w, p)
	}
}

func cancelPaymentHandler(store *Store) http.HandlerFunc {
	return transitionHandler(store, StatusCanceled)
}

func completePaymentHandler(store *Store) http.HandlerFunc {
	return transitionHandler(store, StatusCompleted)
}

func transitionHandler(store *Store, to string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := store.Transition(r.PathValue("id"), to)
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "INVALID_REQUEST_ERROR", "NOT_FOUND", err.Error())
		case err != nil:
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "BAD_REQUEST", err.Error())
		default:
			writePayment(w, p)
		}
	}
}

func listPaymentsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("cursor"))
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit <= 0 {
			limit = defaultPageSize
		}

		page, next, err := store.List(q.Get("begin_time"), q.Get("end_time"), offset, limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_ERROR", "INVALID_TIME", err.Error())
			return
		}

		resp := ListPaymentsResponse{Payments: page}
		if next > 0 {
			resp.Cursor = strconv.Itoa(next)
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

func randomFail(errorRate float64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rand.Float64() < errorRate {
			writeError(w, http.StatusInternalServerError, "API_ERROR", "INTERNAL_SERVER_ERROR", "Internal Server Error")
			return
		}
		next(w, r)
	}
}

func writePayment(w http.ResponseWriter, p Payment) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(PaymentResponse{Payment: &p})
}

func writeError(w http.ResponseWriter, status int, category, code, detail string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(PaymentResponse{Errors: []APIError{{Category: category, Code: code, Detail: detail}}})
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}
