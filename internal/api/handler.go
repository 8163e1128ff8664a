package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"paywall-service/internal/db"
	"paywall-service/internal/fulfillment"
	"paywall-service/internal/payment"
)

type Machine interface {
	Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
}

type ArticleLister interface {
	List(ctx context.Context) ([]*db.ArticleEntity, error)
}

const internalError = "internal error"

type PublishRequest struct {
	Nonce       string              `json:"nonce"`
	ArticleData fulfillment.Article `json:"articleData"`
}

type PaymentResponse struct {
	PaymentID uuid.UUID      `json:"paymentId"`
	Status    payment.Status `json:"status"`
}

type ErrorResponse struct {
	Error     string     `json:"error"`
	PaymentID *uuid.UUID `json:"paymentId,omitempty"`
}

type Handler struct {
	machine  Machine
	articles ArticleLister
	price    int64
	logger   *slog.Logger
}

func NewHandler(machine Machine, articles ArticleLister, price int64, logger *slog.Logger) *Handler {
	return &Handler{machine: machine, articles: articles, price: price, logger: logger}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /articles", h.listArticles)
	mux.HandleFunc("POST /articles/publish", h.publishArticle)
	mux.HandleFunc("GET /payments/{id}", h.getPayment)
	return mux
}

func (h *Handler) listArticles(w http.ResponseWriter, r *http.Request) {
	articles, err := h.articles.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Error listing articles", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: internalError})
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (h *Handler) publishArticle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
		return
	}

	data, err := json.Marshal(req.ArticleData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed article data"})
		return
	}

	p, err := h.machine.Initiate(ctx, payment.InitiateRequest{
		DedupeKey:    req.ArticleData.DedupeKey(),
		Amount:       h.price,
		ActionType:   payment.ActionContentCreation,
		ActionData:   data,
		PaymentToken: req.Nonce,
	})
	if err != nil {
		status := statusFor(err)
		resp := ErrorResponse{Error: h.errorMessage(r, status, err)}
		if p != nil {
			resp.PaymentID = &p.ID
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, PaymentResponse{PaymentID: p.ID, Status: p.Status})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid payment id"})
		return
	}

	p, err := h.machine.Get(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		writeJSON(w, status, ErrorResponse{Error: h.errorMessage(r, status, err)})
		return
	}

	writeJSON(w, http.StatusOK, PaymentResponse{PaymentID: p.ID, Status: p.Status})
}

// errorMessage hides persistence and unclassified failures from clients.
func (h *Handler) errorMessage(r *http.Request, status int, err error) string {
	if status != http.StatusInternalServerError {
		return err.Error()
	}
	h.logger.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	return internalError
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, payment.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, payment.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrGatewayDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrDuplicateInFlight):
		return http.StatusConflict
	case errors.Is(err, payment.ErrGatewayTransient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
