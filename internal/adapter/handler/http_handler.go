package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/pos-ledger/internal/core/domain"
	"github.com/rl1809/pos-ledger/internal/core/service"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

type HTTPHandler struct {
	transactions *service.TransactionService
	inventory    *service.InventoryService
	log          *zap.Logger
	tracer       trace.Tracer
}

type LineItemJSON struct {
	ProductID string           `json:"product_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Subtotal  *decimal.Decimal `json:"subtotal,omitempty"`
}

type TransactionHTTPRequest struct {
	Items         []LineItemJSON `json:"items"`
	PaymentMethod string         `json:"payment_method"`
}

type TransactionHTTPResponse struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Items         []LineItemJSON  `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type VoidHTTPResponse struct {
	Transaction TransactionHTTPResponse `json:"transaction"`
	Warnings    []ReversalWarningJSON   `json:"warnings"`
}

type ReversalWarningJSON struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type ProductHTTPRequest struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type ProductHTTPResponse struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Version   int             `json:"version"`
}

type AdjustmentHTTPRequest struct {
	Delta int `json:"delta"`
}

type AdjustmentHTTPResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPHandler(transactions *service.TransactionService, inventory *service.InventoryService, log *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		transactions: transactions,
		inventory:    inventory,
		log:          log,
		tracer:       otel.Tracer("pos-http"),
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		h.mount(r)
		r.Route("/api/v1/pos", h.mount)
	})

	return r
}

func (h *HTTPHandler) mount(r chi.Router) {
	r.Post("/transactions", h.CreateTransaction)
	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Put("/transactions/{id}", h.UpdateTransaction)
	r.Delete("/transactions/{id}", h.VoidTransaction)

	r.Post("/products", h.CreateProduct)
	r.Get("/products/{id}", h.GetProduct)
	r.Post("/products/{id}/adjustments", h.AdjustStock)
}

func (h *HTTPHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := principalFromHeaders(r.Header)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorHTTPResponse{
				Error:   string(domain.KindUnauthorized),
				Message: err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

func (h *HTTPHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateTransaction")
	defer span.End()

	req, err := decodeTransactionRequest(r.Body)
	if err != nil {
		h.fail(w, span, domain.InvalidArgument("invalid request body: %v", err))
		return
	}

	tx, err := h.transactions.CreateTransaction(ctx, principalFrom(ctx), service.CreateTransactionRequest{
		Items:          toLineItems(req.Items),
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}

	span.SetAttributes(attribute.String("transaction.id", tx.ID))
	writeJSON(w, http.StatusCreated, toTransactionResponse(*tx))
}

func (h *HTTPHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetTransaction")
	defer span.End()

	tx, err := h.transactions.GetTransaction(ctx, principalFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(*tx))
}

func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ListTransactions")
	defer span.End()

	txs, err := h.transactions.ListTransactions(ctx, principalFrom(ctx))
	if err != nil {
		h.fail(w, span, err)
		return
	}

	out := make([]TransactionHTTPResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateTransaction")
	defer span.End()

	req, err := decodeTransactionRequest(r.Body)
	if err != nil {
		h.fail(w, span, domain.InvalidArgument("invalid request body: %v", err))
		return
	}

	tx, err := h.transactions.UpdateTransaction(ctx, principalFrom(ctx), chi.URLParam(r, "id"), service.UpdateTransactionRequest{
		Items:         toLineItems(req.Items),
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(*tx))
}

// VoidTransaction answers 204 on a clean void and 200 with the warnings
// when some lines could not be restocked.
func (h *HTTPHandler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "VoidTransaction")
	defer span.End()

	result, err := h.transactions.VoidTransaction(ctx, principalFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, span, err)
		return
	}

	if !result.Partial() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	span.SetAttributes(attribute.Int("void.warnings", len(result.Warnings)))
	warnings := make([]ReversalWarningJSON, 0, len(result.Warnings))
	for _, wr := range result.Warnings {
		warnings = append(warnings, ReversalWarningJSON{ProductID: wr.ProductID, Quantity: wr.Quantity, Reason: wr.Reason})
	}
	writeJSON(w, http.StatusOK, VoidHTTPResponse{
		Transaction: toTransactionResponse(result.Transaction),
		Warnings:    warnings,
	})
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateProduct")
	defer span.End()

	var req ProductHTTPRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, span, domain.InvalidArgument("invalid request body: %v", err))
		return
	}

	p, err := h.inventory.CreateProduct(ctx, principalFrom(ctx), domain.Product{
		ID:        req.ID,
		SKU:       req.SKU,
		Name:      req.Name,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
	})
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(*p))
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetProduct")
	defer span.End()

	p, err := h.inventory.GetProduct(ctx, principalFrom(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(*p))
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdjustStock")
	defer span.End()

	var req AdjustmentHTTPRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.fail(w, span, domain.InvalidArgument("invalid request body: %v", err))
		return
	}

	id := chi.URLParam(r, "id")
	quantity, err := h.inventory.AdjustStock(ctx, principalFrom(ctx), id, req.Delta)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentHTTPResponse{ProductID: id, Quantity: quantity})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) fail(w http.ResponseWriter, span trace.Span, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	message := err.Error()

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal error")
		kind = "INTERNAL"
		message = "internal error"
	}

	writeJSON(w, status, ErrorHTTPResponse{Error: string(kind), Message: message})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientStock, domain.KindInvalidOperation, domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeTransactionRequest accepts either {"items": [...]} or a bare
// array of line items.
func decodeTransactionRequest(body io.Reader) (TransactionHTTPRequest, error) {
	var req TransactionHTTPRequest

	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return req, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return req, errors.New("empty body")
	}

	if raw[0] == '[' {
		err = json.Unmarshal(raw, &req.Items)
	} else {
		err = json.Unmarshal(raw, &req)
	}
	return req, err
}

func toLineItems(in []LineItemJSON) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(in))
	for _, item := range in {
		out = append(out, domain.LineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return out
}

func toTransactionResponse(tx domain.Transaction) TransactionHTTPResponse {
	items := make([]LineItemJSON, 0, len(tx.Items))
	for _, item := range tx.Items {
		unitPrice, subtotal := item.UnitPrice, item.Subtotal
		items = append(items, LineItemJSON{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: &unitPrice,
			Subtotal:  &subtotal,
		})
	}
	return TransactionHTTPResponse{
		ID:            tx.ID,
		UserID:        tx.UserID,
		Status:        string(tx.Status),
		PaymentMethod: tx.PaymentMethod,
		Items:         items,
		Subtotal:      tx.Subtotal,
		Tax:           tx.Tax,
		Total:         tx.Total,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
}

func toProductResponse(p domain.Product) ProductHTTPResponse {
	return ProductHTTPResponse{
		ID:        p.ID,
		SKU:       p.SKU,
		Name:      p.Name,
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice,
		Version:   p.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
