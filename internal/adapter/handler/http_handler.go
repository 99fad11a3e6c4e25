package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dnguyenv/storefront/internal/core/domain"
	"github.com/dnguyenv/storefront/internal/core/service"
)

// Identity comes from the gateway in front of this service; auth itself is
// out of scope here.
const (
	userIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

type HTTPHandler struct {
	checkout *service.Checkout
	payments *service.Payments
	reviews  *service.Reviews
	carts    *service.Carts
}

func NewHTTPHandler(checkout *service.Checkout, payments *service.Payments, reviews *service.Reviews, carts *service.Carts) *HTTPHandler {
	return &HTTPHandler{
		checkout: checkout,
		payments: payments,
		reviews:  reviews,
		carts:    carts,
	}
}

// Routes mounts every endpoint on a chi router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/checkout", h.Checkout)

		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/cancel", h.CancelOrder)
			r.Post("/payment", h.StartPayment)
			r.Post("/refund", h.RecordRefund)
			r.Post("/ship", h.MarkShipped)
			r.Post("/deliver", h.MarkDelivered)
		})

		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Put("/items", h.PutCartItem)
			r.Delete("/items/{productID}", h.DeleteCartItem)
		})

		r.Route("/products/{productID}/reviews", func(r chi.Router) {
			r.Put("/", h.PutReview)
			r.Delete("/", h.DeleteReview)
		})
	})

	return r
}

type checkoutRequest struct {
	ShippingAddressID string `json:"shipping_address_id"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"payment_status"`
	PaymentIntentID string              `json:"payment_intent_id,omitempty"`
	Total           string              `json:"total"`
	Items           []orderItemResponse `json:"items"`
}

type orderItemResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

func toOrderResponse(o *domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price.StringFixed(2),
		})
	}
	return orderResponse{
		ID:              o.ID,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		PaymentIntentID: o.PaymentIntentID,
		Total:           o.Total.StringFixed(2),
		Items:           items,
	}
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userIDHeader)
	idemKey := r.Header.Get(idempotencyKeyHeader)

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.checkout.PlaceOrder(r.Context(), userID, req.ShippingAddressID, idemKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.GetOrder(r.Context(), r.Header.Get(userIDHeader), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.CancelOrder(r.Context(), r.Header.Get(userIDHeader), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type startPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (h *HTTPHandler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req startPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.payments.StartPayment(r.Context(), r.Header.Get(userIDHeader), chi.URLParam(r, "orderID"), req.PaymentIntentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) RecordRefund(w http.ResponseWriter, r *http.Request) {
	order, err := h.payments.RecordRefund(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) MarkShipped(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.MarkShipped(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.MarkDelivered(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type paymentWebhookRequest struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	Outcome         string          `json:"outcome"`
	Amount          decimal.Decimal `json:"amount"`
}

func (h *HTTPHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.payments.ApplyPaymentEvent(r.Context(), service.PaymentEvent{
		PaymentIntentID: req.PaymentIntentID,
		Outcome:         service.Outcome(req.Outcome),
		Amount:          req.Amount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type cartItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type cartResponse struct {
	Items []cartItemRequest `json:"items"`
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.carts.Get(r.Context(), r.Header.Get(userIDHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := cartResponse{Items: make([]cartItemRequest, 0, len(cart.Items))}
	for _, it := range cart.Items {
		resp.Items = append(resp.Items, cartItemRequest{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) PutCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.carts.AddItem(r.Context(), r.Header.Get(userIDHeader), req.ProductID, req.Quantity); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) DeleteCartItem(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.RemoveItem(r.Context(), r.Header.Get(userIDHeader), chi.URLParam(r, "productID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *HTTPHandler) PutReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	review, err := h.reviews.AddOrUpdateReview(r.Context(),
		chi.URLParam(r, "productID"), r.Header.Get(userIDHeader), req.Rating, req.Comment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": review.ProductID,
		"rating":     review.Rating,
	})
}

func (h *HTTPHandler) DeleteReview(w http.ResponseWriter, r *http.Request) {
	err := h.reviews.DeleteReview(r.Context(), chi.URLParam(r, "productID"), r.Header.Get(userIDHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		stock      *domain.InsufficientStockError
		transition *domain.InvalidTransitionError
		mismatch   *domain.PaymentAmountMismatchError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg)
	case errors.As(err, &stock):
		writeJSON(w, http.StatusGone, map[string]any{
			"error":       "insufficient stock",
			"product_ids": stock.ProductIDs,
		})
	case errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "invalid state transition",
			"status":         string(transition.Status),
			"payment_status": string(transition.PaymentStatus),
		})
	case errors.As(err, &mismatch):
		writeError(w, http.StatusUnprocessableEntity, mismatch.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate request")
	case errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "conflict, retry the request")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
