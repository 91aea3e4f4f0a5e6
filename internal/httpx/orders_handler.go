package httpx

import (
	"net/http"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type OrdersHandler struct {
	Orders *orders.Service
}

type checkoutReq struct {
	Method domain.PaymentMethod `json:"method"`
}

type referenceReq struct {
	Reference string `json:"reference"`
}

type failReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/checkout", h.checkout)
	r.Post("/orders/{id}/payment-reference", h.paymentReference)
	r.Post("/orders/{id}/confirm-payment", h.confirmPayment)
	r.Post("/orders/{id}/fail-payment", h.failPayment)
	r.Post("/orders/{id}/cancel", h.cancel)
	r.Post("/orders/{id}/retry-payment", h.retryPayment)
	r.Get("/buyers/{id}/cart-lock", h.cartLock)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderInput
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	placed, err := h.Orders.PlaceOrder(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// a replayed external id returns the first order without its code
	code := http.StatusCreated
	if placed.Existing {
		code = http.StatusOK
	}
	writeJSON(w, code, placed)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus answers from the Redis status cache when it can.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	v, err := h.Orders.Status(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if !decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.StartCheckout(r.Context(), id, req.Method)
	})
}

func (h *OrdersHandler) paymentReference(w http.ResponseWriter, r *http.Request) {
	var req referenceReq
	if !decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.SubmitPaymentReference(r.Context(), id, req.Reference)
	})
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.ConfirmPayment(r.Context(), id)
	})
}

func (h *OrdersHandler) failPayment(w http.ResponseWriter, r *http.Request) {
	var req failReq
	if !decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.FailPayment(r.Context(), id, req.Reason)
	})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req orders.CancelInput
	if !decode(w, r, &req) {
		return
	}
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.Cancel(r.Context(), id, req)
	})
}

func (h *OrdersHandler) retryPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error) {
		return s.RetryPayment(r.Context(), id)
	})
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request,
	fn func(s *orders.Service, r *http.Request, id uuid.UUID) (*domain.Order, error)) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	o, err := fn(h.Orders, r.WithContext(ctx), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cartLock(w http.ResponseWriter, r *http.Request) {
	buyer := chi.URLParam(r, "id")
	ctx, cancel := withTimeout(r)
	defer cancel()

	locked, err := h.Orders.IsCartLocked(ctx, buyer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buyer_id": buyer, "locked": locked})
}
