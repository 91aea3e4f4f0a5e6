package httpx

import (
	"context"
	"net/http"

	"github.com/ariefcatur/marketplace-fulfillment/internal/delivery"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	Delivery *delivery.Service
	Limiter  *ClientLimiter // optional
}

func (h *DeliveryHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
		r.Post("/delivery/reveal", h.reveal)
		r.Post("/delivery/confirm", h.confirm)
	})
}

func (h *DeliveryHandler) reveal(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.Delivery.Reveal)
}

func (h *DeliveryHandler) confirm(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.Delivery.Confirm)
}

func (h *DeliveryHandler) handle(w http.ResponseWriter, r *http.Request,
	fn func(context.Context, delivery.Request) (delivery.Result, error)) {
	var req delivery.Request
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	res, err := fn(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
