package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/demand"
	"github.com/ariefcatur/marketplace-fulfillment/internal/rates"
	"github.com/ariefcatur/marketplace-fulfillment/internal/stock"
	"github.com/go-chi/chi/v5"
)

// StockHandler serves the ledger, the demand summary and shipping quotes.
type StockHandler struct {
	Ledger *stock.Ledger
	Demand *demand.Aggregator
	Rates  rates.Table
}

type receiveReq struct {
	Qty int `json:"qty"`
}

type transitReq struct {
	Qty             int       `json:"qty"`
	ExpectedArrival time.Time `json:"expected_arrival"`
	CarrierRef      string    `json:"carrier_ref"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/stock/{sku}", h.balance)
	r.Post("/stock/{sku}/receive", h.receive)
	r.Post("/stock/{sku}/transit", h.addTransit)
	r.Post("/stock/transit/{id}/arrive", h.arrive)
	r.Get("/demand", h.demand)
	r.Post("/rates/quote", h.quote)
}

func (h *StockHandler) balance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	b, err := h.Ledger.AvailableBalance(ctx, chi.URLParam(r, "sku"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *StockHandler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiveReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	b, err := h.Ledger.ReceiveStock(ctx, chi.URLParam(r, "sku"), req.Qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *StockHandler) addTransit(w http.ResponseWriter, r *http.Request) {
	var req transitReq
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	batch, err := h.Ledger.AddInTransit(ctx, chi.URLParam(r, "sku"), req.Qty, req.ExpectedArrival, req.CarrierRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *StockHandler) arrive(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	b, err := h.Ledger.ArriveTransit(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *StockHandler) demand(w http.ResponseWriter, r *http.Request) {
	shortfallOnly, _ := strconv.ParseBool(r.URL.Query().Get("shortfall_only"))
	ctx, cancel := withTimeout(r)
	defer cancel()

	sum, err := h.Demand.ComputeDemandSummary(ctx, shortfallOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *StockHandler) quote(w http.ResponseWriter, r *http.Request) {
	var in rates.Input
	if !decode(w, r, &in) {
		return
	}
	b, err := h.Rates.Quote(in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
