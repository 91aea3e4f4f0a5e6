package httpx

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/ariefcatur/marketplace-fulfillment/internal/consolidation"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// MPOHandler drives the consolidation engine. Stage changes run on the
// request context without the short timeout since a fan-out may touch
// many links.
type MPOHandler struct {
	Engine *consolidation.Engine
}

type originReq struct {
	TrackingNumber string `json:"tracking_number"`
}

type stageReq struct {
	Status domain.MPOStatus `json:"status"`
}

func (h *MPOHandler) Register(r chi.Router) {
	r.Post("/mpos", h.create)
	r.Get("/mpos/current", h.current)
	r.Route("/mpos/{id}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/open", h.open)
		r.Post("/link", h.link)
		r.Post("/origin-tracking", h.originTracking)
		r.Post("/stage", h.stage)
		r.Post("/close", h.close)
		r.Get("/manifest", h.manifest)
		r.Get("/labels", h.labels)
		r.Post("/wallet-splits", h.walletSplits)
	})
	r.Get("/wallets/{party}", h.wallet)
}

func (h *MPOHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	m, err := h.Engine.CreateMPO(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *MPOHandler) current(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r)
	defer cancel()

	m, err := h.Engine.CurrentOpenMPO(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MPOHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	m, err := h.Engine.GetMPO(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MPOHandler) open(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	m, err := h.Engine.OpenMPO(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MPOHandler) link(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(id uuid.UUID) (consolidation.Result, error) {
		return h.Engine.LinkPendingOrders(r.Context(), id)
	})
}

func (h *MPOHandler) originTracking(w http.ResponseWriter, r *http.Request) {
	var req originReq
	if !decode(w, r, &req) {
		return
	}
	h.run(w, r, func(id uuid.UUID) (consolidation.Result, error) {
		return h.Engine.EnterOriginTracking(r.Context(), id, req.TrackingNumber)
	})
}

func (h *MPOHandler) stage(w http.ResponseWriter, r *http.Request) {
	var req stageReq
	if !decode(w, r, &req) {
		return
	}
	h.run(w, r, func(id uuid.UUID) (consolidation.Result, error) {
		return h.Engine.AdvanceStage(r.Context(), id, req.Status)
	})
}

func (h *MPOHandler) run(w http.ResponseWriter, r *http.Request, fn func(id uuid.UUID) (consolidation.Result, error)) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	res, err := fn(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MPOHandler) close(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	m, err := h.Engine.CloseMPO(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MPOHandler) manifest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	if r.URL.Query().Get("format") != "xlsx" {
		m, err := h.Engine.GeneratePickingManifest(ctx, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}

	// render fully before writing so a failure can still answer with JSON
	var buf bytes.Buffer
	if err := h.Engine.ExportPickingManifest(ctx, id, &buf); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="picking-%s.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *MPOHandler) labels(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	ls, err := h.Engine.Labels(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (h *MPOHandler) walletSplits(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Engine.ProcessDeliveryWalletSplits(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MPOHandler) wallet(w http.ResponseWriter, r *http.Request) {
	party := chi.URLParam(r, "party")
	ctx, cancel := withTimeout(r)
	defer cancel()

	bal, err := h.Engine.WalletBalance(ctx, party)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"party_id": party, "balance_cents": bal})
}
