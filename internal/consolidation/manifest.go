package consolidation

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/ariefcatur/marketplace-fulfillment/internal/store"
	"github.com/ariefcatur/marketplace-fulfillment/internal/tracking"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Manifest is the warehouse picking list of one MPO, one entry per
// customer box. It carries no delivery secrets.
type Manifest struct {
	MPOID          uuid.UUID        `json:"mpo_id"`
	Number         string           `json:"number"`
	Status         domain.MPOStatus `json:"status"`
	OriginTracking string           `json:"origin_tracking,omitempty"`
	GeneratedAt    time.Time        `json:"generated_at"`
	Entries        []ManifestEntry  `json:"entries"`
}

type ManifestEntry struct {
	LinkID       uuid.UUID           `json:"link_id"`
	OrderID      uuid.UUID           `json:"order_id"`
	Channel      domain.Channel      `json:"channel"`
	CustomerName string              `json:"customer_name"`
	Phone        string              `json:"phone"`
	Destination  string              `json:"destination"`
	DeliveryMode domain.DeliveryMode `json:"delivery_mode"`
	TrackingID   string              `json:"tracking_id,omitempty"`
	ReferrerName string              `json:"referrer_name,omitempty"`
	Units        int                 `json:"units"`
	Items        []ManifestItem      `json:"items"`
}

type ManifestItem struct {
	SKU       string `json:"sku"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

// GeneratePickingManifest groups the picking items of the MPO by link. It
// only reads.
func (e *Engine) GeneratePickingManifest(ctx context.Context, id uuid.UUID) (*Manifest, error) {
	var (
		m     *domain.MasterPurchaseOrder
		links []domain.OrderLink
		items []domain.PickingItem
	)
	err := e.Store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if m, err = tx.GetMPO(ctx, id); err != nil {
			return mpoNotFound(err, id)
		}
		if links, err = tx.ListLinks(ctx, id); err != nil {
			return err
		}
		items, err = tx.PickingItems(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	byLink := make(map[uuid.UUID][]ManifestItem, len(links))
	for _, p := range items {
		byLink[p.LinkID] = append(byLink[p.LinkID], ManifestItem{SKU: p.SKU, VariantID: p.VariantID, Quantity: p.Quantity})
	}
	out := &Manifest{
		MPOID:          m.ID,
		Number:         m.BusinessNumber(),
		Status:         m.Status,
		OriginTracking: m.OriginTrackingNumber,
		GeneratedAt:    e.now(),
		Entries:        make([]ManifestEntry, 0, len(links)),
	}
	for _, l := range links {
		its := byLink[l.ID]
		slices.SortFunc(its, func(a, b ManifestItem) int {
			return strings.Compare(a.SKU+"\x00"+a.VariantID, b.SKU+"\x00"+b.VariantID)
		})
		out.Entries = append(out.Entries, ManifestEntry{
			LinkID:       l.ID,
			OrderID:      l.OrderID,
			Channel:      l.Channel,
			CustomerName: l.CustomerName,
			Phone:        l.CustomerPhone,
			Destination:  destination(l),
			DeliveryMode: l.DeliveryMode,
			TrackingID:   l.HybridTrackingID,
			ReferrerName: l.ReferrerName,
			Units:        l.UnitCount,
			Items:        its,
		})
	}
	return out, nil
}

func destination(l domain.OrderLink) string {
	parts := []string{l.DepartmentCode, l.CommuneCode}
	if l.PickupPointCode != "" {
		parts = append(parts, l.PickupPointCode)
	}
	return strings.Join(parts, "/")
}

var manifestHeader = []any{"Customer", "Phone", "Channel", "Referrer", "Destination", "Mode", "Tracking ID", "SKU", "Variant", "Qty"}

const manifestSheet = "Picking"

// ExportPickingManifest writes the manifest as an xlsx workbook, one row
// per picked item.
func (e *Engine) ExportPickingManifest(ctx context.Context, id uuid.UUID, w io.Writer) error {
	man, err := e.GeneratePickingManifest(ctx, id)
	if err != nil {
		return err
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", manifestSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(manifestSheet, "A1", &manifestHeader); err != nil {
		return err
	}
	row := 2
	for _, en := range man.Entries {
		for _, it := range en.Items {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return err
			}
			vals := []any{en.CustomerName, en.Phone, string(en.Channel), en.ReferrerName, en.Destination,
				string(en.DeliveryMode), en.TrackingID, it.SKU, it.VariantID, it.Quantity}
			if err := f.SetSheetRow(manifestSheet, cell, &vals); err != nil {
				return err
			}
			row++
		}
	}
	if err := f.SetColWidth(manifestSheet, "A", "G", 22); err != nil {
		return err
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write manifest %s: %w", man.Number, err)
	}
	return nil
}

// Labels returns the print payload of every stamped link.
func (e *Engine) Labels(ctx context.Context, id uuid.UUID) ([]tracking.Label, error) {
	links, err := e.Links(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]tracking.Label, 0, len(links))
	for _, l := range links {
		if l.HybridTrackingID == "" {
			continue
		}
		out = append(out, tracking.LabelFor(l))
	}
	return out, nil
}
