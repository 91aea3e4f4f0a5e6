package orders

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
)

type LineInput struct {
	SKU            string `json:"sku"`
	VariantID      string `json:"variant_id,omitempty"`
	StoreID        string `json:"store_id,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type PlaceOrderInput struct {
	ExternalID   string                     `json:"external_id,omitempty"`
	Channel      domain.Channel             `json:"channel"`
	BuyerID      string                     `json:"buyer_id"`
	SellerID     string                     `json:"seller_id,omitempty"`
	Lines        []LineInput                `json:"lines"`
	Shipping     *domain.ShippingAddress    `json:"shipping_address"`
	DeliveryMode domain.DeliveryMode        `json:"delivery_mode,omitempty"`
	B2B          *domain.B2BDetails         `json:"b2b,omitempty"`
	MatchedSale  *domain.MatchedSaleDetails `json:"matched_sale,omitempty"`
	Extension    json.RawMessage            `json:"extension,omitempty"`
}

type CancelInput struct {
	ExpectedStatus domain.PaymentStatus `json:"expected_status"`
	Reason         domain.ReleaseReason `json:"reason"`
	Actor          string               `json:"actor,omitempty"`
	Note           string               `json:"note,omitempty"`
}

// build validates the input and assembles the order with its lines and
// typed channel details. Stock, status and timestamps are set by the caller.
func (in PlaceOrderInput) build() (*domain.Order, error) {
	if !in.Channel.Valid() {
		return nil, apperr.Validation("channel", "unknown channel %q", in.Channel)
	}
	if strings.TrimSpace(in.BuyerID) == "" {
		return nil, apperr.Validation("buyer_id", "required")
	}
	if len(in.Lines) == 0 {
		return nil, apperr.Validation("lines", "at least one line is required")
	}
	if in.Shipping == nil || in.Shipping.DepartmentCode == "" || in.Shipping.CommuneCode == "" {
		return nil, apperr.Validation("shipping_address", "department_code and commune_code are required")
	}
	mode := in.DeliveryMode
	if mode == "" {
		mode = domain.DeliveryHome
	}
	switch mode {
	case domain.DeliveryHome:
	case domain.DeliveryPickupPoint:
		if in.Shipping.PickupPointCode == "" {
			return nil, apperr.Validation("shipping_address.pickup_point_code", "required for pickup point delivery")
		}
	default:
		return nil, apperr.Validation("delivery_mode", "unknown delivery mode %q", mode)
	}
	for _, code := range []string{in.Shipping.DepartmentCode, in.Shipping.CommuneCode, in.Shipping.PickupPointCode} {
		if strings.Contains(code, "-") {
			return nil, apperr.Validation("shipping_address", "codes may not contain '-'")
		}
	}

	o := &domain.Order{
		ID:                uuid.New(),
		ExternalID:        strings.TrimSpace(in.ExternalID),
		Channel:           in.Channel,
		BuyerID:           strings.TrimSpace(in.BuyerID),
		SellerID:          strings.TrimSpace(in.SellerID),
		FulfillmentStatus: domain.FulfillmentUnbatched,
		Metadata: domain.Metadata{
			ShippingAddress: in.Shipping,
			DeliveryMode:    mode,
			Extension:       in.Extension,
		},
	}
	for i, l := range in.Lines {
		if strings.TrimSpace(l.SKU) == "" {
			return nil, apperr.Validation("lines", "line %d: sku is required", i)
		}
		if l.Quantity <= 0 {
			return nil, apperr.Validation("lines", "line %d: quantity must be positive", i)
		}
		if l.UnitPriceCents < 0 {
			return nil, apperr.Validation("lines", "line %d: unit price may not be negative", i)
		}
		// quantities are int columns; money must fit int64 cents
		if l.Quantity > math.MaxInt32-o.TotalQuantity {
			return nil, apperr.Validation("lines", "line %d: quantity too large", i)
		}
		if l.UnitPriceCents > 0 && int64(l.Quantity) > math.MaxInt64/l.UnitPriceCents {
			return nil, apperr.Validation("lines", "line %d: subtotal too large", i)
		}
		sub := int64(l.Quantity) * l.UnitPriceCents
		if sub > math.MaxInt64-o.TotalCents {
			return nil, apperr.Validation("lines", "order total too large")
		}
		line := domain.OrderLine{
			ID:             uuid.New(),
			OrderID:        o.ID,
			SKU:            strings.TrimSpace(l.SKU),
			VariantID:      l.VariantID,
			StoreID:        l.StoreID,
			Quantity:       l.Quantity,
			UnitPriceCents: l.UnitPriceCents,
			SubtotalCents:  sub,
		}
		o.Lines = append(o.Lines, line)
		o.TotalQuantity += line.Quantity
		o.TotalCents += line.SubtotalCents
	}

	details, err := in.details(o)
	if err != nil {
		return nil, err
	}
	o.Details = details
	return o, nil
}

func (in PlaceOrderInput) details(o *domain.Order) (domain.ChannelDetails, error) {
	switch in.Channel {
	case domain.ChannelB2B:
		if in.B2B == nil || strings.TrimSpace(in.B2B.CompanyName) == "" {
			return nil, apperr.Validation("b2b.company_name", "required for b2b orders")
		}
		d := *in.B2B
		if len(d.ItemsByStore) == 0 {
			d.ItemsByStore = breakdownByStore(o.Lines)
		}
		return d, nil
	case domain.ChannelMatchedSale:
		if in.MatchedSale == nil || in.MatchedSale.ReferrerID == "" {
			return nil, apperr.Validation("matched_sale.referrer_id", "required for matched-sale orders")
		}
		d := *in.MatchedSale
		var escrow int64
		for i, s := range d.Splits {
			if s.PartyID == "" || s.AmountCents <= 0 {
				return nil, apperr.Validation("matched_sale.splits", "split %d needs a party and a positive amount", i)
			}
			if s.AmountCents > o.TotalCents-escrow {
				return nil, apperr.Validation("matched_sale.splits", "splits exceed the order total")
			}
			escrow += s.AmountCents
		}
		return d, nil
	default:
		return domain.B2CDetails{}, nil
	}
}

func breakdownByStore(lines []domain.OrderLine) []domain.StoreBreakdown {
	var out []domain.StoreBreakdown
	idx := make(map[string]int)
	for _, l := range lines {
		i, ok := idx[l.StoreID]
		if !ok {
			i = len(out)
			idx[l.StoreID] = i
			out = append(out, domain.StoreBreakdown{StoreID: l.StoreID})
		}
		out[i].Quantity += l.Quantity
		out[i].SubtotalCents += l.SubtotalCents
	}
	return out
}
