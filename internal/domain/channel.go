package domain

import (
	"encoding/json"
	"fmt"
)

type Channel string

const (
	ChannelB2C         Channel = "b2c"
	ChannelB2B         Channel = "b2b"
	ChannelMatchedSale Channel = "matched-sale"
)

var Channels = []Channel{ChannelB2C, ChannelB2B, ChannelMatchedSale}

func (c Channel) Valid() bool {
	switch c {
	case ChannelB2C, ChannelB2B, ChannelMatchedSale:
		return true
	}
	return false
}

// ChannelDetails is the closed set of per-channel extensions of an order.
// Only the three types below implement it.
type ChannelDetails interface {
	Channel() Channel
	isChannelDetails()
}

type B2CDetails struct{}

type B2BDetails struct {
	CompanyName  string           `json:"company_name"`
	TaxID        string           `json:"tax_id,omitempty"`
	ItemsByStore []StoreBreakdown `json:"items_by_store,omitempty"`
}

type StoreBreakdown struct {
	StoreID       string `json:"store_id"`
	StoreName     string `json:"store_name,omitempty"`
	Quantity      int    `json:"quantity"`
	SubtotalCents int64  `json:"subtotal_cents"`
}

// MatchedSaleDetails describes a sale brokered by a referring party. The
// splits stay in escrow until delivery is confirmed.
type MatchedSaleDetails struct {
	ReferrerID   string        `json:"referrer_id"`
	ReferrerName string        `json:"referrer_name"`
	SellerName   string        `json:"seller_name,omitempty"`
	Splits       []WalletSplit `json:"splits"`
}

type WalletSplit struct {
	PartyID     string `json:"party_id"`
	Role        string `json:"role"` // seller | referrer | platform
	AmountCents int64  `json:"amount_cents"`
}

func (B2CDetails) Channel() Channel         { return ChannelB2C }
func (B2BDetails) Channel() Channel         { return ChannelB2B }
func (MatchedSaleDetails) Channel() Channel { return ChannelMatchedSale }

func (B2CDetails) isChannelDetails()         {}
func (B2BDetails) isChannelDetails()         {}
func (MatchedSaleDetails) isChannelDetails() {}

func EncodeDetails(d ChannelDetails) (json.RawMessage, error) {
	if d == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(d)
}

func DecodeDetails(ch Channel, raw []byte) (ChannelDetails, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	switch ch {
	case ChannelB2C:
		return B2CDetails{}, nil
	case ChannelB2B:
		var d B2BDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode b2b details: %w", err)
		}
		return d, nil
	case ChannelMatchedSale:
		var d MatchedSaleDetails
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode matched-sale details: %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown channel %q", ch)
}
