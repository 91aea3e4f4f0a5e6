// Package rates prices cross-border shipping for a product. Quotes are pure
// functions of the input and the configured table.
package rates

import (
	"fmt"
	"strings"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/shopspring/decimal"
)

// Rate table keys. Category keys take the lower-cased category as suffix.
const (
	KeyOriginPerKg      = "origin_per_kg"
	KeyDestinationPerLb = "destination_per_lb"
	KeyInsurancePercent = "insurance_percent"
	KeyCategoryFixed    = "category_fixed_"
	KeyCategoryPercent  = "category_percent_"
	KeyDefaultCategory  = "default"
)

var (
	gramsPerKg = decimal.NewFromInt(1000)
	gramsPerLb = decimal.RequireFromString("453.59237")
	hundred    = decimal.NewFromInt(100)
)

// Table holds the configured rates. A missing entry reads as zero so that
// partial configuration still prices.
type Table struct {
	Rates       map[string]decimal.Decimal
	CommuneFees map[string]decimal.Decimal
}

func (t Table) rate(key string) decimal.Decimal {
	return t.Rates[strings.ToLower(key)]
}

// categoryRate falls back to the default category when the category has no
// entry of its own.
func (t Table) categoryRate(prefix, category string) decimal.Decimal {
	if r, ok := t.Rates[prefix+strings.ToLower(category)]; ok {
		return r
	}
	return t.Rates[prefix+KeyDefaultCategory]
}

type Input struct {
	WeightGrams    int             `json:"weight_grams"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Commune        string          `json:"commune"`
	Category       string          `json:"category"`
}

type Breakdown struct {
	WeightKg             decimal.Decimal `json:"weight_kg"`
	WeightLb             decimal.Decimal `json:"weight_lb"`
	OriginRatePerKg      decimal.Decimal `json:"origin_rate_per_kg"`
	OriginCost           decimal.Decimal `json:"origin_cost"`
	DestinationRatePerLb decimal.Decimal `json:"destination_rate_per_lb"`
	DestinationCost      decimal.Decimal `json:"destination_cost"`
	CategoryFixedFee     decimal.Decimal `json:"category_fixed_fee"`
	CategoryPercentFee   decimal.Decimal `json:"category_percent_fee"`
	CommuneFee           decimal.Decimal `json:"commune_fee"`
	Insurance            decimal.Decimal `json:"insurance"`
	TotalShippingCost    decimal.Decimal `json:"total_shipping_cost"`
	ReferencePrice       decimal.Decimal `json:"reference_price"`
	FinalPrice           decimal.Decimal `json:"final_price"`
}

// Quote computes the shipping breakdown. Every money amount is rounded to
// cents; the total is the sum of the rounded parts.
func (t Table) Quote(in Input) (Breakdown, error) {
	if in.WeightGrams < 0 {
		return Breakdown{}, apperr.Validation("weight_grams", "may not be negative")
	}
	if in.ReferencePrice.IsNegative() {
		return Breakdown{}, apperr.Validation("reference_price", "may not be negative")
	}

	grams := decimal.NewFromInt(int64(in.WeightGrams))
	b := Breakdown{
		WeightKg:             grams.Div(gramsPerKg),
		WeightLb:             grams.Div(gramsPerLb).Round(4),
		OriginRatePerKg:      t.rate(KeyOriginPerKg),
		DestinationRatePerLb: t.rate(KeyDestinationPerLb),
		ReferencePrice:       in.ReferencePrice,
	}
	b.OriginCost = cents(b.WeightKg.Mul(b.OriginRatePerKg))
	b.DestinationCost = cents(grams.Div(gramsPerLb).Mul(b.DestinationRatePerLb))
	b.CategoryFixedFee = cents(t.categoryRate(KeyCategoryFixed, in.Category))
	b.CategoryPercentFee = percentOf(in.ReferencePrice, t.categoryRate(KeyCategoryPercent, in.Category))
	b.CommuneFee = cents(t.CommuneFees[strings.ToLower(strings.TrimSpace(in.Commune))])
	b.Insurance = percentOf(in.ReferencePrice, t.rate(KeyInsurancePercent))

	b.TotalShippingCost = decimal.Sum(b.OriginCost, b.DestinationCost, b.CategoryFixedFee,
		b.CategoryPercentFee, b.CommuneFee, b.Insurance)
	b.FinalPrice = in.ReferencePrice.Add(b.TotalShippingCost)
	return b, nil
}

func cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return cents(amount.Mul(pct).Div(hundred))
}

// ParseTable builds a table from loosely typed configuration values.
// Entries that are not numbers are reported and skipped, which leaves
// their rate at zero.
func ParseTable(rates, communeFees map[string]any) (Table, []error) {
	var errs []error
	t := Table{
		Rates:       make(map[string]decimal.Decimal, len(rates)),
		CommuneFees: make(map[string]decimal.Decimal, len(communeFees)),
	}
	load := func(dst map[string]decimal.Decimal, src map[string]any, kind string) {
		for k, v := range src {
			d, err := decimal.NewFromString(strings.TrimSpace(fmt.Sprint(v)))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", kind, k, err))
				continue
			}
			dst[strings.ToLower(k)] = d
		}
	}
	load(t.Rates, rates, "rate")
	load(t.CommuneFees, communeFees, "commune fee")
	return t, errs
}
