package rates

import (
	"testing"

	"github.com/ariefcatur/marketplace-fulfillment/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %s, got %s", msg, want, got)
}

func testTable(t *testing.T) Table {
	t.Helper()
	tbl, errs := ParseTable(map[string]any{
		"origin_per_kg":                12.5,
		"destination_per_lb":           "3",
		"insurance_percent":            2,
		"category_fixed_electronics":   5,
		"category_percent_electronics": "10",
		"category_fixed_default":       1,
	}, map[string]any{"PV": 4})
	require.Empty(t, errs)
	return tbl
}

func TestQuoteBreakdown(t *testing.T) {
	b, err := testTable(t).Quote(Input{WeightGrams: 2000, ReferencePrice: dec("100"), Commune: "pv", Category: "Electronics"})
	require.NoError(t, err)

	assertDec(t, "2", b.WeightKg, "kg")
	assertDec(t, "4.4092", b.WeightLb, "lb")
	assertDec(t, "25", b.OriginCost, "origin")
	assertDec(t, "13.23", b.DestinationCost, "destination")
	assertDec(t, "5", b.CategoryFixedFee, "fixed")
	assertDec(t, "10", b.CategoryPercentFee, "percent")
	assertDec(t, "4", b.CommuneFee, "commune")
	assertDec(t, "2", b.Insurance, "insurance")
	assertDec(t, "59.23", b.TotalShippingCost, "total")
	assertDec(t, "159.23", b.FinalPrice, "final")
}

func TestQuoteIsDeterministic(t *testing.T) {
	tbl := testTable(t)
	in := Input{WeightGrams: 1234, ReferencePrice: dec("49.99"), Commune: "PV", Category: "toys"}
	a, err := tbl.Quote(in)
	require.NoError(t, err)
	b, err := tbl.Quote(in)
	require.NoError(t, err)
	assert.True(t, a.FinalPrice.Equal(b.FinalPrice))
	// toys has no entry of its own
	assertDec(t, "1", a.CategoryFixedFee, "default fixed")
	assertDec(t, "0", a.CategoryPercentFee, "default percent")
}

func TestMissingRatesPriceAsZero(t *testing.T) {
	b, err := Table{}.Quote(Input{WeightGrams: 500, ReferencePrice: dec("20"), Commune: "nowhere"})
	require.NoError(t, err)
	assert.True(t, b.TotalShippingCost.IsZero())
	assertDec(t, "20", b.FinalPrice, "final")
}

func TestQuoteValidation(t *testing.T) {
	_, err := Table{}.Quote(Input{WeightGrams: -1})
	assert.Equal(t, "weight_grams", apperr.FieldOf(err))
	_, err = Table{}.Quote(Input{ReferencePrice: dec("-1")})
	assert.Equal(t, "reference_price", apperr.FieldOf(err))
}

func TestParseTableSkipsBadEntries(t *testing.T) {
	tbl, errs := ParseTable(map[string]any{"origin_per_kg": "abc", "Destination_Per_Lb": 2}, nil)
	require.Len(t, errs, 1)
	_, ok := tbl.Rates["origin_per_kg"]
	assert.False(t, ok)
	assertDec(t, "2", tbl.rate(KeyDestinationPerLb), "lower-cased key")
}
