package tracking

import (
	"regexp"
	"testing"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatIsDeterministic(t *testing.T) {
	p := Parts{Department: "ou", Commune: "pv01", PickupPoint: "pk7", Units: 3, OriginTracking: "cntrack123"}
	a, err := Format(p)
	require.NoError(t, err)
	b, err := Format(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "OU-PV01-PK7-03-CNTRACK123", a)
}

func TestFormatHomeDeliveryPlaceholder(t *testing.T) {
	id, err := Format(Parts{Department: "NE", Commune: "CH", Units: 12, OriginTracking: "YT-88"})
	require.NoError(t, err)
	assert.Equal(t, "NE-CH-XX-12-YT-88", id)
}

func TestParseRoundTrip(t *testing.T) {
	for _, id := range []string{"OU-PV01-PK7-03-CNTRACK123", "NE-CH-XX-12-YT-88"} {
		p, err := Parse(id)
		require.NoError(t, err, id)
		again, err := Format(p)
		require.NoError(t, err)
		assert.Equal(t, id, again)
	}

	p, err := Parse("NE-CH-XX-12-YT-88")
	require.NoError(t, err)
	assert.Empty(t, p.PickupPoint)
	assert.Equal(t, "YT-88", p.OriginTracking)
	assert.Equal(t, 12, p.Units)
}

func TestFormatRejectsBadInput(t *testing.T) {
	cases := map[string]Parts{
		"empty department": {Commune: "C", Units: 1, OriginTracking: "T"},
		"dash in commune":  {Department: "D", Commune: "C-1", Units: 1, OriginTracking: "T"},
		"zero units":       {Department: "D", Commune: "C", OriginTracking: "T"},
		"no origin":        {Department: "D", Commune: "C", Units: 1},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Format(p)
			assert.Error(t, err)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", "A-B-C", "A-B-C-x1-T", "A-B-C-1-T"} {
		_, err := Parse(id)
		assert.Error(t, err, id)
	}
}

func TestSecretsShape(t *testing.T) {
	pin := regexp.MustCompile(`^\d{4}$`)
	code := regexp.MustCompile(`^[A-HJ-NP-Z2-9]{6}$`)
	for i := 0; i < 50; i++ {
		m, b, err := NewPINPair()
		require.NoError(t, err)
		assert.Regexp(t, pin, m)
		assert.Regexp(t, pin, b)
		assert.NotEqual(t, m, b)

		c, err := NewCustomerCode()
		require.NoError(t, err)
		assert.Regexp(t, code, c)
	}
}

func TestStampOnlyOnce(t *testing.T) {
	l := domain.OrderLink{DepartmentCode: "OU", CommuneCode: "PV", UnitCount: 2, DeliveryMode: domain.DeliveryHome}
	ok, err := Stamp(&l, "CN1")
	require.NoError(t, err)
	assert.True(t, ok)
	first := l

	ok, err = Stamp(&l, "CN2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, first, l)
	assert.Equal(t, "OU-PV-XX-02-CN1", l.HybridTrackingID)
	assert.NotContains(t, l.HybridTrackingID, l.BoxPIN)
}

func TestDigesterKeyed(t *testing.T) {
	a, err := NewDigester([]byte("k1"))
	require.NoError(t, err)
	b, err := NewDigester([]byte("k2"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest("abc234"), a.Digest(" ABC234 "))
	assert.NotEqual(t, a.Digest("ABC234"), b.Digest("ABC234"))
	assert.Len(t, a.Digest("ABC234"), 64)

	_, err = NewDigester(make([]byte, 65))
	assert.Error(t, err)
}
