package tracking

import "github.com/ariefcatur/marketplace-fulfillment/internal/domain"

// Label is the data a label printer needs for one box. Rendering happens
// elsewhere.
type Label struct {
	TrackingID   string              `json:"tracking_id"`
	ManifestPIN  string              `json:"manifest_pin"`
	BoxPIN       string              `json:"box_pin"`
	PickupQR     string              `json:"pickup_qr,omitempty"`
	Department   string              `json:"department"`
	Commune      string              `json:"commune"`
	PickupPoint  string              `json:"pickup_point,omitempty"`
	DeliveryMode domain.DeliveryMode `json:"delivery_mode"`
	Units        int                 `json:"units"`
}

func LabelFor(l domain.OrderLink) Label {
	return Label{
		TrackingID:   l.HybridTrackingID,
		ManifestPIN:  l.ManifestPIN,
		BoxPIN:       l.BoxPIN,
		PickupQR:     l.PickupQRCode,
		Department:   l.DepartmentCode,
		Commune:      l.CommuneCode,
		PickupPoint:  l.PickupPointCode,
		DeliveryMode: l.DeliveryMode,
		Units:        l.UnitCount,
	}
}

// Stamp fills the tracking id and label secrets of a link that has none.
// It reports false when the link was already stamped.
func Stamp(l *domain.OrderLink, originTracking string) (bool, error) {
	if l.HybridTrackingID != "" {
		return false, nil
	}
	id, err := Format(PartsFor(*l, originTracking))
	if err != nil {
		return false, err
	}
	manifest, box, err := NewPINPair()
	if err != nil {
		return false, err
	}
	l.HybridTrackingID = id
	l.ManifestPIN = manifest
	l.BoxPIN = box
	if l.PickupQRCode == "" {
		l.PickupQRCode = NewPickupQR()
	}
	return true, nil
}
