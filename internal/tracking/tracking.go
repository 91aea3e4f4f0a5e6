// Package tracking formats hybrid tracking ids and issues the secrets
// printed on labels or handed to customers.
package tracking

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// PickupPlaceholder stands in for the pickup point of home deliveries.
const PickupPlaceholder = "XX"

const (
	pinDigits      = 4
	customerCodeLn = 6
	// no 0/O or 1/I so codes survive being read over the phone
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Parts are the inputs of a hybrid tracking id.
type Parts struct {
	Department     string `json:"department"`
	Commune        string `json:"commune"`
	PickupPoint    string `json:"pickup_point,omitempty"`
	Units          int    `json:"units"`
	OriginTracking string `json:"origin_tracking"`
}

// Format renders DEPT-COMMUNE-PICKUP-UU-ORIGIN in upper case. It is a pure
// function of its inputs.
func Format(p Parts) (string, error) {
	dept := strings.ToUpper(strings.TrimSpace(p.Department))
	commune := strings.ToUpper(strings.TrimSpace(p.Commune))
	pickup := strings.ToUpper(strings.TrimSpace(p.PickupPoint))
	origin := strings.ToUpper(strings.TrimSpace(p.OriginTracking))
	if pickup == "" {
		pickup = PickupPlaceholder
	}

	for _, f := range [...]struct{ name, v string }{{"department", dept}, {"commune", commune}, {"pickup_point", pickup}} {
		if f.v == "" {
			return "", fmt.Errorf("tracking id: %s is empty", f.name)
		}
		if strings.Contains(f.v, "-") {
			return "", fmt.Errorf("tracking id: %s %q contains '-'", f.name, f.v)
		}
	}
	if origin == "" {
		return "", fmt.Errorf("tracking id: origin tracking number is empty")
	}
	if p.Units < 1 {
		return "", fmt.Errorf("tracking id: unit count %d", p.Units)
	}
	return fmt.Sprintf("%s-%s-%s-%02d-%s", dept, commune, pickup, p.Units, origin), nil
}

// Parse is the inverse of Format. The origin tracking number may itself
// contain dashes; the first four segments may not.
func Parse(id string) (Parts, error) {
	seg := strings.SplitN(strings.TrimSpace(id), "-", 5)
	if len(seg) != 5 {
		return Parts{}, fmt.Errorf("tracking id %q: want 5 segments, got %d", id, len(seg))
	}
	units, err := strconv.Atoi(seg[3])
	if err != nil || units < 1 || len(seg[3]) < 2 {
		return Parts{}, fmt.Errorf("tracking id %q: bad unit count %q", id, seg[3])
	}
	p := Parts{
		Department:     seg[0],
		Commune:        seg[1],
		PickupPoint:    seg[2],
		Units:          units,
		OriginTracking: seg[4],
	}
	if p.PickupPoint == PickupPlaceholder {
		p.PickupPoint = ""
	}
	if p.Department == "" || p.Commune == "" || p.OriginTracking == "" {
		return Parts{}, fmt.Errorf("tracking id %q: empty segment", id)
	}
	return p, nil
}

// PartsFor builds the tracking inputs of a link.
func PartsFor(l domain.OrderLink, originTracking string) Parts {
	p := Parts{
		Department:     l.DepartmentCode,
		Commune:        l.CommuneCode,
		Units:          l.UnitCount,
		OriginTracking: originTracking,
	}
	if l.DeliveryMode == domain.DeliveryPickupPoint {
		p.PickupPoint = l.PickupPointCode
	}
	return p
}

// NewPIN returns a uniformly random 4-digit PIN.
func NewPIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10_000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%0*d", pinDigits, n.Int64()), nil
}

// NewPINPair returns a manifest PIN and a different box PIN.
func NewPINPair() (manifest, box string, err error) {
	if manifest, err = NewPIN(); err != nil {
		return "", "", err
	}
	for {
		if box, err = NewPIN(); err != nil {
			return "", "", err
		}
		if box != manifest {
			return manifest, box, nil
		}
	}
}

// NewCustomerCode returns the 6-character code handed to the buyer once.
func NewCustomerCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < customerCodeLn; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate customer code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewPickupQR returns the opaque token encoded in the pickup QR code.
func NewPickupQR() string {
	return "PQR-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Digester computes keyed digests of customer codes so links can be looked
// up by code without storing the code itself.
type Digester struct{ key []byte }

func NewDigester(key []byte) (*Digester, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("delivery code key longer than %d bytes", blake2b.Size)
	}
	return &Digester{key: key}, nil
}

func (d *Digester) Digest(code string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// key length is checked in NewDigester
		panic(err)
	}
	h.Write([]byte(NormalizeCode(code)))
	return hex.EncodeToString(h.Sum(nil))
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
