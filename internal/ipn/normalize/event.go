package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// Kind tags the canonical event variants. Each kind carries exactly the
// fields the downstream classifier needs; provider field-shape differences
// stop at this boundary.
type Kind string

const (
	// KindPayment is a successful charge: first purchase or rebill, the
	// guard decides which.
	KindPayment Kind = "payment"
	// KindActivation is a subscription created/activated ahead of (or
	// after) its first payment.
	KindActivation Kind = "activation"
	// KindPlanChange is a billing plan switch, later classified as
	// upgrade or downgrade by price comparison.
	KindPlanChange Kind = "plan_change"
	KindRefund     Kind = "refund"
	// KindPartialRefund refunds part of a charge; the order moves to
	// partial_refund instead of refunded.
	KindPartialRefund Kind = "partial_refund"
	KindChargeback    Kind = "chargeback"
	KindCancellation  Kind = "cancellation"
)

// CustomerInfo is the contact data a provider payload exposes. Empty fields
// mean unknown.
type CustomerInfo struct {
	Email        string
	FirstName    string
	LastName     string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string

	StripeCustomerID string
	PayPalPayerID    string
}

// Event is the canonical record every provider payload normalizes into.
// Amounts are decimal major currency units regardless of how the provider
// transmitted them.
type Event struct {
	Kind      Kind
	Processor enums.Processor

	Amount   decimal.Decimal
	Currency string

	// ChargeID is the provider transaction id used for dedup.
	ChargeID string
	// SubscriptionID is the lifecycle correlation key. Falls back to
	// ChargeID for one-time purchases.
	SubscriptionID string
	// DisputedChargeID is the original charge a chargeback targets.
	// Disputes carry their own id in ChargeID so the chargeback row
	// never collides with the purchase row it contests.
	DisputedChargeID string
	// PlanID is the provider billing plan id, set on plan-change events.
	PlanID string

	Customer   CustomerInfo
	OccurredAt time.Time
	// RawHash is the sha-256 of the raw payload, the secondary dedup
	// signal.
	RawHash string
	Sandbox bool

	// Side-channel metadata extracted by the upstream webhook layer.
	ProductID  uuid.UUID
	PricingID  uuid.UUID
	TrackID    string
	CouponCode string
}

// Meta is the processor-supplied side-channel metadata that rides alongside
// the raw payload: checkout custom fields, sandbox flags, catalog references.
type Meta struct {
	ProductID  uuid.UUID `json:"product_id"`
	PricingID  uuid.UUID `json:"pricing_id"`
	TrackID    string    `json:"track_id,omitempty"`
	CouponCode string    `json:"coupon_code,omitempty"`
	Sandbox    bool      `json:"sandbox,omitempty"`
}

// SplitName breaks a single free-text payer name on the first whitespace
// boundary. Absent names default to ("Unknown", "").
func SplitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "Unknown", ""
	}
	first, last, found := strings.Cut(full, " ")
	if !found {
		return first, ""
	}
	return first, strings.TrimSpace(last)
}

// PayloadHash returns the hex sha-256 of the raw payload.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
