package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer is identified by payment email and upserted on every sight.
// Contact fields already known are never nulled out by payloads that omit
// them; the ledger writer merges instead of replacing.
type Customer struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	PaymentEmail string    `gorm:"column:payment_email;not null;unique"`
	FirstName    string    `gorm:"column:first_name"`
	LastName     string    `gorm:"column:last_name"`
	AddressLine1 string    `gorm:"column:address_line1"`
	AddressLine2 string    `gorm:"column:address_line2"`
	City         string    `gorm:"column:city"`
	State        string    `gorm:"column:state"`
	PostalCode   string    `gorm:"column:postal_code"`
	Country      string    `gorm:"column:country"`

	StripeCustomerID string `gorm:"column:stripe_customer_id;index"`
	PayPalPayerID    string `gorm:"column:paypal_payer_id;index"`

	// TrackID is the cross-system marketing identifier used by the abuse
	// blacklist and autoresponder syncs.
	TrackID string `gorm:"column:track_id;index"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Customer) TableName() string { return "customers" }
