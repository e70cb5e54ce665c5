package models

import (
	"time"

	"github.com/google/uuid"
)

// AbandonedCheckout records a checkout page visit that never completed. The
// dispatcher marks it purchased when a matching payment later arrives.
type AbandonedCheckout struct {
	ID        uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Email     string     `gorm:"column:email;not null;index"`
	PricingID uuid.UUID  `gorm:"column:pricing_id;type:uuid;not null;index"`
	Purchased bool       `gorm:"column:purchased;not null;default:false"`
	PurchasedAt *time.Time `gorm:"column:purchased_at"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (AbandonedCheckout) TableName() string { return "abandoned_checkouts" }
