package models

import (
	"time"

	"github.com/google/uuid"
)

// Coupon tracks remaining uses for a discount code. RemainingUses of -1 means
// unlimited; the guard decrements exactly once per order creation.
type Coupon struct {
	ID            uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Code          string     `gorm:"column:code;not null;unique"`
	PricingID     *uuid.UUID `gorm:"column:pricing_id;type:uuid;index"`
	RemainingUses int        `gorm:"column:remaining_uses;not null;default:-1"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Coupon) TableName() string { return "coupons" }
