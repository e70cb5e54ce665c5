package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// ProductPricing is a purchasable price point of a product. Read-only for the
// reconciliation core except for the stock counter and the setup-failed flag.
type ProductPricing struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ProductID uuid.UUID `gorm:"column:product_id;type:uuid;not null;index"`
	Name      string    `gorm:"column:name;not null"`

	Currency       string          `gorm:"column:currency;not null;default:'usd'"`
	Price          decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	RecurringPrice decimal.Decimal `gorm:"column:recurring_price;type:numeric(12,2)"`
	HasTrial       bool            `gorm:"column:has_trial;not null;default:false"`
	TrialPrice     decimal.Decimal `gorm:"column:trial_price;type:numeric(12,2)"`
	TrialDays      int             `gorm:"column:trial_days;not null;default:0"`

	// Stock of -1 means unlimited.
	Stock       int  `gorm:"column:stock;not null;default:-1"`
	MembersOnly bool `gorm:"column:members_only;not null;default:false"`

	CouponID *uuid.UUID `gorm:"column:coupon_id;type:uuid"`

	DeliveryMethod enums.DeliveryMethod `gorm:"column:delivery_method;type:delivery_method;not null;default:'email'"`
	DeliveryConfig string               `gorm:"column:delivery_config"`

	// CrossSellIDs lists sibling pricings bundled into the same checkout.
	CrossSellIDs []uuid.UUID `gorm:"column:cross_sell_ids;type:jsonb;serializer:json"`

	// SetupFailed is set when downstream provider plan creation failed and
	// the owner was notified; cleared manually after the owner fixes config.
	SetupFailed bool `gorm:"column:setup_failed;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (ProductPricing) TableName() string { return "product_pricings" }
