package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// ProductOrder is one purchase or subscription lifecycle instance. Created on
// the first successful payment event and mutated in place by every later
// lifecycle event correlated through SubscriptionID. Never deleted.
//
// The (payment_processor, subscription_id) unique index is what resolves two
// workers racing to create the same order: the loser hits the constraint and
// falls back to the update path.
type ProductOrder struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID *uuid.UUID `gorm:"column:customer_id;type:uuid;index"`
	ProductID  uuid.UUID  `gorm:"column:product_id;type:uuid;not null;index"`
	PricingID  uuid.UUID  `gorm:"column:pricing_id;type:uuid;not null;index"`

	Status   enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'completed'"`
	Amount   decimal.Decimal   `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency string            `gorm:"column:currency;not null"`

	PaymentProcessor enums.Processor `gorm:"column:payment_processor;type:processor;not null;uniqueIndex:ux_orders_gateway_subscription,priority:1"`
	// SubscriptionID is the provider-side correlation key: charge id for
	// one-time purchases, subscription/billing-agreement id for recurring.
	SubscriptionID string `gorm:"column:subscription_id;not null;uniqueIndex:ux_orders_gateway_subscription,priority:2"`

	CouponCode     string         `gorm:"column:coupon_code"`
	IsTest         enums.TestFlag `gorm:"column:is_test;not null;default:0"`
	DelivAccessID  string         `gorm:"column:deliv_accessid"`
	PrevPricingID  *uuid.UUID     `gorm:"column:prev_pricing_id;type:uuid"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (ProductOrder) TableName() string { return "product_orders" }
