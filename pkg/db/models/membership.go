package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// Membership grants a customer access to a product's membership site. Revoked
// (not deleted) on refund, chargeback or cancellation.
type Membership struct {
	ID         uuid.UUID              `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID uuid.UUID              `gorm:"column:customer_id;type:uuid;not null;uniqueIndex:ux_memberships_customer_product,priority:1"`
	ProductID  uuid.UUID              `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_memberships_customer_product,priority:2"`
	OrderID    *uuid.UUID             `gorm:"column:order_id;type:uuid;index"`
	Status     enums.MembershipStatus `gorm:"column:status;type:membership_status;not null;default:'active'"`
	RevokedAt  *time.Time             `gorm:"column:revoked_at"`
	CreatedAt  time.Time              `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time              `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Membership) TableName() string { return "memberships" }
