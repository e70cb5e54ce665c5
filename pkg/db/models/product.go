package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Product is read-only reference data owned by the catalog subsystem. The
// reconciliation core consumes it and never writes it.
type Product struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OwnerUserID uuid.UUID `gorm:"column:owner_user_id;type:uuid;not null;index"`
	Name        string    `gorm:"column:name;not null"`

	// MaxAbuseSeverity is the blacklist score above which delivery is refused.
	MaxAbuseSeverity int `gorm:"column:max_abuse_severity;not null;default:0"`

	// PlanSettings maps provider plan ids to internal pricing ids for
	// upgrade/downgrade resolution, keyed per gateway.
	PlanSettings json.RawMessage `gorm:"column:plan_settings;type:jsonb"`

	NotifyOnSale bool `gorm:"column:notify_on_sale;not null;default:false"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Product) TableName() string { return "products" }
