package models

import (
	"time"
)

// BlacklistEntry stores an abuse severity score keyed by the cross-system
// tracking id. Severity is compared against Product.MaxAbuseSeverity before
// delivery.
type BlacklistEntry struct {
	ID        uint      `gorm:"column:id;primaryKey"`
	TrackID   string    `gorm:"column:track_id;not null;unique"`
	Severity  int       `gorm:"column:severity;not null;default:0"`
	Reason    string    `gorm:"column:reason"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (BlacklistEntry) TableName() string { return "blacklist_entries" }
