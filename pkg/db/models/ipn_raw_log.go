package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// IpnRawLog is the append-only record of every inbound webhook payload.
// Rows are written once before any processing happens and are never mutated,
// so a failed event can always be replayed from here.
type IpnRawLog struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Processor       enums.Processor `gorm:"column:processor;type:processor;not null;index"`
	TransactionType string          `gorm:"column:transaction_type;not null"`
	IpnData         json.RawMessage `gorm:"column:ipn_data;type:jsonb;not null"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (IpnRawLog) TableName() string { return "ipn_raw_logs" }
