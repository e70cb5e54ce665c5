package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// Transaction is one discrete monetary event belonging to exactly one
// ProductOrder. Created once per distinct provider event; refunds flip
// IsRefunded on the matching row instead of creating a new one.
type Transaction struct {
	ID      uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`

	// TxnID is the provider charge/event id, unique within a gateway. The
	// primary dedup signal for redelivered webhooks.
	TxnID         string                `gorm:"column:txn_id;not null;uniqueIndex:ux_transactions_gateway_txn,priority:2"`
	TransGateway  enums.Processor       `gorm:"column:trans_gateway;type:processor;not null;uniqueIndex:ux_transactions_gateway_txn,priority:1"`
	TransAmount   decimal.Decimal       `gorm:"column:trans_amount;type:numeric(12,2);not null"`
	TransCurrency string                `gorm:"column:trans_currency;not null"`
	TransDate     time.Time             `gorm:"column:trans_date;not null"`
	TransType     enums.TransactionType `gorm:"column:trans_type;type:transaction_type;not null"`

	IsRebill   bool `gorm:"column:is_rebill;not null;default:false"`
	IsRefunded bool `gorm:"column:is_refunded;not null;default:false"`

	// IpnHash is the sha-256 of the raw payload, the secondary dedup signal.
	IpnHash string         `gorm:"column:ipn_hash;not null;index"`
	IsTest  enums.TestFlag `gorm:"column:is_test;not null;default:0"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName implements the GORM tabler interface.
func (Transaction) TableName() string { return "transactions" }
