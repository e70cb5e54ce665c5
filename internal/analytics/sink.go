package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Sink streams transaction facts to BigQuery after the ledger commit. Inserts
// are best effort: a warehouse outage must never fail or retry an IPN.
type Sink struct {
	client tableInserter
	table  string
	logg   *logger.Logger
}

// NewSink builds a transaction-facts sink writing to the given table.
func NewSink(client tableInserter, table string, logg *logger.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("bigquery table name required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Sink{client: client, table: strings.TrimSpace(table), logg: logg}, nil
}

type transactionFactRow struct {
	TransactionID string    `bigquery:"transaction_id"`
	OrderID       string    `bigquery:"order_id"`
	ProductID     string    `bigquery:"product_id"`
	PricingID     string    `bigquery:"pricing_id"`
	OwnerUserID   string    `bigquery:"owner_user_id"`
	Gateway       string    `bigquery:"gateway"`
	TxnID         string    `bigquery:"txn_id"`
	Type          string    `bigquery:"type"`
	Amount        string    `bigquery:"amount"`
	Currency      string    `bigquery:"currency"`
	IsRebill      bool      `bigquery:"is_rebill"`
	IsTest        int       `bigquery:"is_test"`
	OccurredAt    time.Time `bigquery:"occurred_at"`
	RecordedAt    time.Time `bigquery:"recorded_at"`
}

// RecordTransaction streams one revenue fact. Failures are logged and
// swallowed.
func (s *Sink) RecordTransaction(ctx context.Context, txn *models.Transaction, order *models.ProductOrder, ownerUserID uuid.UUID) {
	if txn == nil || order == nil {
		return
	}
	row := &transactionFactRow{
		TransactionID: txn.ID.String(),
		OrderID:       order.ID.String(),
		ProductID:     order.ProductID.String(),
		PricingID:     order.PricingID.String(),
		OwnerUserID:   ownerUserID.String(),
		Gateway:       string(txn.TransGateway),
		TxnID:         txn.TxnID,
		Type:          string(txn.TransType),
		Amount:        amountString(txn.TransAmount),
		Currency:      txn.TransCurrency,
		IsRebill:      txn.IsRebill,
		IsTest:        int(txn.IsTest),
		OccurredAt:    txn.TransDate,
		RecordedAt:    time.Now().UTC(),
	}
	if err := s.client.InsertRows(ctx, s.table, []any{row}); err != nil {
		s.logg.Error(s.logg.WithFields(ctx, map[string]any{
			"txn_id":  txn.TxnID,
			"gateway": string(txn.TransGateway),
		}), "transaction fact insert failed", err)
	}
}

func amountString(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
