package analytics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type fakeInserter struct {
	table string
	rows  []any
	err   error
}

func (f *fakeInserter) InsertRows(ctx context.Context, table string, rows []any) error {
	f.table = table
	f.rows = append(f.rows, rows...)
	return f.err
}

func newTestSink(t *testing.T, inserter *fakeInserter) *Sink {
	t.Helper()
	sink, err := NewSink(inserter, "transaction_facts", logger.New(logger.Options{
		ServiceName: "analytics-test",
		Output:      io.Discard,
	}))
	if err != nil {
		t.Fatalf("failed to build sink: %v", err)
	}
	return sink
}

func TestSinkRecordsTransactionFact(t *testing.T) {
	inserter := &fakeInserter{}
	sink := newTestSink(t, inserter)

	order := &models.ProductOrder{
		ID:        uuid.New(),
		ProductID: uuid.New(),
		PricingID: uuid.New(),
	}
	txn := &models.Transaction{
		ID:            uuid.New(),
		OrderID:       order.ID,
		TxnID:         "ch_1",
		TransGateway:  enums.ProcessorStripe,
		TransAmount:   decimal.RequireFromString("19.99"),
		TransCurrency: "usd",
		TransDate:     time.Now().UTC(),
		TransType:     enums.TransactionTypePurchase,
	}

	sink.RecordTransaction(context.Background(), txn, order, uuid.New())

	if inserter.table != "transaction_facts" {
		t.Fatalf("unexpected table %q", inserter.table)
	}
	if len(inserter.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(inserter.rows))
	}
	row, ok := inserter.rows[0].(*transactionFactRow)
	if !ok {
		t.Fatalf("expected transactionFactRow, got %T", inserter.rows[0])
	}
	if row.TxnID != "ch_1" || row.Gateway != "stripe" {
		t.Fatalf("row mismatch: %+v", row)
	}
	if row.Amount != "19.99" {
		t.Fatalf("expected fixed-point amount, got %q", row.Amount)
	}
}

func TestSinkSwallowsInsertFailure(t *testing.T) {
	inserter := &fakeInserter{err: errors.New("bigquery down")}
	sink := newTestSink(t, inserter)

	order := &models.ProductOrder{ID: uuid.New(), ProductID: uuid.New(), PricingID: uuid.New()}
	txn := &models.Transaction{ID: uuid.New(), OrderID: order.ID, TxnID: "ch_2", TransGateway: enums.ProcessorPayPal}

	// must not panic or propagate
	sink.RecordTransaction(context.Background(), txn, order, uuid.New())
}

func TestSinkIgnoresNilInput(t *testing.T) {
	inserter := &fakeInserter{}
	sink := newTestSink(t, inserter)
	sink.RecordTransaction(context.Background(), nil, nil, uuid.Nil)
	if len(inserter.rows) != 0 {
		t.Fatalf("expected no rows for nil input")
	}
}
