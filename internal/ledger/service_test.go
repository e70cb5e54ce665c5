package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type stubRepo struct {
	customers map[string]*models.Customer
	orders    map[string]*models.ProductOrder
	txns      map[string]*models.Transaction
	owners    map[uuid.UUID]uuid.UUID

	createOrderErr error
	// winnerOnConflict is inserted when createOrderErr fires, simulating a
	// concurrent worker winning the create race.
	winnerOnConflict *models.ProductOrder

	savedOrders    int
	createdTxns    int
	refundedTxnIDs []uuid.UUID
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		customers: map[string]*models.Customer{},
		orders:    map[string]*models.ProductOrder{},
		txns:      map[string]*models.Transaction{},
		owners:    map[uuid.UUID]uuid.UUID{},
	}
}

func orderKey(p enums.Processor, sub string) string { return string(p) + "|" + sub }
func txnKey(p enums.Processor, id string) string    { return string(p) + "|" + id }

func (s *stubRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubRepo) FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	if c, ok := s.customers[email]; ok {
		return c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	customer.ID = uuid.New()
	s.customers[customer.PaymentEmail] = customer
	return nil
}

func (s *stubRepo) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	s.customers[customer.PaymentEmail] = customer
	return nil
}

func (s *stubRepo) FindOrderByID(ctx context.Context, id uuid.UUID) (*models.ProductOrder, error) {
	for _, order := range s.orders {
		if order.ID == id {
			return order, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) FindOrderBySubscription(ctx context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error) {
	if o, ok := s.orders[orderKey(processor, subscriptionID)]; ok {
		return o, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) CreateOrder(ctx context.Context, order *models.ProductOrder) error {
	if s.createOrderErr != nil {
		err := s.createOrderErr
		s.createOrderErr = nil
		if s.winnerOnConflict != nil {
			s.orders[orderKey(s.winnerOnConflict.PaymentProcessor, s.winnerOnConflict.SubscriptionID)] = s.winnerOnConflict
		}
		return err
	}
	order.ID = uuid.New()
	s.orders[orderKey(order.PaymentProcessor, order.SubscriptionID)] = order
	return nil
}

func (s *stubRepo) SaveOrder(ctx context.Context, order *models.ProductOrder) error {
	s.savedOrders++
	s.orders[orderKey(order.PaymentProcessor, order.SubscriptionID)] = order
	return nil
}

func (s *stubRepo) FindProductOwner(ctx context.Context, productID uuid.UUID) (uuid.UUID, error) {
	if owner, ok := s.owners[productID]; ok {
		return owner, nil
	}
	return uuid.Nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) FindTransaction(ctx context.Context, gateway enums.Processor, txnID string) (*models.Transaction, error) {
	if t, ok := s.txns[txnKey(gateway, txnID)]; ok {
		return t, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepo) TransactionExistsByHash(ctx context.Context, hash string) (bool, error) {
	for _, t := range s.txns {
		if t.IpnHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubRepo) ListTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, t := range s.txns {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *stubRepo) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	txn.ID = uuid.New()
	s.createdTxns++
	s.txns[txnKey(txn.TransGateway, txn.TxnID)] = txn
	return nil
}

func (s *stubRepo) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error {
	s.refundedTxnIDs = append(s.refundedTxnIDs, id)
	for _, t := range s.txns {
		if t.ID == id {
			t.IsRefunded = true
		}
	}
	return nil
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubCache struct {
	flushed []string
}

func (s *stubCache) FlushTag(ctx context.Context, tags ...string) error {
	s.flushed = append(s.flushed, tags...)
	return nil
}

func newTestService(t *testing.T, repo Repository, cache *stubCache) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:              repo,
		TransactionRunner: stubTxRunner{},
		Cache:             cache,
		Logger:            logger.New(logger.Options{ServiceName: "ledger-test"}),
	})
	if err != nil {
		t.Fatalf("setup service: %v", err)
	}
	return svc
}

func TestUpsertCustomerMergesWithoutNulling(t *testing.T) {
	repo := newStubRepo()
	cache := &stubCache{}
	svc := newTestService(t, repo, cache)
	ctx := context.Background()
	owner := uuid.New()

	first, err := svc.UpsertCustomer(ctx, CustomerInput{
		PaymentEmail: "buyer@example.com",
		FirstName:    "Ada",
		City:         "London",
	}, owner)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// the second payload omits city; it must survive the merge
	second, err := svc.UpsertCustomer(ctx, CustomerInput{
		PaymentEmail:  "buyer@example.com",
		FirstName:     "Ada",
		LastName:      "Lovelace",
		PayPalPayerID: "payer-1",
	}, owner)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected same customer row")
	}
	if second.City != "London" {
		t.Fatalf("city was nulled out: %q", second.City)
	}
	if second.LastName != "Lovelace" || second.PayPalPayerID != "payer-1" {
		t.Fatalf("new fields not merged: %+v", second)
	}
	if len(cache.flushed) == 0 {
		t.Fatal("expected cache tags flushed")
	}
}

func TestEnsureOrderOutOfOrderMerge(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubCache{})
	ctx := context.Background()
	productID, pricingID, owner := uuid.New(), uuid.New(), uuid.New()

	// payment event lands first, customer unknown
	paid, created, err := svc.EnsureOrder(ctx, OrderInput{
		ProductID:    productID,
		PricingID:    pricingID,
		Amount:       decimal.RequireFromString("29.00"),
		Currency:     "usd",
		Processor:    enums.ProcessorPayPal,
		Subscription: "I-ABC",
		OwnerUserID:  owner,
	})
	if err != nil {
		t.Fatalf("payment ensure: %v", err)
	}
	if !created {
		t.Fatal("expected order created")
	}

	// activation event arrives second with customer and coupon
	customerID := uuid.New()
	merged, created, err := svc.EnsureOrder(ctx, OrderInput{
		CustomerID:   &customerID,
		ProductID:    productID,
		PricingID:    pricingID,
		Processor:    enums.ProcessorPayPal,
		Subscription: "I-ABC",
		CouponCode:   "LAUNCH",
		OwnerUserID:  owner,
	})
	if err != nil {
		t.Fatalf("activation ensure: %v", err)
	}
	if created {
		t.Fatal("expected backfill, not a second order")
	}
	if merged.ID != paid.ID {
		t.Fatal("expected same order row")
	}
	if merged.CustomerID == nil || *merged.CustomerID != customerID {
		t.Fatalf("customer not backfilled: %+v", merged.CustomerID)
	}
	if merged.CouponCode != "LAUNCH" {
		t.Fatalf("coupon not backfilled: %q", merged.CouponCode)
	}
	if !merged.Amount.Equal(decimal.RequireFromString("29.00")) {
		t.Fatalf("amount lost in merge: %s", merged.Amount)
	}
}

func TestEnsureOrderConflictFallsBackToUpdate(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubCache{})

	winner := &models.ProductOrder{
		ID:               uuid.New(),
		ProductID:        uuid.New(),
		PricingID:        uuid.New(),
		PaymentProcessor: enums.ProcessorStripe,
		SubscriptionID:   "sub_race",
	}
	repo.createOrderErr = errors.New(`ERROR: duplicate key value violates unique constraint "ux_orders_gateway_subscription"`)
	repo.winnerOnConflict = winner

	order, created, err := svc.EnsureOrder(context.Background(), OrderInput{
		ProductID:    winner.ProductID,
		PricingID:    winner.PricingID,
		Amount:       decimal.RequireFromString("10.00"),
		Currency:     "usd",
		Processor:    enums.ProcessorStripe,
		Subscription: "sub_race",
	})
	if err != nil {
		t.Fatalf("ensure order: %v", err)
	}
	if created {
		t.Fatal("loser must not report creation")
	}
	if order.ID != winner.ID {
		t.Fatal("loser must resolve to the winner's order")
	}
	if !order.Amount.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("loser's amount not backfilled: %s", order.Amount)
	}
}

func TestRecordTransactionIdempotent(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubCache{})
	ctx := context.Background()
	orderID := uuid.New()

	in := TransactionInput{
		OrderID:  orderID,
		TxnID:    "ch_1",
		Gateway:  enums.ProcessorStripe,
		Amount:   decimal.RequireFromString("4.50"),
		Currency: "usd",
		Type:     enums.TransactionTypePurchase,
		IpnHash:  "hash-1",
		IsTest:   enums.TestFlagLowValue,
	}

	first, created, err := svc.RecordTransaction(ctx, in)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if !created {
		t.Fatal("expected creation")
	}

	second, created, err := svc.RecordTransaction(ctx, in)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if created {
		t.Fatal("redelivery must not create a second row")
	}
	if second.ID != first.ID {
		t.Fatal("expected stored row returned")
	}
	if repo.createdTxns != 1 {
		t.Fatalf("expected 1 create, got %d", repo.createdTxns)
	}
}

func TestOrderByTransactionResolvesThroughLedgerRow(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubCache{})
	ctx := context.Background()

	order := &models.ProductOrder{
		ID:               uuid.New(),
		PaymentProcessor: enums.ProcessorStripe,
		SubscriptionID:   "sub_1",
	}
	repo.orders[orderKey(enums.ProcessorStripe, "sub_1")] = order
	repo.txns[txnKey(enums.ProcessorStripe, "ch_1")] = &models.Transaction{
		ID:           uuid.New(),
		OrderID:      order.ID,
		TxnID:        "ch_1",
		TransGateway: enums.ProcessorStripe,
	}

	got, err := svc.OrderByTransaction(ctx, enums.ProcessorStripe, "ch_1")
	if err != nil {
		t.Fatalf("order by transaction: %v", err)
	}
	if got.ID != order.ID {
		t.Fatalf("resolved wrong order %s", got.ID)
	}

	_, err = svc.OrderByTransaction(ctx, enums.ProcessorStripe, "missing")
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found for unknown charge, got %v", err)
	}
}

func TestApplyRefundMissingTargetIsFatal(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, &stubCache{})

	_, _, err := svc.ApplyRefund(context.Background(), RefundInput{
		Gateway: enums.ProcessorPayPal,
		TxnID:   "missing",
	})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(repo.refundedTxnIDs) != 0 || repo.savedOrders != 0 {
		t.Fatal("missing refund target must not write")
	}
}

func TestApplyRefundFlipsTransactionAndOrder(t *testing.T) {
	repo := newStubRepo()
	cache := &stubCache{}
	svc := newTestService(t, repo, cache)
	ctx := context.Background()

	customerID := uuid.New()
	ownerID := uuid.New()
	order := &models.ProductOrder{
		ID:               uuid.New(),
		CustomerID:       &customerID,
		ProductID:        uuid.New(),
		PricingID:        uuid.New(),
		Status:           enums.OrderStatusCompleted,
		PaymentProcessor: enums.ProcessorStripe,
		SubscriptionID:   "sub_1",
	}
	repo.orders[orderKey(enums.ProcessorStripe, "sub_1")] = order
	repo.owners[order.ProductID] = ownerID
	repo.txns[txnKey(enums.ProcessorStripe, "ch_1")] = &models.Transaction{
		ID:           uuid.New(),
		OrderID:      order.ID,
		TxnID:        "ch_1",
		TransGateway: enums.ProcessorStripe,
		TransType:    enums.TransactionTypePurchase,
	}

	txn, refunded, err := svc.ApplyRefund(ctx, RefundInput{Gateway: enums.ProcessorStripe, TxnID: "ch_1"})
	if err != nil {
		t.Fatalf("apply refund: %v", err)
	}
	if !txn.IsRefunded {
		t.Fatal("transaction not flipped")
	}
	if refunded.Status != enums.OrderStatusRefunded {
		t.Fatalf("unexpected order status %s", refunded.Status)
	}
	wantTags := []string{"customer:" + customerID.String(), "owner:" + ownerID.String()}
	if len(cache.flushed) != 2 || cache.flushed[0] != wantTags[0] || cache.flushed[1] != wantTags[1] {
		t.Fatalf("expected customer and owner tags flushed, got %v", cache.flushed)
	}

	// the same refund delivered again is a state conflict, not a write
	_, _, err = svc.ApplyRefund(ctx, RefundInput{Gateway: enums.ProcessorStripe, TxnID: "ch_1"})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
