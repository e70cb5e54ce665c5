package ipn

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/internal/delivery"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/internal/ledger"
	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

type stubCatalog struct {
	products map[uuid.UUID]*models.Product
	pricings map[uuid.UUID]*models.ProductPricing
	// planPricings maps provider plan ids to pricings
	planPricings map[string]*models.ProductPricing
	redeemed     []string
}

func (s *stubCatalog) Product(_ context.Context, id uuid.UUID) (*models.Product, error) {
	product, ok := s.products[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return product, nil
}

func (s *stubCatalog) Pricing(_ context.Context, id uuid.UUID) (*models.ProductPricing, error) {
	pricing, ok := s.pricings[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pricing not found")
	}
	return pricing, nil
}

func (s *stubCatalog) ResolvePlanPricing(_ context.Context, _ *models.Product, _ enums.Processor, planID string) (*models.ProductPricing, error) {
	pricing, ok := s.planPricings[planID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no pricing mapped to plan")
	}
	return pricing, nil
}

func (s *stubCatalog) RedeemCoupon(_ context.Context, code string) (*models.Coupon, error) {
	s.redeemed = append(s.redeemed, code)
	return &models.Coupon{Code: code}, nil
}

type stubLedger struct {
	customers map[string]*models.Customer
	orders    map[string]*models.ProductOrder
	txns      map[string]*models.Transaction
	hashes    map[string]bool

	orderSaves int
	txnWrites  int
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		customers: map[string]*models.Customer{},
		orders:    map[string]*models.ProductOrder{},
		txns:      map[string]*models.Transaction{},
		hashes:    map[string]bool{},
	}
}

func orderKey(processor enums.Processor, subscriptionID string) string {
	return fmt.Sprintf("%s|%s", processor, subscriptionID)
}

func txnKey(gateway enums.Processor, txnID string) string {
	return fmt.Sprintf("%s|%s", gateway, txnID)
}

func (s *stubLedger) UpsertCustomer(_ context.Context, in ledger.CustomerInput, _ uuid.UUID) (*models.Customer, error) {
	customer, ok := s.customers[in.PaymentEmail]
	if !ok {
		customer = &models.Customer{ID: uuid.New(), PaymentEmail: in.PaymentEmail}
		s.customers[in.PaymentEmail] = customer
	}
	if in.FirstName != "" {
		customer.FirstName = in.FirstName
	}
	if in.TrackID != "" {
		customer.TrackID = in.TrackID
	}
	return customer, nil
}

func (s *stubLedger) EnsureOrder(_ context.Context, in ledger.OrderInput) (*models.ProductOrder, bool, error) {
	key := orderKey(in.Processor, in.Subscription)
	if existing, ok := s.orders[key]; ok {
		if existing.CustomerID == nil && in.CustomerID != nil {
			existing.CustomerID = in.CustomerID
		}
		if existing.Amount.IsZero() && in.Amount.IsPositive() {
			existing.Amount = in.Amount
		}
		if existing.CouponCode == "" && in.CouponCode != "" {
			existing.CouponCode = in.CouponCode
		}
		return existing, false, nil
	}
	order := &models.ProductOrder{
		ID:               uuid.New(),
		CustomerID:       in.CustomerID,
		ProductID:        in.ProductID,
		PricingID:        in.PricingID,
		Status:           enums.OrderStatusCompleted,
		Amount:           in.Amount,
		Currency:         in.Currency,
		PaymentProcessor: in.Processor,
		SubscriptionID:   in.Subscription,
		CouponCode:       in.CouponCode,
		IsTest:           in.IsTest,
		CreatedAt:        time.Now().UTC(),
	}
	s.orders[key] = order
	return order, true, nil
}

func (s *stubLedger) UpdateOrder(_ context.Context, order *models.ProductOrder, _ uuid.UUID) error {
	s.orderSaves++
	return nil
}

func (s *stubLedger) OrderBySubscription(_ context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error) {
	order, ok := s.orders[orderKey(processor, subscriptionID)]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for subscription")
	}
	return order, nil
}

func (s *stubLedger) OrderByTransaction(_ context.Context, gateway enums.Processor, txnID string) (*models.ProductOrder, error) {
	txn, ok := s.txns[txnKey(gateway, txnID)]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for transaction")
	}
	for _, order := range s.orders {
		if order.ID == txn.OrderID {
			return order, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for transaction")
}

func (s *stubLedger) TransactionsForOrder(_ context.Context, orderID uuid.UUID) ([]models.Transaction, error) {
	var txns []models.Transaction
	for _, txn := range s.txns {
		if txn.OrderID == orderID {
			txns = append(txns, *txn)
		}
	}
	return txns, nil
}

func (s *stubLedger) SeenHash(_ context.Context, hash string) (bool, error) {
	return s.hashes[hash], nil
}

func (s *stubLedger) RecordTransaction(_ context.Context, in ledger.TransactionInput) (*models.Transaction, bool, error) {
	key := txnKey(in.Gateway, in.TxnID)
	if existing, ok := s.txns[key]; ok {
		return existing, false, nil
	}
	txn := &models.Transaction{
		ID:            uuid.New(),
		OrderID:       in.OrderID,
		TxnID:         in.TxnID,
		TransGateway:  in.Gateway,
		TransAmount:   in.Amount,
		TransCurrency: in.Currency,
		TransDate:     in.Date,
		TransType:     in.Type,
		IsRebill:      in.IsRebill,
		IpnHash:       in.IpnHash,
		IsTest:        in.IsTest,
		CreatedAt:     time.Now().UTC(),
	}
	s.txns[key] = txn
	if in.IpnHash != "" {
		s.hashes[in.IpnHash] = true
	}
	s.txnWrites++
	return txn, true, nil
}

func (s *stubLedger) ApplyRefund(_ context.Context, in ledger.RefundInput) (*models.Transaction, *models.ProductOrder, error) {
	txn, ok := s.txns[txnKey(in.Gateway, in.TxnID)]
	if !ok {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund target transaction not found")
	}
	if txn.IsRefunded {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction already refunded")
	}
	txn.IsRefunded = true
	var order *models.ProductOrder
	for _, candidate := range s.orders {
		if candidate.ID == txn.OrderID {
			order = candidate
			break
		}
	}
	if order == nil {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "order missing for transaction")
	}
	if in.Partial {
		order.Status = enums.OrderStatusPartialRefund
	} else {
		order.Status = enums.OrderStatusRefunded
	}
	return txn, order, nil
}

type stubDispatcher struct {
	inputs []delivery.Input
	result *delivery.Result
	err    error
}

func (s *stubDispatcher) Dispatch(_ context.Context, in delivery.Input) (*delivery.Result, error) {
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &delivery.Result{}, nil
}

type stubNotifier struct {
	inputs []notifications.NotifyInput
}

func (s *stubNotifier) Notify(_ context.Context, in notifications.NotifyInput) error {
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *stubNotifier) countByType(notifType enums.NotificationType) int {
	count := 0
	for _, in := range s.inputs {
		if in.Type == notifType {
			count++
		}
	}
	return count
}

type stubAbuse struct {
	incidents []notifications.AbuseIncidentPayload
}

func (s *stubAbuse) Publish(_ context.Context, incident notifications.AbuseIncidentPayload) error {
	s.incidents = append(s.incidents, incident)
	return nil
}

type stubSink struct {
	facts int
}

func (s *stubSink) RecordTransaction(context.Context, *models.Transaction, *models.ProductOrder, uuid.UUID) {
	s.facts++
}

type pipeline struct {
	catalog    *stubCatalog
	ledger     *stubLedger
	dispatcher *stubDispatcher
	notifier   *stubNotifier
	abuse      *stubAbuse
	sink       *stubSink
	service    *Service

	product *models.Product
	pricing *models.ProductPricing
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	product := &models.Product{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		Name:        "Course",
	}
	pricing := &models.ProductPricing{
		ID:             uuid.New(),
		ProductID:      product.ID,
		Name:           "Standard",
		Currency:       "usd",
		Price:          decimal.RequireFromString("49.00"),
		RecurringPrice: decimal.RequireFromString("19.00"),
	}
	p := &pipeline{
		catalog: &stubCatalog{
			products:     map[uuid.UUID]*models.Product{product.ID: product},
			pricings:     map[uuid.UUID]*models.ProductPricing{pricing.ID: pricing},
			planPricings: map[string]*models.ProductPricing{},
		},
		ledger:     newStubLedger(),
		dispatcher: &stubDispatcher{},
		notifier:   &stubNotifier{},
		abuse:      &stubAbuse{},
		sink:       &stubSink{},
		product:    product,
		pricing:    pricing,
	}
	service, err := NewService(ServiceParams{
		Catalog:    p.catalog,
		Ledger:     p.ledger,
		Dispatcher: p.dispatcher,
		Notifier:   p.notifier,
		Abuse:      p.abuse,
		Analytics:  p.sink,
		Logger:     logger.New(logger.Options{ServiceName: "ipn-test", Output: io.Discard}),
		Config:     config.IPNConfig{},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	p.service = service
	return p
}

func (p *pipeline) paymentEvent() normalize.Event {
	return normalize.Event{
		Kind:           normalize.KindPayment,
		Processor:      enums.ProcessorStripe,
		Amount:         decimal.RequireFromString("49.00"),
		Currency:       "usd",
		ChargeID:       "ch_1",
		SubscriptionID: "sub_1",
		Customer: normalize.CustomerInfo{
			Email:     "buyer@example.com",
			FirstName: "Ada",
			LastName:  "Lovelace",
		},
		OccurredAt: time.Now().UTC(),
		RawHash:    "hash-1",
		ProductID:  p.product.ID,
		PricingID:  p.pricing.ID,
		TrackID:    "trk_1",
	}
}

func TestHandlePaymentFirstPurchase(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.CouponCode = "LAUNCH10"

	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}

	if len(p.ledger.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(p.ledger.orders))
	}
	if len(p.ledger.txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(p.ledger.txns))
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_1")]
	if txn.TransType != enums.TransactionTypePurchase || txn.IsRebill {
		t.Fatalf("first payment should be a purchase, got %+v", txn)
	}
	if txn.IsTest != enums.TestFlagLive {
		t.Fatalf("49.00 live payment should not be flagged, got %d", txn.IsTest)
	}
	if len(p.catalog.redeemed) != 1 || p.catalog.redeemed[0] != "LAUNCH10" {
		t.Fatalf("coupon should redeem once on order creation, got %v", p.catalog.redeemed)
	}
	if len(p.dispatcher.inputs) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(p.dispatcher.inputs))
	}
	if p.dispatcher.inputs[0].Customer == nil || p.dispatcher.inputs[0].Customer.PaymentEmail != "buyer@example.com" {
		t.Fatal("dispatch should carry the upserted customer")
	}
	if p.sink.facts != 1 {
		t.Fatalf("expected 1 analytics fact, got %d", p.sink.facts)
	}
}

func TestHandlePaymentRedeliveryIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()

	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(p.ledger.orders) != 1 || len(p.ledger.txns) != 1 {
		t.Fatalf("redelivery must not duplicate ledger rows: %d orders, %d txns", len(p.ledger.orders), len(p.ledger.txns))
	}
	if len(p.dispatcher.inputs) != 1 {
		t.Fatalf("redelivery must not re-deliver, got %d dispatches", len(p.dispatcher.inputs))
	}
}

func TestHandlePaymentDuplicateTxnIDSkipsDelivery(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	// same charge arrives again under a different raw payload hash
	event.RawHash = "hash-2"
	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(p.ledger.txns) != 1 || len(p.dispatcher.inputs) != 1 {
		t.Fatal("txn id dedup must hold even when the hash differs")
	}
}

func TestHandlePaymentLowValueHeuristic(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	// the Stripe 450-cent case normalizes to 4.50
	event.Amount = decimal.RequireFromString("4.50")

	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_1")]
	if txn.IsTest != enums.TestFlagLowValue {
		t.Fatalf("4.50 should flag is_test=1, got %d", txn.IsTest)
	}
}

func TestHandlePaymentZeroAmountIsLowValue(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.Amount = decimal.Zero

	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_1")]
	if txn.IsTest != enums.TestFlagLowValue {
		t.Fatalf("a free charge sits below the threshold, got %d", txn.IsTest)
	}
}

func TestHandleActivationWithoutAmountStaysLive(t *testing.T) {
	p := newPipeline(t)
	activation := p.paymentEvent()
	activation.Kind = normalize.KindActivation
	activation.Amount = decimal.Zero
	activation.ChargeID = "evt_act"
	activation.RawHash = "hash-act"

	if err := p.service.HandleEvent(context.Background(), activation); err != nil {
		t.Fatalf("activation: %v", err)
	}
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.IsTest != enums.TestFlagLive {
		t.Fatalf("an activation without an amount is not a low-value charge, got %d", order.IsTest)
	}
}

func TestHandlePaymentSandboxNotifiesOwner(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.Sandbox = true

	if err := p.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_1")]
	if txn.IsTest != enums.TestFlagSandbox {
		t.Fatalf("sandbox payment should flag is_test=2, got %d", txn.IsTest)
	}
	if p.notifier.countByType(enums.NotificationTypeTestTransaction) != 1 {
		t.Fatal("expected owner test-transaction notification")
	}
}

func TestHandlePaymentSameDayIsNotRebill(t *testing.T) {
	p := newPipeline(t)
	first := p.paymentEvent()
	if err := p.service.HandleEvent(context.Background(), first); err != nil {
		t.Fatalf("first payment: %v", err)
	}

	second := p.paymentEvent()
	second.ChargeID = "ch_2"
	second.RawHash = "hash-2"
	if err := p.service.HandleEvent(context.Background(), second); err != nil {
		t.Fatalf("second payment: %v", err)
	}

	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_2")]
	if txn.IsRebill {
		t.Fatal("a second transaction on the order's creation day is not a rebill")
	}
	if txn.TransType != enums.TransactionTypePurchase {
		t.Fatalf("expected purchase, got %s", txn.TransType)
	}
}

func TestHandlePaymentLaterChargeIsRebill(t *testing.T) {
	p := newPipeline(t)
	first := p.paymentEvent()
	if err := p.service.HandleEvent(context.Background(), first); err != nil {
		t.Fatalf("first payment: %v", err)
	}

	// push the order's creation day into the past so the new charge falls
	// outside the same-day window
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	order.CreatedAt = order.CreatedAt.AddDate(0, -1, 0)

	second := p.paymentEvent()
	second.ChargeID = "ch_2"
	second.RawHash = "hash-2"
	if err := p.service.HandleEvent(context.Background(), second); err != nil {
		t.Fatalf("rebill payment: %v", err)
	}

	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_2")]
	if !txn.IsRebill || txn.TransType != enums.TransactionTypeRebill {
		t.Fatalf("expected rebill, got %+v", txn)
	}
	if len(p.catalog.redeemed) != 0 {
		t.Fatal("rebills must never redeem coupons")
	}
}

func TestHandlePaymentWithoutMetaUsesExistingOrder(t *testing.T) {
	p := newPipeline(t)
	first := p.paymentEvent()
	if err := p.service.HandleEvent(context.Background(), first); err != nil {
		t.Fatalf("first payment: %v", err)
	}

	rebill := p.paymentEvent()
	rebill.ChargeID = "ch_2"
	rebill.RawHash = "hash-2"
	rebill.ProductID = uuid.Nil
	rebill.PricingID = uuid.Nil
	if err := p.service.HandleEvent(context.Background(), rebill); err != nil {
		t.Fatalf("meta-less payment should resolve through the order: %v", err)
	}
	if len(p.ledger.orders) != 1 {
		t.Fatalf("expected a single order, got %d", len(p.ledger.orders))
	}
}

func TestHandlePaymentUnknownProductIsFatal(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.ProductID = uuid.New()

	err := p.service.HandleEvent(context.Background(), event)
	if err == nil {
		t.Fatal("expected error for unknown product")
	}
	if pkgerrors.As(err).Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(p.dispatcher.inputs) != 0 || len(p.ledger.txns) != 0 {
		t.Fatal("nothing should be written for an unknown product")
	}
}

func TestHandlePaymentMissingPricingNotifiesOwner(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.PricingID = uuid.New()

	err := p.service.HandleEvent(context.Background(), event)
	if err == nil {
		t.Fatal("expected error for missing pricing")
	}
	if p.notifier.countByType(enums.NotificationTypeMissingPricing) != 1 {
		t.Fatal("expected missing-pricing owner notification")
	}
}

func TestActivationThenPaymentMerge(t *testing.T) {
	p := newPipeline(t)

	activation := p.paymentEvent()
	activation.Kind = normalize.KindActivation
	activation.Amount = decimal.Zero
	activation.ChargeID = "evt_act"
	activation.RawHash = "hash-act"
	activation.CouponCode = "LAUNCH10"
	if err := p.service.HandleEvent(context.Background(), activation); err != nil {
		t.Fatalf("activation: %v", err)
	}
	if len(p.ledger.orders) != 1 {
		t.Fatalf("activation should create the order, got %d", len(p.ledger.orders))
	}
	if len(p.catalog.redeemed) != 1 {
		t.Fatal("coupon should redeem on activation-created order")
	}

	payment := p.paymentEvent()
	if err := p.service.HandleEvent(context.Background(), payment); err != nil {
		t.Fatalf("payment: %v", err)
	}

	if len(p.ledger.orders) != 1 {
		t.Fatalf("payment must merge into the activation order, got %d orders", len(p.ledger.orders))
	}
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.Amount.IsZero() {
		t.Fatal("payment should backfill the amount")
	}
	if order.CouponCode != "LAUNCH10" {
		t.Fatal("activation coupon must survive the merge")
	}
	if len(p.catalog.redeemed) != 1 {
		t.Fatal("coupon must redeem exactly once per order")
	}
}

func TestPaymentThenActivationMerge(t *testing.T) {
	p := newPipeline(t)

	payment := p.paymentEvent()
	payment.Customer = normalize.CustomerInfo{}
	if err := p.service.HandleEvent(context.Background(), payment); err != nil {
		t.Fatalf("payment: %v", err)
	}
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.CustomerID != nil {
		t.Fatal("payment without contact data should leave customer unset")
	}

	activation := p.paymentEvent()
	activation.Kind = normalize.KindActivation
	activation.Amount = decimal.Zero
	activation.ChargeID = "evt_act"
	if err := p.service.HandleEvent(context.Background(), activation); err != nil {
		t.Fatalf("activation: %v", err)
	}

	if len(p.ledger.orders) != 1 {
		t.Fatalf("expected one merged order, got %d", len(p.ledger.orders))
	}
	if order.CustomerID == nil {
		t.Fatal("activation should backfill the customer")
	}
	if order.Amount.IsZero() {
		t.Fatal("payment amount must survive the merge")
	}
}

func TestHandleRefundWithoutTargetIsFatal(t *testing.T) {
	p := newPipeline(t)
	event := p.paymentEvent()
	event.Kind = normalize.KindRefund
	event.ChargeID = "ch_missing"

	err := p.service.HandleEvent(context.Background(), event)
	if err == nil {
		t.Fatal("expected error for refund without target")
	}
	if pkgerrors.As(err).Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(p.dispatcher.inputs) != 0 {
		t.Fatal("no revocation should fire for a missing target")
	}
}

func TestHandleRefundRevokesAndReportsAbuse(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	refund := p.paymentEvent()
	refund.Kind = normalize.KindRefund
	refund.RawHash = "hash-refund"
	if err := p.service.HandleEvent(context.Background(), refund); err != nil {
		t.Fatalf("refund: %v", err)
	}

	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "ch_1")]
	if !txn.IsRefunded {
		t.Fatal("refund should flip the stored transaction")
	}
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.Status != enums.OrderStatusRefunded {
		t.Fatalf("expected refunded order, got %s", order.Status)
	}
	if len(p.ledger.txns) != 1 {
		t.Fatal("refunds must not create transaction rows")
	}
	// the second dispatch is the revocation
	if len(p.dispatcher.inputs) != 2 {
		t.Fatalf("expected revocation dispatch, got %d dispatches", len(p.dispatcher.inputs))
	}
	if p.dispatcher.inputs[1].Type != enums.TransactionTypeRefund {
		t.Fatalf("unexpected revocation type %s", p.dispatcher.inputs[1].Type)
	}
	if len(p.abuse.incidents) != 1 || p.abuse.incidents[0].TrackID != "trk_1" {
		t.Fatalf("expected abuse incident for refund, got %+v", p.abuse.incidents)
	}

	// a redelivered refund must fail without a second refund
	err := p.service.HandleEvent(context.Background(), refund)
	if err == nil || pkgerrors.As(err).Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("redelivered refund should hit state conflict, got %v", err)
	}
}

// disputeEvent runs a raw stripe dispute payload through the normalizer so
// the test sees exactly the ids the provider would deliver.
func disputeEvent(t *testing.T, disputeID, chargeID string) normalize.Event {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_dispute",
		"type": "charge.dispute.created",
		"created": 1735689600,
		"livemode": true,
		"data": {"object": {
			"id": %q,
			"charge": %q,
			"amount": 4900,
			"currency": "usd"
		}}
	}`, disputeID, chargeID))
	event, err := normalize.Normalize(enums.ProcessorStripe, "charge.dispute.created", payload, normalize.Meta{TrackID: "trk_1"})
	if err != nil {
		t.Fatalf("normalize dispute: %v", err)
	}
	return *event
}

func TestHandleChargebackTerminatesOrder(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	chargeback := disputeEvent(t, "du_1", "ch_1")
	if err := p.service.HandleEvent(context.Background(), chargeback); err != nil {
		t.Fatalf("chargeback: %v", err)
	}

	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.Status != enums.OrderStatusChargeback {
		t.Fatalf("expected chargeback status, got %s", order.Status)
	}
	if len(p.ledger.txns) != 2 {
		t.Fatalf("chargeback must add its own transaction row, got %d rows", len(p.ledger.txns))
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "du_1")]
	if txn == nil || txn.TransType != enums.TransactionTypeChargeback {
		t.Fatal("chargeback row must carry the dispute id, not the disputed charge id")
	}
	if len(p.abuse.incidents) != 1 || p.abuse.incidents[0].Severity != 2 {
		t.Fatalf("expected severity-2 abuse incident, got %+v", p.abuse.incidents)
	}
	last := p.dispatcher.inputs[len(p.dispatcher.inputs)-1]
	if last.Type != enums.TransactionTypeChargeback {
		t.Fatalf("expected chargeback revocation dispatch, got %s", last.Type)
	}
}

func TestHandleChargebackOnRebillResolvesOrder(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}
	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	order.CreatedAt = order.CreatedAt.AddDate(0, -1, 0)

	rebill := p.paymentEvent()
	rebill.ChargeID = "ch_2"
	rebill.RawHash = "hash-2"
	if err := p.service.HandleEvent(context.Background(), rebill); err != nil {
		t.Fatalf("rebill: %v", err)
	}

	// the dispute names the rebill charge, not the subscription
	chargeback := disputeEvent(t, "du_2", "ch_2")
	if err := p.service.HandleEvent(context.Background(), chargeback); err != nil {
		t.Fatalf("chargeback on rebill: %v", err)
	}

	if order.Status != enums.OrderStatusChargeback {
		t.Fatalf("expected chargeback status, got %s", order.Status)
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "du_2")]
	if txn == nil || txn.OrderID != order.ID {
		t.Fatal("dispute must trace back to the order through the contested transaction")
	}
}

func TestHandleChargebackRedeliveryKeepsSideEffectsOnce(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	chargeback := disputeEvent(t, "du_1", "ch_1")
	if err := p.service.HandleEvent(context.Background(), chargeback); err != nil {
		t.Fatalf("chargeback: %v", err)
	}
	if err := p.service.HandleEvent(context.Background(), chargeback); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(p.ledger.txns) != 2 {
		t.Fatalf("redelivery must not add rows, got %d", len(p.ledger.txns))
	}
	if len(p.abuse.incidents) != 1 {
		t.Fatalf("redelivery must not report abuse twice, got %d", len(p.abuse.incidents))
	}
}

func TestHandleCancellationRevokes(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	cancel := p.paymentEvent()
	cancel.Kind = normalize.KindCancellation
	cancel.ChargeID = "evt_cancel"
	cancel.RawHash = "hash-cancel"
	if err := p.service.HandleEvent(context.Background(), cancel); err != nil {
		t.Fatalf("cancellation: %v", err)
	}

	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.Status != enums.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", order.Status)
	}
	last := p.dispatcher.inputs[len(p.dispatcher.inputs)-1]
	if last.Type != enums.TransactionTypeCancellation {
		t.Fatalf("expected cancellation revocation, got %s", last.Type)
	}
}

func TestHandlePlanChangeUpgrade(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	upgraded := &models.ProductPricing{
		ID:             uuid.New(),
		ProductID:      p.product.ID,
		Name:           "Pro",
		Currency:       "usd",
		Price:          decimal.RequireFromString("99.00"),
		RecurringPrice: decimal.RequireFromString("39.00"),
	}
	p.catalog.pricings[upgraded.ID] = upgraded
	p.catalog.planPricings["plan_pro"] = upgraded

	change := p.paymentEvent()
	change.Kind = normalize.KindPlanChange
	change.ChargeID = "evt_change"
	change.RawHash = "hash-change"
	change.PlanID = "plan_pro"
	if err := p.service.HandleEvent(context.Background(), change); err != nil {
		t.Fatalf("plan change: %v", err)
	}

	order := p.ledger.orders[orderKey(enums.ProcessorStripe, "sub_1")]
	if order.PricingID != upgraded.ID {
		t.Fatal("order should move to the new pricing")
	}
	if order.PrevPricingID == nil || *order.PrevPricingID != p.pricing.ID {
		t.Fatal("prior pricing id should be retained")
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "evt_change")]
	if txn.TransType != enums.TransactionTypeUpgrade {
		t.Fatalf("expected upgrade, got %s", txn.TransType)
	}
	last := p.dispatcher.inputs[len(p.dispatcher.inputs)-1]
	if last.PrevPricingID == nil || *last.PrevPricingID != p.pricing.ID {
		t.Fatal("dispatch should carry the prior pricing id")
	}
}

func TestHandlePlanChangeToCheaperPlanIsDowngrade(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	cheaper := &models.ProductPricing{
		ID:             uuid.New(),
		ProductID:      p.product.ID,
		Name:           "Lite",
		Currency:       "usd",
		RecurringPrice: decimal.RequireFromString("9.00"),
	}
	p.catalog.pricings[cheaper.ID] = cheaper
	p.catalog.planPricings["plan_lite"] = cheaper

	change := p.paymentEvent()
	change.Kind = normalize.KindPlanChange
	change.ChargeID = "evt_change"
	change.PlanID = "plan_lite"
	if err := p.service.HandleEvent(context.Background(), change); err != nil {
		t.Fatalf("plan change: %v", err)
	}
	txn := p.ledger.txns[txnKey(enums.ProcessorStripe, "evt_change")]
	if txn.TransType != enums.TransactionTypeDowngrade {
		t.Fatalf("expected downgrade, got %s", txn.TransType)
	}
}

func TestHandlePlanChangeUnmappedPlanNotifiesOwner(t *testing.T) {
	p := newPipeline(t)
	if err := p.service.HandleEvent(context.Background(), p.paymentEvent()); err != nil {
		t.Fatalf("payment: %v", err)
	}

	change := p.paymentEvent()
	change.Kind = normalize.KindPlanChange
	change.PlanID = "plan_unknown"
	err := p.service.HandleEvent(context.Background(), change)
	if err == nil {
		t.Fatal("expected error for unmapped plan")
	}
	if p.notifier.countByType(enums.NotificationTypeMissingPricing) != 1 {
		t.Fatal("expected missing-pricing notification for unmapped plan")
	}
}
