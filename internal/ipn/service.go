package ipn

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sellforgehq/sellforge-backend/internal/delivery"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/guard"
	"github.com/sellforgehq/sellforge-backend/internal/ipn/normalize"
	"github.com/sellforgehq/sellforge-backend/internal/ledger"
	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/config"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/metrics"
)

type catalogService interface {
	Product(ctx context.Context, id uuid.UUID) (*models.Product, error)
	Pricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error)
	ResolvePlanPricing(ctx context.Context, product *models.Product, processor enums.Processor, planID string) (*models.ProductPricing, error)
	RedeemCoupon(ctx context.Context, code string) (*models.Coupon, error)
}

type ledgerService interface {
	UpsertCustomer(ctx context.Context, in ledger.CustomerInput, ownerUserID uuid.UUID) (*models.Customer, error)
	EnsureOrder(ctx context.Context, in ledger.OrderInput) (*models.ProductOrder, bool, error)
	UpdateOrder(ctx context.Context, order *models.ProductOrder, ownerUserID uuid.UUID) error
	OrderBySubscription(ctx context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error)
	OrderByTransaction(ctx context.Context, gateway enums.Processor, txnID string) (*models.ProductOrder, error)
	TransactionsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error)
	SeenHash(ctx context.Context, hash string) (bool, error)
	RecordTransaction(ctx context.Context, in ledger.TransactionInput) (*models.Transaction, bool, error)
	ApplyRefund(ctx context.Context, in ledger.RefundInput) (*models.Transaction, *models.ProductOrder, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, in delivery.Input) (*delivery.Result, error)
}

type notifier interface {
	Notify(ctx context.Context, in notifications.NotifyInput) error
}

type abuseReporter interface {
	Publish(ctx context.Context, incident notifications.AbuseIncidentPayload) error
}

type factSink interface {
	RecordTransaction(ctx context.Context, txn *models.Transaction, order *models.ProductOrder, ownerUserID uuid.UUID)
}

// ServiceParams wires the reconciliation pipeline. Abuse and Analytics are
// optional side channels.
type ServiceParams struct {
	Catalog    catalogService
	Ledger     ledgerService
	Dispatcher dispatcher
	Notifier   notifier
	Abuse      abuseReporter
	Analytics  factSink
	Metrics    *metrics.IPNMetrics
	Logger     *logger.Logger
	Config     config.IPNConfig
}

// Service maps canonical provider events onto the order/transaction ledger
// and fires delivery side effects. Handlers are re-entrant: re-running the
// same payload never double-creates ledger rows.
//
// Error codes signal retryability to the consumer. Validation, not-found and
// state-conflict failures are fatal for the event and get acked; dependency
// failures are transient and get nacked for redelivery.
type Service struct {
	catalog    catalogService
	ledger     ledgerService
	dispatcher dispatcher
	notifier   notifier
	abuse      abuseReporter
	analytics  factSink
	metrics    *metrics.IPNMetrics
	logg       *logger.Logger

	lowValueThreshold decimal.Decimal
}

// NewService validates and builds the IPN handler.
func NewService(params ServiceParams) (*Service, error) {
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "catalog service required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "ledger service required")
	}
	if params.Dispatcher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "dispatcher required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}

	threshold := decimal.Zero
	if params.Config.LowValueThreshold != "" {
		parsed, err := decimal.NewFromString(params.Config.LowValueThreshold)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse low value threshold")
		}
		threshold = parsed
	}

	return &Service{
		catalog:           params.Catalog,
		ledger:            params.Ledger,
		dispatcher:        params.Dispatcher,
		notifier:          params.Notifier,
		abuse:             params.Abuse,
		analytics:         params.Analytics,
		metrics:           params.Metrics,
		logg:              params.Logger,
		lowValueThreshold: threshold,
	}, nil
}

// HandleEvent applies one canonical event. The returned error's code decides
// whether the consumer acks (fatal for the event) or nacks (transient).
func (s *Service) HandleEvent(ctx context.Context, event normalize.Event) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"processor":       string(event.Processor),
		"kind":            string(event.Kind),
		"charge_id":       event.ChargeID,
		"subscription_id": event.SubscriptionID,
	})

	switch event.Kind {
	case normalize.KindPayment:
		return s.handlePayment(ctx, event, logCtx)
	case normalize.KindActivation:
		return s.handleActivation(ctx, event, logCtx)
	case normalize.KindPlanChange:
		return s.handlePlanChange(ctx, event, logCtx)
	case normalize.KindRefund:
		return s.handleRefund(ctx, event, false, logCtx)
	case normalize.KindPartialRefund:
		return s.handleRefund(ctx, event, true, logCtx)
	case normalize.KindChargeback:
		return s.handleTermination(ctx, event, enums.TransactionTypeChargeback, logCtx)
	case normalize.KindCancellation:
		return s.handleTermination(ctx, event, enums.TransactionTypeCancellation, logCtx)
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown event kind %q", event.Kind))
	}
}

func (s *Service) handlePayment(ctx context.Context, event normalize.Event, logCtx context.Context) error {
	seen, err := s.ledger.SeenHash(ctx, event.RawHash)
	if err != nil {
		return err
	}
	if seen {
		s.logg.Info(logCtx, "payload hash already processed")
		if s.metrics != nil {
			s.metrics.IncDuplicate(string(event.Processor))
		}
		return nil
	}

	product, pricing, order, err := s.resolveCatalog(ctx, event, logCtx)
	if err != nil {
		return err
	}

	customer := s.upsertCustomer(ctx, event, product.OwnerUserID, logCtx)

	flag := guard.ClassifyTest(event.Sandbox, event.Amount, s.lowValueThreshold)
	if flag == enums.TestFlagSandbox {
		s.ownerNotify(ctx, product.OwnerUserID, enums.NotificationTypeTestTransaction,
			"Test transaction received",
			fmt.Sprintf("Sandbox payment %s on %s for %s %s.", event.ChargeID, event.Processor, event.Amount.StringFixed(2), event.Currency),
			logCtx)
	}

	if order == nil {
		var created bool
		order, created, err = s.ensureOrder(ctx, event, product, pricing, customer, flag)
		if err != nil {
			return err
		}
		if created {
			s.redeemCoupon(ctx, event.CouponCode, logCtx)
		}
	}

	txns, err := s.ledger.TransactionsForOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	transType := enums.TransactionTypePurchase
	isRebill := guard.IsRebill(order, txns)
	if isRebill {
		transType = enums.TransactionTypeRebill
	}

	txn, created, err := s.ledger.RecordTransaction(ctx, ledger.TransactionInput{
		OrderID:     order.ID,
		TxnID:       event.ChargeID,
		Gateway:     event.Processor,
		Amount:      event.Amount,
		Currency:    event.Currency,
		Date:        event.OccurredAt,
		Type:        transType,
		IsRebill:    isRebill,
		IpnHash:     event.RawHash,
		IsTest:      flag,
		OwnerUserID: product.OwnerUserID,
	})
	if err != nil {
		return err
	}
	if !created {
		s.logg.Info(logCtx, "transaction already recorded, skipping delivery")
		if s.metrics != nil {
			s.metrics.IncDuplicate(string(event.Processor))
		}
		return nil
	}

	s.dispatch(ctx, delivery.Input{
		Order:    order,
		Product:  product,
		Pricing:  pricing,
		Customer: customer,
		Txn:      txn,
		Type:     transType,
	}, product.OwnerUserID, logCtx)

	if s.analytics != nil {
		s.analytics.RecordTransaction(ctx, txn, order, product.OwnerUserID)
	}
	return nil
}

func (s *Service) handleActivation(ctx context.Context, event normalize.Event, logCtx context.Context) error {
	product, pricing, _, err := s.resolveCatalog(ctx, event, logCtx)
	if err != nil {
		return err
	}

	customer := s.upsertCustomer(ctx, event, product.OwnerUserID, logCtx)

	// activations usually carry no amount; a missing amount is not a
	// low-value charge, so only the sandbox flag applies here
	flag := enums.TestFlagLive
	if event.Sandbox {
		flag = enums.TestFlagSandbox
	} else if event.Amount.IsPositive() {
		flag = guard.ClassifyTest(false, event.Amount, s.lowValueThreshold)
	}

	// when the payment landed first, EnsureOrder takes the backfill path
	_, created, err := s.ensureOrder(ctx, event, product, pricing, customer, flag)
	if err != nil {
		return err
	}
	if created {
		s.redeemCoupon(ctx, event.CouponCode, logCtx)
		s.logg.Info(logCtx, "order created from activation")
	} else {
		s.logg.Info(logCtx, "activation backfilled existing order")
	}
	return nil
}

func (s *Service) handlePlanChange(ctx context.Context, event normalize.Event, logCtx context.Context) error {
	order, err := s.ledger.OrderBySubscription(ctx, event.Processor, event.SubscriptionID)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			s.logg.Error(logCtx, "plan change for unknown subscription", err)
		}
		return err
	}
	product, err := s.catalog.Product(ctx, order.ProductID)
	if err != nil {
		return err
	}
	oldPricing, err := s.catalog.Pricing(ctx, order.PricingID)
	if err != nil {
		return err
	}

	newPricing, err := s.catalog.ResolvePlanPricing(ctx, product, event.Processor, event.PlanID)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			s.ownerNotify(ctx, product.OwnerUserID, enums.NotificationTypeMissingPricing,
				"Unmapped billing plan",
				fmt.Sprintf("Plan %q on %s has no pricing mapping for product %q.", event.PlanID, event.Processor, product.Name),
				logCtx)
		}
		return err
	}
	if newPricing.ID == order.PricingID {
		s.logg.Info(logCtx, "plan change to current pricing, nothing to do")
		return nil
	}

	transType := guard.PlanChangeType(oldPricing.RecurringPrice, newPricing.RecurringPrice)
	prevID := order.PricingID
	order.PrevPricingID = &prevID
	order.PricingID = newPricing.ID
	if err := s.ledger.UpdateOrder(ctx, order, product.OwnerUserID); err != nil {
		return err
	}

	txn, created, err := s.ledger.RecordTransaction(ctx, ledger.TransactionInput{
		OrderID:     order.ID,
		TxnID:       event.ChargeID,
		Gateway:     event.Processor,
		Amount:      newPricing.RecurringPrice,
		Currency:    newPricing.Currency,
		Date:        event.OccurredAt,
		Type:        transType,
		IpnHash:     event.RawHash,
		IsTest:      order.IsTest,
		OwnerUserID: product.OwnerUserID,
	})
	if err != nil {
		return err
	}
	if !created {
		s.logg.Info(logCtx, "plan change already recorded")
		if s.metrics != nil {
			s.metrics.IncDuplicate(string(event.Processor))
		}
		return nil
	}

	customer := s.loadOrderCustomer(ctx, event, order, product.OwnerUserID, logCtx)
	s.dispatch(ctx, delivery.Input{
		Order:         order,
		Product:       product,
		Pricing:       newPricing,
		Customer:      customer,
		Txn:           txn,
		Type:          transType,
		PrevPricingID: &prevID,
	}, product.OwnerUserID, logCtx)

	if s.analytics != nil {
		s.analytics.RecordTransaction(ctx, txn, order, product.OwnerUserID)
	}
	return nil
}

func (s *Service) handleRefund(ctx context.Context, event normalize.Event, partial bool, logCtx context.Context) error {
	txn, order, err := s.ledger.ApplyRefund(ctx, ledger.RefundInput{
		Gateway: event.Processor,
		TxnID:   event.ChargeID,
		Partial: partial,
	})
	if err != nil {
		code := pkgerrors.As(err).Code()
		if code == pkgerrors.CodeNotFound || code == pkgerrors.CodeStateConflict {
			s.logg.Error(logCtx, "refund without usable target", err)
		}
		return err
	}

	s.reportAbuse(ctx, event, order, 1, "refund", logCtx)
	s.revokeAccess(ctx, event, order, txn, typeForRefund(partial), logCtx)
	return nil
}

func (s *Service) handleTermination(ctx context.Context, event normalize.Event, transType enums.TransactionType, logCtx context.Context) error {
	order, err := s.resolveTerminationOrder(ctx, event, transType)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			s.logg.Error(logCtx, "lifecycle event for unknown order", err)
		}
		return err
	}
	product, err := s.catalog.Product(ctx, order.ProductID)
	if err != nil {
		return err
	}

	switch transType {
	case enums.TransactionTypeChargeback:
		order.Status = enums.OrderStatusChargeback
	default:
		order.Status = enums.OrderStatusCancelled
	}
	if err := s.ledger.UpdateOrder(ctx, order, product.OwnerUserID); err != nil {
		return err
	}

	txn, created, err := s.ledger.RecordTransaction(ctx, ledger.TransactionInput{
		OrderID:     order.ID,
		TxnID:       event.ChargeID,
		Gateway:     event.Processor,
		Amount:      event.Amount,
		Currency:    orFallback(event.Currency, order.Currency),
		Date:        event.OccurredAt,
		Type:        transType,
		IpnHash:     event.RawHash,
		IsTest:      order.IsTest,
		OwnerUserID: product.OwnerUserID,
	})
	if err != nil {
		return err
	}
	if !created {
		s.logg.Info(logCtx, "termination already recorded")
		if s.metrics != nil {
			s.metrics.IncDuplicate(string(event.Processor))
		}
		return nil
	}

	if transType == enums.TransactionTypeChargeback {
		s.reportAbuse(ctx, event, order, 2, "chargeback", logCtx)
	}
	s.revokeAccess(ctx, event, order, txn, transType, logCtx)

	if s.analytics != nil {
		s.analytics.RecordTransaction(ctx, txn, order, product.OwnerUserID)
	}
	return nil
}

// resolveTerminationOrder locates the order a lifecycle event terminates.
// Cancellations correlate by subscription, but a chargeback names the charge
// it contests: a dispute on a rebill carries the rebill's charge id where a
// subscription id would be, so the contested transaction is the only safe
// route back to the order.
func (s *Service) resolveTerminationOrder(ctx context.Context, event normalize.Event, transType enums.TransactionType) (*models.ProductOrder, error) {
	if transType == enums.TransactionTypeChargeback && event.DisputedChargeID != "" {
		return s.ledger.OrderByTransaction(ctx, event.Processor, event.DisputedChargeID)
	}
	return s.ledger.OrderBySubscription(ctx, event.Processor, event.SubscriptionID)
}

// resolveCatalog locates the product, pricing and (possibly) existing order
// an event targets. Payments carry catalog ids in their side-channel
// metadata; rebills often do not, so the existing order fills the gap. A
// product that cannot be resolved either way is fatal for the event.
func (s *Service) resolveCatalog(ctx context.Context, event normalize.Event, logCtx context.Context) (*models.Product, *models.ProductPricing, *models.ProductOrder, error) {
	productID := event.ProductID
	pricingID := event.PricingID

	var order *models.ProductOrder
	if productID == uuid.Nil {
		existing, err := s.ledger.OrderBySubscription(ctx, event.Processor, event.SubscriptionID)
		if err != nil {
			if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
				err = pkgerrors.New(pkgerrors.CodeNotFound, "event references no product and no known order")
				s.logg.Error(logCtx, "product unresolvable for event", err)
			}
			return nil, nil, nil, err
		}
		order = existing
		productID = existing.ProductID
		pricingID = existing.PricingID
	}

	product, err := s.catalog.Product(ctx, productID)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			s.logg.Error(logCtx, "product missing from catalog", err)
		}
		return nil, nil, nil, err
	}

	pricing, err := s.catalog.Pricing(ctx, pricingID)
	if err != nil {
		if pkgerrors.As(err).Code() == pkgerrors.CodeNotFound {
			s.ownerNotify(ctx, product.OwnerUserID, enums.NotificationTypeMissingPricing,
				"Missing pricing",
				fmt.Sprintf("Event %s references pricing %s which no longer exists.", event.ChargeID, pricingID),
				logCtx)
		}
		return nil, nil, nil, err
	}
	return product, pricing, order, nil
}

func (s *Service) ensureOrder(ctx context.Context, event normalize.Event, product *models.Product, pricing *models.ProductPricing, customer *models.Customer, flag enums.TestFlag) (*models.ProductOrder, bool, error) {
	var customerID *uuid.UUID
	if customer != nil {
		customerID = &customer.ID
	}
	return s.ledger.EnsureOrder(ctx, ledger.OrderInput{
		CustomerID:   customerID,
		ProductID:    product.ID,
		PricingID:    pricing.ID,
		Amount:       event.Amount,
		Currency:     orFallback(event.Currency, pricing.Currency),
		Processor:    event.Processor,
		Subscription: event.SubscriptionID,
		CouponCode:   event.CouponCode,
		IsTest:       flag,
		OwnerUserID:  product.OwnerUserID,
	})
}

// upsertCustomer is best effort for payment-class events: a payload without
// contact data still books revenue.
func (s *Service) upsertCustomer(ctx context.Context, event normalize.Event, ownerUserID uuid.UUID, logCtx context.Context) *models.Customer {
	if event.Customer.Email == "" {
		return nil
	}
	customer, err := s.ledger.UpsertCustomer(ctx, ledger.CustomerInput{
		PaymentEmail:     event.Customer.Email,
		FirstName:        event.Customer.FirstName,
		LastName:         event.Customer.LastName,
		AddressLine1:     event.Customer.AddressLine1,
		AddressLine2:     event.Customer.AddressLine2,
		City:             event.Customer.City,
		State:            event.Customer.State,
		PostalCode:       event.Customer.PostalCode,
		Country:          event.Customer.Country,
		StripeCustomerID: event.Customer.StripeCustomerID,
		PayPalPayerID:    event.Customer.PayPalPayerID,
		TrackID:          event.TrackID,
	}, ownerUserID)
	if err != nil {
		s.logg.Error(logCtx, "customer upsert failed", err)
		return nil
	}
	return customer
}

func (s *Service) loadOrderCustomer(ctx context.Context, event normalize.Event, order *models.ProductOrder, ownerUserID uuid.UUID, logCtx context.Context) *models.Customer {
	if event.Customer.Email != "" {
		return s.upsertCustomer(ctx, event, ownerUserID, logCtx)
	}
	return nil
}

func (s *Service) redeemCoupon(ctx context.Context, code string, logCtx context.Context) {
	if code == "" {
		return
	}
	if _, err := s.catalog.RedeemCoupon(ctx, code); err != nil {
		s.logg.Error(s.logg.WithField(logCtx, "coupon_code", code), "coupon redemption failed", err)
	}
}

// revokeAccess runs the dispatcher's revocation path. Best effort: the ledger
// already committed and revocation is terminal, not retryable.
func (s *Service) revokeAccess(ctx context.Context, event normalize.Event, order *models.ProductOrder, txn *models.Transaction, transType enums.TransactionType, logCtx context.Context) {
	product, err := s.catalog.Product(ctx, order.ProductID)
	if err != nil {
		s.logg.Error(logCtx, "product lookup for revocation failed", err)
		return
	}
	pricing, err := s.catalog.Pricing(ctx, order.PricingID)
	if err != nil {
		s.logg.Error(logCtx, "pricing lookup for revocation failed", err)
		return
	}
	s.dispatch(ctx, delivery.Input{
		Order:   order,
		Product: product,
		Pricing: pricing,
		Txn:     txn,
		Type:    transType,
	}, product.OwnerUserID, logCtx)
}

// dispatch fires delivery side effects and persists a minted access id. The
// ledger write already committed, so dispatch failures log and ack.
func (s *Service) dispatch(ctx context.Context, in delivery.Input, ownerUserID uuid.UUID, logCtx context.Context) {
	result, err := s.dispatcher.Dispatch(ctx, in)
	if err != nil {
		s.logg.Error(logCtx, "dispatch failed", err)
		return
	}
	if result.Refused {
		s.logg.Warn(s.logg.WithField(logCtx, "refusal_reason", result.RefusalReason), "delivery refused")
		return
	}
	if result.AccessID != "" {
		in.Order.DelivAccessID = result.AccessID
		if err := s.ledger.UpdateOrder(ctx, in.Order, ownerUserID); err != nil {
			s.logg.Error(logCtx, "access id persistence failed", err)
		}
	}
}

// reportAbuse enqueues a severity bump for the buyer's tracking id.
func (s *Service) reportAbuse(ctx context.Context, event normalize.Event, order *models.ProductOrder, severity int, reason string, logCtx context.Context) {
	if s.abuse == nil || event.TrackID == "" || order == nil {
		return
	}
	product, err := s.catalog.Product(ctx, order.ProductID)
	if err != nil {
		s.logg.Error(logCtx, "product lookup for abuse report failed", err)
		return
	}
	err = s.abuse.Publish(ctx, notifications.AbuseIncidentPayload{
		TrackID:     event.TrackID,
		ProductID:   order.ProductID,
		OrderID:     order.ID,
		OwnerUserID: product.OwnerUserID,
		Severity:    severity,
		Reason:      reason,
	})
	if err != nil {
		s.logg.Error(logCtx, "abuse incident publish failed", err)
	}
}

func (s *Service) ownerNotify(ctx context.Context, ownerUserID uuid.UUID, notifType enums.NotificationType, title, message string, logCtx context.Context) {
	err := s.notifier.Notify(ctx, notifications.NotifyInput{
		UserID:  ownerUserID,
		Type:    notifType,
		Title:   title,
		Message: message,
	})
	if err != nil {
		s.logg.Error(logCtx, "owner notification failed", err)
	}
}

func typeForRefund(partial bool) enums.TransactionType {
	if partial {
		return enums.TransactionTypePartialRefund
	}
	return enums.TransactionTypeRefund
}

func orFallback(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
