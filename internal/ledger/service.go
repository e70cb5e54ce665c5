package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

const orderSubscriptionConstraint = "ux_orders_gateway_subscription"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type cacheFlusher interface {
	FlushTag(ctx context.Context, tags ...string) error
}

// ServiceParams wires the ledger writer's dependencies.
type ServiceParams struct {
	Repo              Repository
	TransactionRunner txRunner
	Cache             cacheFlusher
	Logger            *logger.Logger
}

// Service applies classified payment events to the customer/order/transaction
// ledger. All writes flush the affected cache tags before returning, in the
// same invocation; readers must never observe stale customer or owner data.
type Service struct {
	repo     Repository
	txRunner txRunner
	cache    cacheFlusher
	logg     *logger.Logger
}

// NewService validates and builds the ledger writer.
func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repo required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.Cache == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "cache client required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		repo:     params.Repo,
		txRunner: params.TransactionRunner,
		cache:    params.Cache,
		logg:     params.Logger,
	}, nil
}

// CustomerInput carries contact fields extracted from a provider payload.
// Empty fields are treated as unknown, not as deletions.
type CustomerInput struct {
	PaymentEmail string
	FirstName    string
	LastName     string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string

	StripeCustomerID string
	PayPalPayerID    string
	TrackID          string
}

// UpsertCustomer creates or merge-updates the customer keyed by payment
// email. Fields the payload omits never overwrite previously known values.
func (s *Service) UpsertCustomer(ctx context.Context, in CustomerInput, ownerUserID uuid.UUID) (*models.Customer, error) {
	if in.PaymentEmail == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment email required")
	}

	customer, err := s.repo.FindCustomerByEmail(ctx, in.PaymentEmail)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find customer")
	}

	if customer == nil {
		customer = &models.Customer{PaymentEmail: in.PaymentEmail}
		mergeCustomer(customer, in)
		if err := s.repo.CreateCustomer(ctx, customer); err != nil {
			if db.IsUniqueViolation(err, "") {
				// lost a concurrent create; re-read and merge instead
				return s.UpsertCustomer(ctx, in, ownerUserID)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create customer")
		}
	} else if mergeCustomer(customer, in) {
		if err := s.repo.SaveCustomer(ctx, customer); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update customer")
		}
	}

	s.flushTags(ctx, customer.ID, ownerUserID)
	return customer, nil
}

// mergeCustomer copies non-empty input fields onto the customer and reports
// whether anything changed.
func mergeCustomer(customer *models.Customer, in CustomerInput) bool {
	changed := false
	assign := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	assign(&customer.FirstName, in.FirstName)
	assign(&customer.LastName, in.LastName)
	assign(&customer.AddressLine1, in.AddressLine1)
	assign(&customer.AddressLine2, in.AddressLine2)
	assign(&customer.City, in.City)
	assign(&customer.State, in.State)
	assign(&customer.PostalCode, in.PostalCode)
	assign(&customer.Country, in.Country)
	assign(&customer.StripeCustomerID, in.StripeCustomerID)
	assign(&customer.PayPalPayerID, in.PayPalPayerID)
	assign(&customer.TrackID, in.TrackID)
	return changed
}

// OrderInput describes the order state a payment or activation event wants to
// establish for its subscription id.
type OrderInput struct {
	CustomerID  *uuid.UUID
	ProductID   uuid.UUID
	PricingID   uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Processor   enums.Processor
	Subscription string
	CouponCode  string
	IsTest      enums.TestFlag
	OwnerUserID uuid.UUID
}

// EnsureOrder creates the order for (processor, subscription id) or, when one
// already exists, backfills it with whatever this event knows and the stored
// row is missing. Two workers racing to create resolve through the unique
// constraint: the loser re-reads and takes the backfill path.
func (s *Service) EnsureOrder(ctx context.Context, in OrderInput) (*models.ProductOrder, bool, error) {
	if in.Subscription == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "subscription id required")
	}
	if !in.Processor.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid processor %q", in.Processor))
	}
	if in.ProductID == uuid.Nil || in.PricingID == uuid.Nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "product and pricing ids required")
	}

	var order *models.ProductOrder
	created := false
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		existing, err := repo.FindOrderBySubscription(ctx, in.Processor, in.Subscription)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil {
			if backfillOrder(existing, in) {
				if err := repo.SaveOrder(ctx, existing); err != nil {
					return err
				}
			}
			order = existing
			return nil
		}

		fresh := &models.ProductOrder{
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
		}
		if err := repo.CreateOrder(ctx, fresh); err != nil {
			if db.IsUniqueViolation(err, orderSubscriptionConstraint) {
				loser, readErr := repo.FindOrderBySubscription(ctx, in.Processor, in.Subscription)
				if readErr != nil {
					return readErr
				}
				if backfillOrder(loser, in) {
					if err := repo.SaveOrder(ctx, loser); err != nil {
						return err
					}
				}
				order = loser
				return nil
			}
			return err
		}
		order = fresh
		created = true
		return nil
	})
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure order")
	}

	s.flushOrderTags(ctx, order, in.OwnerUserID)
	return order, created, nil
}

// backfillOrder merges event data onto an existing order: customer from
// activation events, amount from payment events, coupon from either. Reports
// whether anything changed.
func backfillOrder(order *models.ProductOrder, in OrderInput) bool {
	changed := false
	if order.CustomerID == nil && in.CustomerID != nil {
		order.CustomerID = in.CustomerID
		changed = true
	}
	if order.Amount.IsZero() && in.Amount.IsPositive() {
		order.Amount = in.Amount
		changed = true
	}
	if order.Currency == "" && in.Currency != "" {
		order.Currency = in.Currency
		changed = true
	}
	if order.CouponCode == "" && in.CouponCode != "" {
		order.CouponCode = in.CouponCode
		changed = true
	}
	if order.IsTest == enums.TestFlagLive && in.IsTest != enums.TestFlagLive {
		order.IsTest = in.IsTest
		changed = true
	}
	return changed
}

// UpdateOrder persists in-place lifecycle mutations (status, pricing swap on
// upgrade, customer backfill) and flushes the affected tags.
func (s *Service) UpdateOrder(ctx context.Context, order *models.ProductOrder, ownerUserID uuid.UUID) error {
	if order == nil || order.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order required")
	}
	if err := s.repo.SaveOrder(ctx, order); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save order")
	}
	s.flushOrderTags(ctx, order, ownerUserID)
	return nil
}

// OrderBySubscription resolves the open order for a lifecycle event. Not
// finding one is reported as CodeNotFound; callers decide whether that is
// fatal for the event.
func (s *Service) OrderBySubscription(ctx context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error) {
	order, err := s.repo.FindOrderBySubscription(ctx, processor, subscriptionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for subscription")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find order")
	}
	return order, nil
}

// OrderByTransaction resolves the order that recorded a provider charge.
// Chargebacks arrive keyed by the disputed charge, not the subscription, so
// the contested transaction row is the only reliable way back to the order.
func (s *Service) OrderByTransaction(ctx context.Context, gateway enums.Processor, txnID string) (*models.ProductOrder, error) {
	if txnID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "txn id required")
	}
	txn, err := s.repo.FindTransaction(ctx, gateway, txnID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for transaction")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find transaction")
	}
	order, err := s.repo.FindOrderByID(ctx, txn.OrderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for transaction")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find order")
	}
	return order, nil
}

// TransactionsForOrder lists the order's transactions oldest first.
func (s *Service) TransactionsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	txns, err := s.repo.ListTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}
	return txns, nil
}

// SeenHash reports whether a payload with this hash already produced a
// transaction row.
func (s *Service) SeenHash(ctx context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	seen, err := s.repo.TransactionExistsByHash(ctx, hash)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check ipn hash")
	}
	return seen, nil
}

// TransactionInput records one discrete monetary event against an order.
type TransactionInput struct {
	OrderID     uuid.UUID
	TxnID       string
	Gateway     enums.Processor
	Amount      decimal.Decimal
	Currency    string
	Date        time.Time
	Type        enums.TransactionType
	IsRebill    bool
	IpnHash     string
	IsTest      enums.TestFlag
	OwnerUserID uuid.UUID
}

// RecordTransaction writes exactly one row per distinct provider event.
// Redelivery of an already recorded txn id returns the stored row with
// created=false instead of erroring.
func (s *Service) RecordTransaction(ctx context.Context, in TransactionInput) (*models.Transaction, bool, error) {
	if in.OrderID == uuid.Nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if in.TxnID == "" {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "txn id required")
	}
	if !in.Type.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", in.Type))
	}

	existing, err := s.repo.FindTransaction(ctx, in.Gateway, in.TxnID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find transaction")
	}
	if existing != nil {
		return existing, false, nil
	}

	txn := &models.Transaction{
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
	}
	if txn.TransDate.IsZero() {
		txn.TransDate = time.Now().UTC()
	}

	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		if db.IsUniqueViolation(err, "") {
			stored, readErr := s.repo.FindTransaction(ctx, in.Gateway, in.TxnID)
			if readErr != nil {
				return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, readErr, "re-read transaction")
			}
			return stored, false, nil
		}
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create transaction")
	}
	return txn, true, nil
}

// RefundInput marks an existing transaction refunded and transitions its
// order.
type RefundInput struct {
	Gateway enums.Processor
	TxnID   string
	Partial bool
}

// ApplyRefund flips is_refunded on the matching non-refunded transaction and
// moves the order to refunded or partial_refund. A missing or already
// refunded target is fatal for the event: redelivery of a refund webhook must
// never produce a second refund.
func (s *Service) ApplyRefund(ctx context.Context, in RefundInput) (*models.Transaction, *models.ProductOrder, error) {
	if in.TxnID == "" {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "txn id required")
	}

	txn, err := s.repo.FindTransaction(ctx, in.Gateway, in.TxnID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "refund target transaction not found")
	}
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find refund target")
	}
	if txn.IsRefunded {
		return nil, nil, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction already refunded")
	}

	var order *models.ProductOrder
	err = s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.MarkTransactionRefunded(ctx, txn.ID); err != nil {
			return err
		}

		stored, err := repo.FindOrderByID(ctx, txn.OrderID)
		if err != nil {
			return err
		}
		if in.Partial {
			stored.Status = enums.OrderStatusPartialRefund
		} else {
			stored.Status = enums.OrderStatusRefunded
		}
		if err := repo.SaveOrder(ctx, stored); err != nil {
			return err
		}
		order = stored
		return nil
	})
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply refund")
	}

	txn.IsRefunded = true
	// Refund events carry no owner context, so the order's product is the
	// source of truth for the owner-scoped tag.
	ownerUserID, resolveErr := s.repo.FindProductOwner(ctx, order.ProductID)
	if resolveErr != nil {
		s.logg.Error(ctx, "owner lookup for refund tag flush failed", resolveErr)
	}
	s.flushOrderTags(ctx, order, ownerUserID)
	return txn, order, nil
}

func (s *Service) flushOrderTags(ctx context.Context, order *models.ProductOrder, ownerUserID uuid.UUID) {
	if order == nil {
		return
	}
	customerID := uuid.Nil
	if order.CustomerID != nil {
		customerID = *order.CustomerID
	}
	s.flushTags(ctx, customerID, ownerUserID)
}

// flushTags invalidates the customer- and owner-scoped cache tags. Failures
// are logged, not returned: the ledger write already committed and the
// provider will not redeliver just to retry a cache flush.
func (s *Service) flushTags(ctx context.Context, customerID, ownerUserID uuid.UUID) {
	tags := make([]string, 0, 2)
	if customerID != uuid.Nil {
		tags = append(tags, "customer:"+customerID.String())
	}
	if ownerUserID != uuid.Nil {
		tags = append(tags, "owner:"+ownerUserID.String())
	}
	if len(tags) == 0 {
		return
	}
	if err := s.cache.FlushTag(ctx, tags...); err != nil {
		s.logg.Error(ctx, "cache tag flush failed", err)
	}
}
