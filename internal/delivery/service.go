package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/activecampaign"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/sendinblue"
)

const defaultWebhookTimeout = 15 * time.Second

// stock levels that trigger an owner alert; zero gets its own notice.
var stockAlertThresholds = map[int]struct{}{9: {}, 4: {}, 1: {}}

type blacklistReader interface {
	Severity(ctx context.Context, trackID string) (int, error)
}

type checkoutMarker interface {
	MarkPurchased(ctx context.Context, email string, pricingID uuid.UUID, now time.Time) (int64, error)
}

type membershipAccess interface {
	HasActive(ctx context.Context, customerID, productID uuid.UUID) (bool, error)
	Grant(ctx context.Context, customerID, productID uuid.UUID, orderID *uuid.UUID) error
	RevokeByOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type catalogReader interface {
	Pricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error)
	ConsumeStock(ctx context.Context, pricingID uuid.UUID) (int, error)
}

type notifier interface {
	Notify(ctx context.Context, in notifications.NotifyInput) error
}

type gatewayRecorder interface {
	SetPreferredGateway(ctx context.Context, email, gateway string, ttl time.Duration) error
}

type emailSender interface {
	SendTemplateEmail(ctx context.Context, in sendinblue.SendTemplateEmailInput) error
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type contactSyncer interface {
	Subscribe(ctx context.Context, in activecampaign.SubscribeInput) error
}

type subscriptionCanceler interface {
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
}

type planProvisioner interface {
	EnsurePlan(ctx context.Context, product *models.Product, pricing *models.ProductPricing) (string, error)
}

// ServiceParams wires the dispatcher's collaborators. Email and HTTPClient
// are optional; delivery methods that need them fail per-item when absent.
type ServiceParams struct {
	Blacklist   blacklistReader
	Checkouts   checkoutMarker
	Memberships membershipAccess
	Catalog     catalogReader
	Notifier    notifier
	Gateways    gatewayRecorder
	Email       emailSender
	HTTPClient  httpDoer
	// Contacts syncs buyers into the autoresponder list after delivery.
	Contacts contactSyncer
	// Billing cancels PayPal billing agreements when an order is revoked.
	Billing subscriptionCanceler
	// Plans lazily provisions provider billing plans for recurring
	// pricings on their first sale.
	Plans  planProvisioner
	Logger *logger.Logger

	// ProviderBiasTTL is how long a successful gateway is remembered as the
	// customer's preferred one.
	ProviderBiasTTL time.Duration
	// PostNotificationURL is the fallback outbound webhook target when a
	// pricing's delivery config does not name its own.
	PostNotificationURL string
	// RefusalTemplateID, when set, emails the customer on an abuse refusal.
	RefusalTemplateID int64
	// ContactListID is the autoresponder list buyers are subscribed to.
	ContactListID int64
}

// Service fires post-ledger side effects for classified payment events. Every
// step is isolated: a failing step logs and the rest still run, except the
// two explicit refusal gates which stop delivery outright.
type Service struct {
	blacklist   blacklistReader
	checkouts   checkoutMarker
	memberships membershipAccess
	catalog     catalogReader
	notifier    notifier
	gateways    gatewayRecorder
	email       emailSender
	httpClient  httpDoer
	contacts    contactSyncer
	billing     subscriptionCanceler
	plans       planProvisioner
	logg        *logger.Logger

	biasTTL           time.Duration
	webhookURL        string
	refusalTemplateID int64
	contactListID     int64
}

// NewService validates and builds the dispatcher.
func NewService(params ServiceParams) (*Service, error) {
	if params.Blacklist == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "blacklist repository required")
	}
	if params.Checkouts == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "checkouts repository required")
	}
	if params.Memberships == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "memberships service required")
	}
	if params.Catalog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "catalog service required")
	}
	if params.Notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if params.Gateways == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "gateway recorder required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultWebhookTimeout}
	}
	biasTTL := params.ProviderBiasTTL
	if biasTTL <= 0 {
		biasTTL = 6 * time.Hour
	}
	return &Service{
		blacklist:         params.Blacklist,
		checkouts:         params.Checkouts,
		memberships:       params.Memberships,
		catalog:           params.Catalog,
		notifier:          params.Notifier,
		gateways:          params.Gateways,
		email:             params.Email,
		httpClient:        httpClient,
		contacts:          params.Contacts,
		billing:           params.Billing,
		plans:             params.Plans,
		logg:              params.Logger,
		biasTTL:           biasTTL,
		webhookURL:        params.PostNotificationURL,
		refusalTemplateID: params.RefusalTemplateID,
		contactListID:     params.ContactListID,
	}, nil
}

// Input carries the committed ledger state a dispatch works from.
type Input struct {
	Order    *models.ProductOrder
	Product  *models.Product
	Pricing  *models.ProductPricing
	Customer *models.Customer
	Txn      *models.Transaction

	Type enums.TransactionType
	// PrevPricingID is set on upgrades so the outbound webhook can name the
	// plan the customer moved off.
	PrevPricingID *uuid.UUID
}

// Result reports what the dispatch did. AccessID is set when a redirect or
// download delivery minted a fresh access token the caller should persist on
// the order.
type Result struct {
	Refused       bool
	RefusalReason string
	AccessID      string
}

func (in Input) validate() error {
	if in.Order == nil || in.Product == nil || in.Pricing == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "order, product and pricing required")
	}
	if !in.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid transaction type %q", in.Type))
	}
	return nil
}

// Dispatch runs the delivery sequence for a purchase-class event, or the
// revocation path for refund/chargeback/cancellation. The post-notification
// webhook fires for every transaction type either way.
func (s *Service) Dispatch(ctx context.Context, in Input) (*Result, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id":   in.Order.ID.String(),
		"product_id": in.Product.ID.String(),
		"trans_type": string(in.Type),
	})

	if in.Type.IsRevocation() {
		return s.revoke(ctx, in, logCtx)
	}

	// abuse gate
	if refused, reason := s.abuseGate(ctx, in, logCtx); refused {
		return &Result{Refused: true, RefusalReason: reason}, nil
	}

	email := customerEmail(in.Customer)
	if email != "" {
		if _, err := s.checkouts.MarkPurchased(ctx, email, in.Pricing.ID, time.Now().UTC()); err != nil {
			s.logg.Error(logCtx, "abandoned checkout update failed", err)
		}
	}

	// members-only gate
	if in.Pricing.MembersOnly {
		if refused := s.membersOnlyGate(ctx, in, logCtx); refused {
			return &Result{Refused: true, RefusalReason: "members-only pricing without membership"}, nil
		}
	}

	if email != "" {
		if err := s.gateways.SetPreferredGateway(ctx, email, string(in.Order.PaymentProcessor), s.biasTTL); err != nil {
			s.logg.Error(logCtx, "preferred gateway record failed", err)
		}
	}

	s.consumeStock(ctx, in, logCtx)
	s.ensureBillingPlan(ctx, in, logCtx)

	result := &Result{}
	if err := s.deliver(ctx, in, in.Pricing, result, logCtx); err != nil {
		s.logg.Error(logCtx, "delivery method failed", err)
	}

	s.notifySale(ctx, in, logCtx)
	s.deliverCrossSells(ctx, in, logCtx)
	s.syncContact(ctx, in, logCtx)

	return result, nil
}

// syncContact pushes the buyer onto the autoresponder list. Best effort;
// the sale is already delivered by the time this runs.
func (s *Service) syncContact(ctx context.Context, in Input, logCtx context.Context) {
	if s.contacts == nil || s.contactListID <= 0 || in.Customer == nil {
		return
	}
	email := customerEmail(in.Customer)
	if email == "" {
		return
	}
	err := s.contacts.Subscribe(ctx, activecampaign.SubscribeInput{
		Email:     email,
		FirstName: in.Customer.FirstName,
		LastName:  in.Customer.LastName,
		ListID:    s.contactListID,
	})
	if err != nil {
		s.logg.Error(logCtx, "autoresponder contact sync failed", err)
	}
}

// revoke tears down access for refund/chargeback/cancellation events and
// still fires the outbound webhook when one is configured.
func (s *Service) revoke(ctx context.Context, in Input, logCtx context.Context) (*Result, error) {
	revoked, err := s.memberships.RevokeByOrder(ctx, in.Order.ID)
	if err != nil {
		s.logg.Error(logCtx, "membership revocation failed", err)
	} else if revoked > 0 {
		s.logg.Info(logCtx, "membership access revoked")
	}

	// A refunded or charged-back PayPal order still has a live billing
	// agreement provider-side; cancel it so rebills stop. Cancellation
	// events arrive already cancelled.
	if s.billing != nil &&
		in.Order.PaymentProcessor == enums.ProcessorPayPal &&
		in.Type != enums.TransactionTypeCancellation &&
		in.Order.SubscriptionID != "" {
		reason := fmt.Sprintf("order %s revoked (%s)", in.Order.ID, in.Type)
		if err := s.billing.CancelSubscription(ctx, in.Order.SubscriptionID, reason); err != nil {
			s.logg.Error(logCtx, "billing agreement cancel failed", err)
		}
	}

	if in.Pricing.DeliveryMethod == enums.DeliveryMethodPostNotification {
		if err := s.fireWebhook(ctx, in, in.Pricing); err != nil {
			s.logg.Error(logCtx, "post notification failed", err)
		}
	}
	return &Result{}, nil
}

func (s *Service) abuseGate(ctx context.Context, in Input, logCtx context.Context) (bool, string) {
	if in.Product.MaxAbuseSeverity <= 0 || in.Customer == nil || in.Customer.TrackID == "" {
		return false, ""
	}
	severity, err := s.blacklist.Severity(ctx, in.Customer.TrackID)
	if err != nil {
		s.logg.Error(logCtx, "blacklist lookup failed", err)
		return false, ""
	}
	if severity <= in.Product.MaxAbuseSeverity {
		return false, ""
	}

	reason := fmt.Sprintf("severity %d exceeds product limit %d", severity, in.Product.MaxAbuseSeverity)
	s.logg.Warn(s.logg.WithField(logCtx, "track_id", in.Customer.TrackID), "delivery refused for abuse")

	err = s.notifier.Notify(ctx, notifications.NotifyInput{
		UserID:  in.Product.OwnerUserID,
		Type:    enums.NotificationTypeAbuseRefusal,
		Title:   "Delivery refused",
		Message: fmt.Sprintf("Delivery for order %s was refused: %s.", in.Order.ID, reason),
	})
	if err != nil {
		s.logg.Error(logCtx, "owner refusal notification failed", err)
	}

	if s.email != nil && s.refusalTemplateID > 0 && customerEmail(in.Customer) != "" {
		err := s.email.SendTemplateEmail(ctx, sendinblue.SendTemplateEmailInput{
			To:         in.Customer.PaymentEmail,
			TemplateID: s.refusalTemplateID,
			Params:     map[string]any{"order_id": in.Order.ID.String()},
		})
		if err != nil {
			s.logg.Error(logCtx, "customer refusal email failed", err)
		}
	}
	return true, reason
}

func (s *Service) membersOnlyGate(ctx context.Context, in Input, logCtx context.Context) bool {
	if in.Customer == nil {
		s.logg.Warn(logCtx, "members-only pricing without customer")
		return true
	}
	has, err := s.memberships.HasActive(ctx, in.Customer.ID, in.Product.ID)
	if err != nil {
		s.logg.Error(logCtx, "membership lookup failed", err)
		return true
	}
	if has {
		return false
	}

	s.logg.Warn(logCtx, "members-only pricing purchased without membership")
	err = s.notifier.Notify(ctx, notifications.NotifyInput{
		UserID:  in.Product.OwnerUserID,
		Type:    enums.NotificationTypeMembersOnly,
		Title:   "Members-only purchase refused",
		Message: fmt.Sprintf("Order %s bought members-only pricing %q without an active membership.", in.Order.ID, in.Pricing.Name),
	})
	if err != nil {
		s.logg.Error(logCtx, "members-only notification failed", err)
	}
	return true
}

func (s *Service) consumeStock(ctx context.Context, in Input, logCtx context.Context) {
	remaining, err := s.catalog.ConsumeStock(ctx, in.Pricing.ID)
	if err != nil {
		s.logg.Error(logCtx, "stock decrement failed", err)
		return
	}
	if remaining < 0 {
		return
	}

	if remaining == 0 {
		s.ownerNotify(ctx, in, enums.NotificationTypeStockAlert,
			"Out of stock",
			fmt.Sprintf("Pricing %q is out of stock; order %s consumed the last unit.", in.Pricing.Name, in.Order.ID),
			logCtx)
		return
	}
	if _, alert := stockAlertThresholds[remaining]; alert {
		s.ownerNotify(ctx, in, enums.NotificationTypeStockAlert,
			"Stock running low",
			fmt.Sprintf("Pricing %q has %d units left.", in.Pricing.Name, remaining),
			logCtx)
	}
}

// deliver executes the pricing's configured delivery method exactly once.
func (s *Service) deliver(ctx context.Context, in Input, pricing *models.ProductPricing, result *Result, logCtx context.Context) error {
	cfg, err := parseMethodConfig(pricing.DeliveryConfig)
	if err != nil {
		return err
	}

	switch pricing.DeliveryMethod {
	case enums.DeliveryMethodMembership:
		if in.Customer == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "membership delivery requires a customer")
		}
		orderID := in.Order.ID
		return s.memberships.Grant(ctx, in.Customer.ID, pricing.ProductID, &orderID)

	case enums.DeliveryMethodEmail:
		return s.deliverEmail(ctx, in, cfg)

	case enums.DeliveryMethodRedirect:
		return s.deliverLink(ctx, in, cfg.RedirectURL, "redirect", cfg, result)

	case enums.DeliveryMethodDownload:
		return s.deliverLink(ctx, in, cfg.DownloadURL, "download", cfg, result)

	case enums.DeliveryMethodPostNotification:
		return s.fireWebhook(ctx, in, pricing)

	default:
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown delivery method %q", pricing.DeliveryMethod))
	}
}

func (s *Service) deliverEmail(ctx context.Context, in Input, cfg methodConfig) error {
	if s.email == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "email sender not configured")
	}
	email := customerEmail(in.Customer)
	if email == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "email delivery requires a customer email")
	}
	if cfg.TemplateID <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "email delivery config missing template id")
	}
	return s.email.SendTemplateEmail(ctx, sendinblue.SendTemplateEmailInput{
		To:         email,
		TemplateID: cfg.TemplateID,
		Params: map[string]any{
			"order_id":  in.Order.ID.String(),
			"asset_url": cfg.AssetURL,
		},
	})
}

// deliverLink mints a fresh access id, appends it to the configured URL and
// emails the result to the customer.
func (s *Service) deliverLink(ctx context.Context, in Input, rawURL, kind string, cfg methodConfig, result *Result) error {
	if rawURL == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s delivery config missing url", kind))
	}
	if s.email == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "email sender not configured")
	}
	email := customerEmail(in.Customer)
	if email == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s delivery requires a customer email", kind))
	}

	accessID := uuid.NewString()
	separator := "?"
	if strings.Contains(rawURL, "?") {
		separator = "&"
	}
	link := fmt.Sprintf("%s%saccess=%s", rawURL, separator, accessID)

	err := s.email.SendTemplateEmail(ctx, sendinblue.SendTemplateEmailInput{
		To:         email,
		TemplateID: cfg.TemplateID,
		Params: map[string]any{
			"order_id": in.Order.ID.String(),
			"link":     link,
		},
	})
	if err != nil {
		return err
	}
	result.AccessID = accessID
	return nil
}

// webhookPayload is the enriched body posted to the downstream system.
type webhookPayload struct {
	Event         string     `json:"event"`
	OrderID       uuid.UUID  `json:"order_id"`
	ProductID     uuid.UUID  `json:"product_id"`
	PricingID     uuid.UUID  `json:"pricing_id"`
	PrevPricingID *uuid.UUID `json:"prev_pricing_id,omitempty"`
	TxnID         string     `json:"txn_id,omitempty"`
	Gateway       string     `json:"gateway"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	IsTest        int        `json:"is_test"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

func (s *Service) fireWebhook(ctx context.Context, in Input, pricing *models.ProductPricing) error {
	cfg, err := parseMethodConfig(pricing.DeliveryConfig)
	if err != nil {
		return err
	}
	target := cfg.WebhookURL
	if target == "" {
		target = s.webhookURL
	}
	if target == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "post notification url not configured")
	}

	payload := webhookPayload{
		Event:         string(in.Type),
		OrderID:       in.Order.ID,
		ProductID:     in.Product.ID,
		PricingID:     pricing.ID,
		PrevPricingID: in.PrevPricingID,
		Gateway:       string(in.Order.PaymentProcessor),
		Amount:        in.Order.Amount.StringFixed(2),
		Currency:      in.Order.Currency,
		CustomerEmail: customerEmail(in.Customer),
		IsTest:        int(in.Order.IsTest),
		OccurredAt:    time.Now().UTC(),
	}
	if in.Txn != nil {
		payload.TxnID = in.Txn.TxnID
		payload.Amount = in.Txn.TransAmount.StringFixed(2)
		payload.Currency = in.Txn.TransCurrency
		payload.OccurredAt = in.Txn.TransDate
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "post notification")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("post notification returned %d", resp.StatusCode))
	}
	return nil
}

func (s *Service) notifySale(ctx context.Context, in Input, logCtx context.Context) {
	if !in.Product.NotifyOnSale {
		return
	}
	amount := in.Order.Amount
	currency := in.Order.Currency
	if in.Txn != nil {
		amount = in.Txn.TransAmount
		currency = in.Txn.TransCurrency
	}
	s.ownerNotify(ctx, in, enums.NotificationTypeSale,
		"New sale",
		fmt.Sprintf("%s sold for %s %s.", in.Product.Name, amount.StringFixed(2), currency),
		logCtx)
}

// ensureBillingPlan lazily provisions the provider-side billing plan a
// recurring PayPal pricing rebills against. The provisioner flags the
// pricing and notifies the owner on failure; the sale still delivers.
func (s *Service) ensureBillingPlan(ctx context.Context, in Input, logCtx context.Context) {
	if s.plans == nil || in.Type != enums.TransactionTypePurchase {
		return
	}
	if in.Order.PaymentProcessor != enums.ProcessorPayPal || !in.Pricing.RecurringPrice.IsPositive() {
		return
	}
	if _, err := s.plans.EnsurePlan(ctx, in.Product, in.Pricing); err != nil {
		s.logg.Error(logCtx, "billing plan provisioning failed", err)
	}
}

// deliverCrossSells delivers each bundled sibling pricing independently. A
// misconfigured item logs and the rest still deliver.
func (s *Service) deliverCrossSells(ctx context.Context, in Input, logCtx context.Context) {
	if len(in.Pricing.CrossSellIDs) == 0 {
		return
	}
	var failures error
	for _, pricingID := range in.Pricing.CrossSellIDs {
		pricing, err := s.catalog.Pricing(ctx, pricingID)
		if err != nil {
			failures = multierr.Append(failures, fmt.Errorf("cross-sell %s: %w", pricingID, err))
			continue
		}
		discard := &Result{}
		if err := s.deliver(ctx, in, pricing, discard, logCtx); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("cross-sell %s: %w", pricingID, err))
		}
	}
	if failures != nil {
		s.logg.Error(logCtx, "cross-sell delivery incomplete", failures)
	}
}

func (s *Service) ownerNotify(ctx context.Context, in Input, notifType enums.NotificationType, title, message string, logCtx context.Context) {
	err := s.notifier.Notify(ctx, notifications.NotifyInput{
		UserID:  in.Product.OwnerUserID,
		Type:    notifType,
		Title:   title,
		Message: message,
	})
	if err != nil {
		s.logg.Error(logCtx, "owner notification failed", err)
	}
}

// methodConfig is the per-pricing delivery configuration JSON.
type methodConfig struct {
	TemplateID  int64  `json:"template_id,omitempty"`
	AssetURL    string `json:"asset_url,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}

func parseMethodConfig(raw string) (methodConfig, error) {
	var cfg methodConfig
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse delivery config")
	}
	return cfg, nil
}

func customerEmail(customer *models.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.PaymentEmail
}
