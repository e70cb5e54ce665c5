package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/internal/notifications"
	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
	"github.com/sellforgehq/sellforge-backend/pkg/paypal"
)

type planBilling interface {
	CreatePlan(ctx context.Context, in paypal.CreatePlanInput) (*paypal.Plan, error)
	DeactivatePlan(ctx context.Context, planID string) error
}

type planNotifier interface {
	Notify(ctx context.Context, in notifications.NotifyInput) error
}

// PlanProvisioner lazily creates provider billing plans for recurring
// pricings and records the plan mapping on the product. A provisioning
// failure marks the pricing setup-failed and notifies the owner; the sale
// that triggered it still completes.
type PlanProvisioner struct {
	repo     Repository
	billing  planBilling
	notifier planNotifier
	logg     *logger.Logger
}

// NewPlanProvisioner wires a provisioner against the PayPal billing API.
func NewPlanProvisioner(repo Repository, billing planBilling, notifier planNotifier, logg *logger.Logger) (*PlanProvisioner, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "catalog repository required")
	}
	if billing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "billing client required")
	}
	if notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &PlanProvisioner{repo: repo, billing: billing, notifier: notifier, logg: logg}, nil
}

// EnsurePlan returns the provider plan id mapped to the pricing, creating the
// plan on first use. One-time pricings have no plan and return empty.
func (p *PlanProvisioner) EnsurePlan(ctx context.Context, product *models.Product, pricing *models.ProductPricing) (string, error) {
	if product == nil || pricing == nil {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "product and pricing required")
	}
	if !pricing.RecurringPrice.IsPositive() {
		return "", nil
	}

	settings, err := decodePlanSettings(product.PlanSettings)
	if err != nil {
		return "", err
	}
	if planID := settings.planFor(enums.ProcessorPayPal, pricing.ID); planID != "" {
		return planID, nil
	}

	in := paypal.CreatePlanInput{
		ProductID: product.ID.String(),
		Name:      fmt.Sprintf("%s / %s", product.Name, pricing.Name),
		Currency:  pricing.Currency,
		Price:     pricing.RecurringPrice,
	}
	if pricing.HasTrial && pricing.TrialDays > 0 {
		trial := pricing.TrialPrice
		in.TrialPrice = &trial
		in.TrialDays = pricing.TrialDays
	}
	plan, err := p.billing.CreatePlan(ctx, in)
	if err != nil {
		p.recordFailure(ctx, product, pricing, err)
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create billing plan")
	}

	settings.set(enums.ProcessorPayPal, plan.ID, pricing.ID)
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode plan settings")
	}
	if err := p.repo.UpdateProductPlanSettings(ctx, product.ID, raw); err != nil {
		// the plan exists remotely but nothing references it; retire it
		// rather than leak an unmapped plan on the provider
		if derr := p.billing.DeactivatePlan(ctx, plan.ID); derr != nil {
			p.logg.Error(ctx, "orphaned plan deactivation failed", derr)
		}
		p.recordFailure(ctx, product, pricing, err)
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist plan mapping")
	}
	product.PlanSettings = raw

	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"plan_id":    plan.ID,
		"pricing_id": pricing.ID.String(),
	}), "billing plan provisioned")
	return plan.ID, nil
}

// recordFailure flags the pricing and tells the owner. Both are best effort:
// the triggering sale must still deliver.
func (p *PlanProvisioner) recordFailure(ctx context.Context, product *models.Product, pricing *models.ProductPricing, cause error) {
	p.logg.Error(ctx, "plan provisioning failed", cause)
	if err := p.repo.MarkSetupFailed(ctx, pricing.ID); err != nil {
		p.logg.Error(ctx, "setup-failed flag write failed", err)
	}
	err := p.notifier.Notify(ctx, notifications.NotifyInput{
		UserID: product.OwnerUserID,
		Type:   enums.NotificationTypeSetupFailed,
		Title:  "Billing plan setup failed",
		Message: fmt.Sprintf("Recurring billing for %q (%s) could not be set up with the payment provider. Rebills will not collect until this is fixed.",
			product.Name, pricing.Name),
	})
	if err != nil {
		p.logg.Error(ctx, "setup-failed notification failed", err)
	}
}

func decodePlanSettings(raw json.RawMessage) (planSettings, error) {
	if len(raw) == 0 {
		return planSettings{}, nil
	}
	var settings planSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "decode plan settings")
	}
	if settings == nil {
		settings = planSettings{}
	}
	return settings, nil
}

func (s planSettings) planFor(processor enums.Processor, pricingID uuid.UUID) string {
	for planID, mapped := range s[string(processor)] {
		if mapped == pricingID {
			return planID
		}
	}
	return ""
}

func (s planSettings) set(processor enums.Processor, planID string, pricingID uuid.UUID) {
	key := string(processor)
	if s[key] == nil {
		s[key] = map[string]uuid.UUID{}
	}
	s[key][planID] = pricingID
}
