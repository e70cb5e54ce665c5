package catalog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
)

// Service defines catalog lookups used by the reconciliation pipeline.
type Service interface {
	Product(ctx context.Context, id uuid.UUID) (*models.Product, error)
	Pricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error)
	// ResolvePlanPricing maps a provider plan id to an internal pricing row
	// through the product's plan settings.
	ResolvePlanPricing(ctx context.Context, product *models.Product, processor enums.Processor, planID string) (*models.ProductPricing, error)
	RedeemCoupon(ctx context.Context, code string) (*models.Coupon, error)
	ConsumeStock(ctx context.Context, pricingID uuid.UUID) (int, error)
	MarkSetupFailed(ctx context.Context, pricingID uuid.UUID) error
}

type service struct {
	repo Repository
}

// NewService wires a catalog service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "catalog repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Product(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	product, err := s.repo.FindProduct(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find product")
	}
	return product, nil
}

func (s *service) Pricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "pricing id required")
	}
	pricing, err := s.repo.FindPricing(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pricing not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find pricing")
	}
	return pricing, nil
}

// planSettings is the shape of Product.PlanSettings: provider plan ids keyed
// per gateway, each pointing at an internal pricing id.
type planSettings map[string]map[string]uuid.UUID

func (s *service) ResolvePlanPricing(ctx context.Context, product *models.Product, processor enums.Processor, planID string) (*models.ProductPricing, error) {
	if product == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product required")
	}
	if planID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan id required")
	}
	if len(product.PlanSettings) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product has no plan settings")
	}

	var settings planSettings
	if err := json.Unmarshal(product.PlanSettings, &settings); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStateConflict, err, "decode plan settings")
	}

	pricingID, ok := settings[string(processor)][planID]
	if !ok || pricingID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "plan id not mapped to a pricing")
	}
	return s.Pricing(ctx, pricingID)
}

func (s *service) RedeemCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	if code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "coupon code required")
	}
	coupon, err := s.repo.FindCouponByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find coupon")
	}

	ok, err := s.repo.DecrementCouponUses(ctx, coupon.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decrement coupon uses")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "coupon exhausted")
	}
	return coupon, nil
}

func (s *service) ConsumeStock(ctx context.Context, pricingID uuid.UUID) (int, error) {
	if pricingID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "pricing id required")
	}
	remaining, err := s.repo.DecrementStock(ctx, pricingID)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decrement stock")
	}
	return remaining, nil
}

func (s *service) MarkSetupFailed(ctx context.Context, pricingID uuid.UUID) error {
	if pricingID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "pricing id required")
	}
	if err := s.repo.MarkSetupFailed(ctx, pricingID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark setup failed")
	}
	return nil
}
