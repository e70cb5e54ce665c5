package catalog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
)

// Repository reads catalog reference data. Products and pricings belong to a
// separate catalog subsystem; the only writes allowed here are the stock
// counter, the setup-failed flag, coupon use counters and provider plan
// mappings.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	FindPricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error)
	FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	DecrementCouponUses(ctx context.Context, couponID uuid.UUID) (bool, error)
	DecrementStock(ctx context.Context, pricingID uuid.UUID) (int, error)
	MarkSetupFailed(ctx context.Context, pricingID uuid.UUID) error
	UpdateProductPlanSettings(ctx context.Context, productID uuid.UUID, settings json.RawMessage) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a catalog repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *repository) FindPricing(ctx context.Context, id uuid.UUID) (*models.ProductPricing, error) {
	var pricing models.ProductPricing
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&pricing).Error; err != nil {
		return nil, err
	}
	return &pricing, nil
}

func (r *repository) FindCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&coupon).Error; err != nil {
		return nil, err
	}
	return &coupon, nil
}

// DecrementCouponUses consumes one use. Returns false when the coupon is
// exhausted. Unlimited coupons (remaining_uses = -1) always succeed without
// a write.
func (r *repository) DecrementCouponUses(ctx context.Context, couponID uuid.UUID) (bool, error) {
	var coupon models.Coupon
	if err := r.db.WithContext(ctx).Where("id = ?", couponID).First(&coupon).Error; err != nil {
		return false, err
	}
	if coupon.RemainingUses < 0 {
		return true, nil
	}

	result := r.db.WithContext(ctx).
		Model(&models.Coupon{}).
		Where("id = ? AND remaining_uses > 0", couponID).
		UpdateColumn("remaining_uses", gorm.Expr("remaining_uses - 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DecrementStock consumes one stock unit and returns the remaining count.
// Unlimited stock (-1) is left untouched and reported as -1.
func (r *repository) DecrementStock(ctx context.Context, pricingID uuid.UUID) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ProductPricing{}).
		Where("id = ? AND stock > 0", pricingID).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if result.Error != nil {
		return 0, result.Error
	}

	var pricing models.ProductPricing
	if err := r.db.WithContext(ctx).Select("stock").Where("id = ?", pricingID).First(&pricing).Error; err != nil {
		return 0, err
	}
	return pricing.Stock, nil
}

func (r *repository) MarkSetupFailed(ctx context.Context, pricingID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.ProductPricing{}).
		Where("id = ?", pricingID).
		UpdateColumn("setup_failed", true).Error
}

func (r *repository) UpdateProductPlanSettings(ctx context.Context, productID uuid.UUID, settings json.RawMessage) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", productID).
		UpdateColumn("plan_settings", settings).Error
}
