package checkouts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
)

// Repository manages abandoned checkout records.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Record(ctx context.Context, checkout *models.AbandonedCheckout) error
	MarkPurchased(ctx context.Context, email string, pricingID uuid.UUID, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a checkouts repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Record(ctx context.Context, checkout *models.AbandonedCheckout) error {
	return r.db.WithContext(ctx).Create(checkout).Error
}

// MarkPurchased closes any open abandoned checkout for the email/pricing
// pair and reports how many rows flipped.
func (r *repository) MarkPurchased(ctx context.Context, email string, pricingID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AbandonedCheckout{}).
		Where("email = ? AND pricing_id = ? AND purchased = false", email, pricingID).
		Updates(map[string]any{"purchased": true, "purchased_at": now})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
