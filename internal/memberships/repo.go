package memberships

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// Repository persists customer/product membership grants.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, customerID, productID uuid.UUID) (*models.Membership, error)
	Upsert(ctx context.Context, membership *models.Membership) error
	RevokeByOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a memberships repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, customerID, productID uuid.UUID) (*models.Membership, error) {
	var membership models.Membership
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND product_id = ?", customerID, productID).
		First(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// Upsert creates the membership or reactivates a revoked one. The
// (customer_id, product_id) pair is unique for the row's lifetime.
func (r *repository) Upsert(ctx context.Context, membership *models.Membership) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "customer_id"}, {Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":     string(enums.MembershipStatusActive),
				"order_id":   membership.OrderID,
				"revoked_at": nil,
			}),
		}).
		Create(membership).Error
}

func (r *repository) RevokeByOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Membership{}).
		Where("order_id = ? AND status = ?", orderID, enums.MembershipStatusActive).
		Updates(map[string]any{"status": enums.MembershipStatusRevoked, "revoked_at": now})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
