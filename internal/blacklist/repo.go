package blacklist

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
)

// Repository reads and raises abuse severity scores keyed by tracking id.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Severity(ctx context.Context, trackID string) (int, error)
	RaiseSeverity(ctx context.Context, trackID string, delta int, reason string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a blacklist repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Severity returns 0 for unknown tracking ids.
func (r *repository) Severity(ctx context.Context, trackID string) (int, error) {
	if trackID == "" {
		return 0, nil
	}
	var entry models.BlacklistEntry
	err := r.db.WithContext(ctx).Where("track_id = ?", trackID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.Severity, nil
}

// RaiseSeverity bumps the score, creating the entry on first sight.
func (r *repository) RaiseSeverity(ctx context.Context, trackID string, delta int, reason string) error {
	if trackID == "" || delta <= 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "track_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"severity": gorm.Expr("blacklist_entries.severity + ?", delta),
				"reason":   reason,
			}),
		}).
		Create(&models.BlacklistEntry{TrackID: trackID, Severity: delta, Reason: reason}).Error
}
