package ipn

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// RawLogRepository appends inbound webhook payloads to the audit log. Rows
// are written before any processing and never updated, so every event can be
// replayed from here.
type RawLogRepository interface {
	WithTx(tx *gorm.DB) RawLogRepository
	Append(ctx context.Context, processor enums.Processor, transactionType string, payload json.RawMessage) (*models.IpnRawLog, error)
}

type rawLogRepository struct {
	db *gorm.DB
}

// NewRawLogRepository returns a raw-log repository bound to the provided database.
func NewRawLogRepository(db *gorm.DB) RawLogRepository {
	return &rawLogRepository{db: db}
}

func (r *rawLogRepository) WithTx(tx *gorm.DB) RawLogRepository {
	if tx == nil {
		return r
	}
	return &rawLogRepository{db: tx}
}

func (r *rawLogRepository) Append(ctx context.Context, processor enums.Processor, transactionType string, payload json.RawMessage) (*models.IpnRawLog, error) {
	row := &models.IpnRawLog{
		Processor:       processor,
		TransactionType: transactionType,
		IpnData:         payload,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}
