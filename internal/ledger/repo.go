package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellforgehq/sellforge-backend/pkg/db/models"
	"github.com/sellforgehq/sellforge-backend/pkg/enums"
)

// Repository manages persistence for the customer/order/transaction ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	CreateCustomer(ctx context.Context, customer *models.Customer) error
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	FindOrderByID(ctx context.Context, id uuid.UUID) (*models.ProductOrder, error)
	FindOrderBySubscription(ctx context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error)
	CreateOrder(ctx context.Context, order *models.ProductOrder) error
	SaveOrder(ctx context.Context, order *models.ProductOrder) error

	FindProductOwner(ctx context.Context, productID uuid.UUID) (uuid.UUID, error)

	FindTransaction(ctx context.Context, gateway enums.Processor, txnID string) (*models.Transaction, error)
	TransactionExistsByHash(ctx context.Context, hash string) (bool, error)
	ListTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error)
	CreateTransaction(ctx context.Context, txn *models.Transaction) error
	MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	var customer models.Customer
	if err := r.db.WithContext(ctx).Where("payment_email = ?", email).First(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repository) CreateCustomer(ctx context.Context, customer *models.Customer) error {
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *repository) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	return r.db.WithContext(ctx).Save(customer).Error
}

func (r *repository) FindOrderByID(ctx context.Context, id uuid.UUID) (*models.ProductOrder, error) {
	var order models.ProductOrder
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindOrderBySubscription(ctx context.Context, processor enums.Processor, subscriptionID string) (*models.ProductOrder, error) {
	var order models.ProductOrder
	err := r.db.WithContext(ctx).
		Where("payment_processor = ? AND subscription_id = ?", processor, subscriptionID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) CreateOrder(ctx context.Context, order *models.ProductOrder) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) SaveOrder(ctx context.Context, order *models.ProductOrder) error {
	return r.db.WithContext(ctx).Save(order).Error
}

func (r *repository) FindProductOwner(ctx context.Context, productID uuid.UUID) (uuid.UUID, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Select("owner_user_id").
		Where("id = ?", productID).
		First(&product).Error
	if err != nil {
		return uuid.Nil, err
	}
	return product.OwnerUserID, nil
}

func (r *repository) FindTransaction(ctx context.Context, gateway enums.Processor, txnID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("trans_gateway = ? AND txn_id = ?", gateway, txnID).
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) TransactionExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("ipn_hash = ?", hash).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repository) ListTransactionsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) MarkTransactionRefunded(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		UpdateColumn("is_refunded", true).Error
}
