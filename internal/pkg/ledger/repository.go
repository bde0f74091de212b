package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/ContentPass/app/models"
	"gorm.io/gorm"
)

// Repository provides DB operations used by the ledger service.
type Repository interface {
	Insert(ctx context.Context, p *models.Purchase) error
	FindByIdempotencyKey(ctx context.Context, email, key string, transactionID *string) (*models.Purchase, error)
	PromoteToCompleted(ctx context.Context, id uint) (bool, error)
	ListCompleted(ctx context.Context, identity Identity) ([]models.Purchase, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]models.Purchase, error)
	List(ctx context.Context, filter ListFilter) ([]models.Purchase, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Insert(ctx context.Context, p *models.Purchase) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) FindByIdempotencyKey(ctx context.Context, email, key string, transactionID *string) (*models.Purchase, error) {
	q := r.db.WithContext(ctx).Where("email = ? AND canonical_product_key = ?", email, key)
	if transactionID == nil {
		q = q.Where("transaction_id IS NULL")
	} else {
		q = q.Where("transaction_id = ?", *transactionID)
	}

	var p models.Purchase
	if err := q.Order("id ASC").First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) PromoteToCompleted(ctx context.Context, id uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("id = ? AND status = ?", id, models.PurchaseStatusPending).
		Update("status", models.PurchaseStatusCompleted)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListCompleted(ctx context.Context, identity Identity) ([]models.Purchase, error) {
	var purchases []models.Purchase
	q := r.db.WithContext(ctx).Where("status = ?", models.PurchaseStatusCompleted)
	switch {
	case identity.AccountID != "" && identity.Email != "":
		q = q.Where("(account_id = ? OR email = ?)", identity.AccountID, identity.Email)
	case identity.AccountID != "":
		q = q.Where("account_id = ?", identity.AccountID)
	case identity.Email != "":
		q = q.Where("email = ?", identity.Email)
	default:
		return purchases, nil
	}
	err := q.Order("created_at DESC").Order("id DESC").Find(&purchases).Error
	return purchases, err
}

func (r *gormRepository) ListByTransaction(ctx context.Context, transactionID string) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&purchases).Error
	return purchases, err
}

func (r *gormRepository) List(ctx context.Context, filter ListFilter) ([]models.Purchase, error) {
	q := r.db.WithContext(ctx).Model(&models.Purchase{})
	if filter.Email != "" {
		q = q.Where("email = ?", models.NormalizeEmail(filter.Email))
	}
	if filter.AccountID != "" {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.TransactionID != "" {
		q = q.Where("transaction_id = ?", filter.TransactionID)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.UnmappedOnly {
		q = q.Where("unmapped = ?", true)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var purchases []models.Purchase
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&purchases).Error
	return purchases, err
}

// isDuplicate recognizes unique violations. TranslateError maps them to
// gorm.ErrDuplicatedKey; the string checks cover dialects or wrappers that
// bypass the translator.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
