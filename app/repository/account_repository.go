package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/ContentPass/app/models"
	"gorm.io/gorm"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

// Create creates a new account in the database
func (r *accountRepository) Create(account *models.Account) error {
	return r.db.Create(account).Error
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(id string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetByEmail retrieves an account by its normalized email address
func (r *accountRepository) GetByEmail(email string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("email = ?", models.NormalizeEmail(email)).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) TouchLastLogin(id string) error {
	now := time.Now()
	return r.db.Model(&models.Account{}).Where("id = ?", id).Update("last_login_at", &now).Error
}

// IsOperator reports whether an active account has the operator role.
// Unknown accounts are not operators.
func (r *accountRepository) IsOperator(ctx context.Context, id string) (bool, error) {
	var account models.Account
	err := r.db.WithContext(ctx).Select("id", "role", "status").Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return account.IsOperator() && account.Status == models.STATUS_ACTIVE, nil
}
