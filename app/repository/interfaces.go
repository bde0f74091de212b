package repository

import (
	"context"

	"github.com/ManuelReschke/ContentPass/app/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountRepository defines the interface for account-related database operations
type AccountRepository interface {
	Create(account *models.Account) error
	GetByID(id string) (*models.Account, error)
	GetByEmail(email string) (*models.Account, error)
	TouchLastLogin(id string) error
	IsOperator(ctx context.Context, id string) (bool, error)
}

// WebhookEventRepository persists checkout webhook deliveries for idempotent processing
type WebhookEventRepository interface {
	CreateIfNotExists(event *models.CheckoutWebhookEvent) (bool, *models.CheckoutWebhookEvent, error)
	MarkProcessed(id uint, processingError string, outcome datatypes.JSON) error
	List(offset, limit int, failedOnly bool) ([]models.CheckoutWebhookEvent, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Account      AccountRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:      NewAccountRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}
