package repository

import (
	"time"

	"github.com/ManuelReschke/ContentPass/app/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a webhook event repository backed by GORM.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// CreateIfNotExists inserts the event unless (provider, provider_event_id)
// already exists and returns the stored row either way.
func (r *webhookEventRepository) CreateIfNotExists(event *models.CheckoutWebhookEvent) (bool, *models.CheckoutWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.CheckoutWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *webhookEventRepository) MarkProcessed(id uint, processingError string, outcome datatypes.JSON) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	if len(outcome) > 0 {
		updates["outcome"] = outcome
	}
	return r.db.Model(&models.CheckoutWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// List returns deliveries newest first. failedOnly keeps rows with a
// processing error or that were never processed.
func (r *webhookEventRepository) List(offset, limit int, failedOnly bool) ([]models.CheckoutWebhookEvent, error) {
	q := r.db.Model(&models.CheckoutWebhookEvent{})
	if failedOnly {
		q = q.Where("processing_error <> '' OR processed_at IS NULL")
	}
	var events []models.CheckoutWebhookEvent
	err := q.Order("id DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, err
}
