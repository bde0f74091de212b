package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkout provider constants.
const (
	CheckoutProviderDefault = "checkout"
)

// CheckoutWebhookEvent stores provider webhook payloads with deduplication
// metadata for idempotent processing.
type CheckoutWebhookEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:varchar(20);not null;index:ux_checkout_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string         `gorm:"type:varchar(191);not null;default:'';index:ux_checkout_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	TransactionID   string         `gorm:"type:varchar(191);not null;default:'';index" json:"transaction_id"`
	PayloadJSON     string         `gorm:"type:text;not null" json:"payload_json"`
	SignatureValid  bool           `gorm:"default:false;index" json:"signature_valid"`
	ProcessedAt     *time.Time     `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	Outcome         datatypes.JSON `gorm:"default:null" json:"outcome,omitempty"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CheckoutWebhookEvent) TableName() string {
	return "checkout_webhook_events"
}
