package models

import "time"

const (
	PurchaseStatusCompleted = "completed"
	PurchaseStatusPending   = "pending"
)

// Purchase sources. Event and reconciliation writes go through the same
// normalize+upsert path; manual writes come from operators and carry no
// transaction id.
const (
	PurchaseSourceEvent          = "event"
	PurchaseSourceReconciliation = "reconciliation"
	PurchaseSourceManual         = "manual"
)

// Purchase is one ledger row: an email (and optionally an account) bought a
// canonical product in a checkout transaction.
//
// Idempotency is enforced by two partial unique indexes: one on
// (email, canonical key, transaction id) for provider writes and one on
// (email, canonical key) for writes without a transaction id. MySQL has no
// partial indexes, there the migration keeps only the first (NULLs are
// distinct) and manual writes rely on a pre-read.
type Purchase struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Email               string    `gorm:"type:varchar(200);not null;index;uniqueIndex:ux_purchases_email_product_tx,priority:1,where:transaction_id IS NOT NULL;uniqueIndex:ux_purchases_email_product_manual,priority:1,where:transaction_id IS NULL" json:"email"`
	AccountID           *string   `gorm:"type:varchar(64);default:null;index" json:"account_id"`
	CanonicalProductKey string    `gorm:"type:varchar(191);not null;index;uniqueIndex:ux_purchases_email_product_tx,priority:2,where:transaction_id IS NOT NULL;uniqueIndex:ux_purchases_email_product_manual,priority:2,where:transaction_id IS NULL" json:"canonical_product_key"`
	RawProductID        string    `gorm:"type:text;not null" json:"raw_product_id"`
	TransactionID       *string   `gorm:"type:varchar(191);default:null;index;uniqueIndex:ux_purchases_email_product_tx,priority:3,where:transaction_id IS NOT NULL" json:"transaction_id"`
	Amount              float64   `gorm:"type:decimal(12,2);not null;default:0" json:"amount"`
	Status              string    `gorm:"type:varchar(16);not null;default:'completed';index" json:"status"`
	Source              string    `gorm:"type:varchar(16);not null" json:"source"`
	Unmapped            bool      `gorm:"not null;default:false" json:"unmapped"`
	CreatedAt           time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Purchase) TableName() string {
	return "purchases"
}

// IsCompleted reports whether the purchase grants access.
func (p *Purchase) IsCompleted() bool {
	return p.Status == PurchaseStatusCompleted
}

// AccountIDValue returns the linked account id or "".
func (p *Purchase) AccountIDValue() string {
	if p.AccountID == nil {
		return ""
	}
	return *p.AccountID
}
