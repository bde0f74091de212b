package models

import "time"

// LinkConflict records a purchase whose account_id already points at a
// different account than the one being linked. Conflicts are never resolved
// automatically; an operator closes them after review.
type LinkConflict struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	PurchaseID         uint       `gorm:"not null;uniqueIndex:ux_link_conflicts_purchase_requested,priority:1" json:"purchase_id"`
	Email              string     `gorm:"type:varchar(200);not null;index" json:"email"`
	ExistingAccountID  string     `gorm:"type:varchar(64);not null" json:"existing_account_id"`
	RequestedAccountID string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_link_conflicts_purchase_requested,priority:2" json:"requested_account_id"`
	ResolvedAt         *time.Time `gorm:"default:null;index" json:"resolved_at,omitempty"`
	ResolutionNote     string     `gorm:"type:text" json:"resolution_note"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LinkConflict) TableName() string {
	return "link_conflicts"
}
