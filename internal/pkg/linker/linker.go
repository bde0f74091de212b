package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidInput is returned when the account id or email is blank.
var ErrInvalidInput = errors.New("linker: account id and email are required")

// ErrConflictNotFound is returned when resolving an unknown conflict.
var ErrConflictNotFound = errors.New("linker: link conflict not found")

// Result of one link call. Conflicts lists every completed purchase for the
// email that belongs to a different account, including ones flagged earlier.
type Result struct {
	Linked    int64                 `json:"linked"`
	Conflicts []models.LinkConflict `json:"conflicts"`
}

// Linker attributes guest purchases to an account by email.
type Linker struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Linker {
	return &Linker{db: db}
}

// Link sets account_id on every completed, unattributed purchase for email in
// one batch update. Rows already owned by another account are left untouched
// and recorded as conflicts. Calling Link again returns Linked == 0.
func (l *Linker) Link(ctx context.Context, accountID, email string) (Result, error) {
	accountID = strings.TrimSpace(accountID)
	email = models.NormalizeEmail(email)
	if accountID == "" || email == "" {
		return Result{}, ErrInvalidInput
	}

	db := l.db.WithContext(ctx)
	tx := db.Model(&models.Purchase{}).
		Where("email = ? AND account_id IS NULL AND status = ?", email, models.PurchaseStatusCompleted).
		Updates(map[string]interface{}{
			"account_id": accountID,
			"updated_at": time.Now(),
		})
	if tx.Error != nil {
		log.Errorf("[Linker] link failed account=%s email=%s: %v", accountID, email, tx.Error)
		return Result{}, fmt.Errorf("%w: link purchases: %w", ledger.ErrPersistence, tx.Error)
	}

	res := Result{Linked: tx.RowsAffected}
	if res.Linked > 0 {
		log.Infof("[Linker] linked %d purchase(s) to account=%s email=%s", res.Linked, accountID, email)
		metrics.LinkedPurchases.Add(float64(res.Linked))
	}

	conflicts, err := l.flagConflicts(ctx, accountID, email)
	if err != nil {
		return res, err
	}
	res.Conflicts = conflicts
	return res, nil
}

func (l *Linker) flagConflicts(ctx context.Context, accountID, email string) ([]models.LinkConflict, error) {
	db := l.db.WithContext(ctx)

	var owned []models.Purchase
	if err := db.
		Where("email = ? AND status = ? AND account_id IS NOT NULL AND account_id <> ?", email, models.PurchaseStatusCompleted, accountID).
		Order("id ASC").
		Find(&owned).Error; err != nil {
		return nil, fmt.Errorf("%w: find link conflicts: %w", ledger.ErrPersistence, err)
	}
	if len(owned) == 0 {
		return nil, nil
	}

	conflicts := make([]models.LinkConflict, 0, len(owned))
	for _, p := range owned {
		c := models.LinkConflict{
			PurchaseID:         p.ID,
			Email:              email,
			ExistingAccountID:  p.AccountIDValue(),
			RequestedAccountID: accountID,
		}
		tx := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "purchase_id"},
				{Name: "requested_account_id"},
			},
			DoNothing: true,
		}).Create(&c)
		if tx.Error != nil {
			return nil, fmt.Errorf("%w: record link conflict: %w", ledger.ErrPersistence, tx.Error)
		}
		if tx.RowsAffected > 0 {
			log.Warnf("[Linker] link conflict purchase=%d email=%s owned by account=%s, requested by account=%s",
				p.ID, email, c.ExistingAccountID, accountID)
			metrics.LinkConflicts.Inc()
		}

		var stored models.LinkConflict
		if err := db.Where("purchase_id = ? AND requested_account_id = ?", p.ID, accountID).First(&stored).Error; err != nil {
			return nil, fmt.Errorf("%w: re-read link conflict: %w", ledger.ErrPersistence, err)
		}
		conflicts = append(conflicts, stored)
	}
	return conflicts, nil
}

// Conflicts lists recorded conflicts, newest first.
func (l *Linker) Conflicts(ctx context.Context, onlyOpen bool) ([]models.LinkConflict, error) {
	q := l.db.WithContext(ctx).Model(&models.LinkConflict{})
	if onlyOpen {
		q = q.Where("resolved_at IS NULL")
	}
	var out []models.LinkConflict
	if err := q.Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list link conflicts: %w", ledger.ErrPersistence, err)
	}
	return out, nil
}

// ResolveConflict closes a conflict after manual review. The purchase itself
// is not modified; an operator who wants to move it does so explicitly.
func (l *Linker) ResolveConflict(ctx context.Context, id uint, note string) (*models.LinkConflict, error) {
	db := l.db.WithContext(ctx)

	var c models.LinkConflict
	if err := db.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConflictNotFound
		}
		return nil, fmt.Errorf("%w: load link conflict: %w", ledger.ErrPersistence, err)
	}
	if c.ResolvedAt != nil {
		return &c, nil
	}

	now := time.Now()
	if err := db.Model(&c).Updates(map[string]interface{}{
		"resolved_at":     &now,
		"resolution_note": strings.TrimSpace(note),
	}).Error; err != nil {
		return nil, fmt.Errorf("%w: resolve link conflict: %w", ledger.ErrPersistence, err)
	}
	c.ResolvedAt = &now
	c.ResolutionNote = strings.TrimSpace(note)
	log.Infof("[Linker] link conflict %d resolved", c.ID)
	return &c, nil
}
