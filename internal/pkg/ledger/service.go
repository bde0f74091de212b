package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics/counter"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Service is the purchase ledger. Idempotency is delegated to the storage
// layer's unique indexes; the service never takes application locks.
type Service struct {
	repo       Repository
	normalizer catalog.Normalizer
}

// NewService creates a ledger service from an injected repository.
func NewService(repo Repository, normalizer catalog.Normalizer) *Service {
	return &Service{repo: repo, normalizer: normalizer}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, normalizer catalog.Normalizer) *Service {
	return NewService(NewRepository(db), normalizer)
}

// Upsert records one purchased product. It returns the stored row and whether
// this call created it. A duplicate write is not an error: the existing row is
// returned with created=false and its account id is left untouched.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*models.Purchase, bool, error) {
	p, err := s.buildPurchase(in)
	if err != nil {
		return nil, false, err
	}

	// Without a transaction id the partial index only exists on some
	// dialects, so look first.
	if p.TransactionID == nil {
		existing, err := s.repo.FindByIdempotencyKey(ctx, p.Email, p.CanonicalProductKey, nil)
		if err == nil {
			return s.settleDuplicate(ctx, existing, p)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.IncPurchaseWrite(p.Source, metrics.OutcomeError)
			return nil, false, persistence("pre-read purchase", err)
		}
	}

	err = s.repo.Insert(ctx, p)
	if err == nil {
		metrics.IncPurchaseWrite(p.Source, metrics.OutcomeCreated)
		if p.Unmapped {
			if err := counter.AddUnmapped(p.RawProductID); err != nil {
				log.Warnf("[Ledger] unmapped tally failed raw=%s: %v", p.RawProductID, err)
			}
		}
		return p, true, nil
	}
	if !isDuplicate(err) {
		metrics.IncPurchaseWrite(p.Source, metrics.OutcomeError)
		log.Errorf("[Ledger] insert failed email=%s product=%s: %v", p.Email, p.CanonicalProductKey, err)
		return nil, false, persistence("insert purchase", err)
	}

	existing, err := s.repo.FindByIdempotencyKey(ctx, p.Email, p.CanonicalProductKey, p.TransactionID)
	if err != nil {
		metrics.IncPurchaseWrite(p.Source, metrics.OutcomeError)
		return nil, false, persistence("re-read purchase after conflict", err)
	}
	return s.settleDuplicate(ctx, existing, p)
}

// settleDuplicate resolves a write that lost to an existing row. The only
// in-place change allowed is pending -> completed.
func (s *Service) settleDuplicate(ctx context.Context, existing, incoming *models.Purchase) (*models.Purchase, bool, error) {
	if existing.Status == models.PurchaseStatusPending && incoming.Status == models.PurchaseStatusCompleted {
		promoted, err := s.repo.PromoteToCompleted(ctx, existing.ID)
		if err != nil {
			metrics.IncPurchaseWrite(incoming.Source, metrics.OutcomeError)
			return nil, false, persistence("promote purchase", err)
		}
		if promoted {
			existing.Status = models.PurchaseStatusCompleted
			log.Infof("[Ledger] purchase %d promoted to completed (tx=%s)", existing.ID, txLabel(existing.TransactionID))
			metrics.IncPurchaseWrite(incoming.Source, metrics.OutcomePromoted)
			return existing, false, nil
		}
	}

	log.Infof("[Ledger] duplicate write email=%s product=%s tx=%s source=%s", incoming.Email, incoming.CanonicalProductKey, txLabel(incoming.TransactionID), incoming.Source)
	metrics.IncPurchaseWrite(incoming.Source, metrics.OutcomeDuplicate)
	return existing, false, nil
}

func (s *Service) buildPurchase(in UpsertInput) (*models.Purchase, error) {
	email := models.NormalizeEmail(in.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	raw := strings.TrimSpace(in.RawID)
	key := strings.TrimSpace(in.CanonicalKey)
	unmapped := in.Unmapped
	if key == "" {
		res := s.normalizer.Normalize(raw)
		key = res.Key
		unmapped = res.Unmapped
		metrics.IncNormalization(string(res.Rule))
	}
	if raw == "" {
		raw = key
	}
	key = catalog.BoundKey(key)

	status := strings.TrimSpace(in.Status)
	switch status {
	case "":
		status = models.PurchaseStatusCompleted
	case models.PurchaseStatusCompleted, models.PurchaseStatusPending:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = models.PurchaseSourceEvent
	}

	var accountID *string
	if in.AccountID != nil {
		accountID = StringPtr(*in.AccountID)
	}
	var txID *string
	if in.TransactionID != nil {
		txID = StringPtr(*in.TransactionID)
	}

	return &models.Purchase{
		Email:               email,
		AccountID:           accountID,
		CanonicalProductKey: key,
		RawProductID:        raw,
		TransactionID:       txID,
		Amount:              in.Amount,
		Status:              status,
		Source:              source,
		Unmapped:            unmapped,
	}, nil
}

// Grant records an administrative purchase without a checkout transaction.
// Grants are idempotent on (email, product).
func (s *Service) Grant(ctx context.Context, in GrantInput) (*models.Purchase, bool, error) {
	return s.Upsert(ctx, UpsertInput{
		Email:        in.Email,
		CanonicalKey: in.CanonicalKey,
		RawID:        in.RawID,
		Amount:       in.Amount,
		AccountID:    in.AccountID,
		Status:       models.PurchaseStatusCompleted,
		Source:       models.PurchaseSourceManual,
	})
}

// Query returns completed purchases for an identity, most recent first.
// Rows matching both identifiers appear once.
func (s *Service) Query(ctx context.Context, identity Identity) ([]models.Purchase, error) {
	identity = identity.Normalized()
	if identity.AccountID == "" && identity.Email == "" {
		return nil, nil
	}
	purchases, err := s.repo.ListCompleted(ctx, identity)
	if err != nil {
		log.Errorf("[Ledger] query failed account=%s email=%s: %v", identity.AccountID, identity.Email, err)
		return nil, persistence("query purchases", err)
	}
	return purchases, nil
}

// FindByTransaction returns every row written for a transaction, in insert order.
func (s *Service) FindByTransaction(ctx context.Context, transactionID string) ([]models.Purchase, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	purchases, err := s.repo.ListByTransaction(ctx, transactionID)
	if err != nil {
		return nil, persistence("list purchases by transaction", err)
	}
	return purchases, nil
}

// List is the administrative listing.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Purchase, error) {
	purchases, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, persistence("list purchases", err)
	}
	return purchases, nil
}

func txLabel(tx *string) string {
	if tx == nil {
		return "-"
	}
	return *tx
}
