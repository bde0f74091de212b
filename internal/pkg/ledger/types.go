package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/ContentPass/app/models"
)

// ErrPersistence wraps every storage failure. It is the only hard error the
// ledger returns; callers that grant access must fail closed on it.
var ErrPersistence = errors.New("ledger: persistence failure")

// ErrInvalidInput is returned for writes missing an email.
var ErrInvalidInput = errors.New("ledger: invalid input")

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// UpsertInput is the provider-neutral shape of one purchased line item.
type UpsertInput struct {
	Email        string
	CanonicalKey string
	RawID        string
	// TransactionID is nil for manual and legacy writes.
	TransactionID *string
	Amount        float64
	AccountID     *string
	Status        string
	Source        string
	Unmapped      bool
}

// GrantInput is an administrative record without a checkout transaction.
type GrantInput struct {
	Email        string
	CanonicalKey string
	RawID        string
	Amount       float64
	AccountID    *string
}

// Identity selects ledger rows by account id, email, or both (union).
type Identity struct {
	AccountID string
	Email     string
}

// Normalized returns the identity with a trimmed account id and a
// canonicalized email.
func (i Identity) Normalized() Identity {
	return Identity{
		AccountID: strings.TrimSpace(i.AccountID),
		Email:     models.NormalizeEmail(i.Email),
	}
}

// IsEmpty reports whether neither identifier is set.
func (i Identity) IsEmpty() bool {
	n := i.Normalized()
	return n.AccountID == "" && n.Email == ""
}

// ListFilter narrows the administrative purchase listing.
type ListFilter struct {
	Email         string
	AccountID     string
	TransactionID string
	Source        string
	UnmappedOnly  bool
	Limit         int
}

// StringPtr returns nil for blank strings and a pointer to the trimmed value
// otherwise.
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
