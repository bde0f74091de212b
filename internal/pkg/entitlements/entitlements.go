package entitlements

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/linker"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// Set is a sorted, de-duplicated list of canonical product keys.
type Set []string

// NewSet builds a Set from arbitrary keys.
func NewSet(keys ...string) Set {
	seen := make(map[string]struct{}, len(keys))
	out := make(Set, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether key is in the set.
func (s Set) Has(key string) bool {
	i := sort.SearchStrings(s, key)
	return i < len(s) && s[i] == key
}

// Contains reports whether every key of other is in s.
func (s Set) Contains(other Set) bool {
	for _, k := range other {
		if !s.Has(k) {
			return false
		}
	}
	return true
}

// PurchaseQuerier reads completed purchases for an identity.
type PurchaseQuerier interface {
	Query(ctx context.Context, identity ledger.Identity) ([]models.Purchase, error)
}

// AccountLinker attributes guest purchases to an account.
type AccountLinker interface {
	Link(ctx context.Context, accountID, email string) (linker.Result, error)
}

// RoleLookup reports whether an account has the operator role.
type RoleLookup interface {
	IsOperator(ctx context.Context, accountID string) (bool, error)
}

// KeySource lists every canonical key in the catalog and answers whether a
// raw product identifier belongs to a key.
type KeySource interface {
	Keys() []string
	Owns(raw, key string) bool
}

// Operators is the configured set of identities that see the whole catalog.
type Operators struct {
	Emails     []string
	AccountIDs []string
}

// Resolver computes entitlement sets from the ledger.
type Resolver struct {
	purchases PurchaseQuerier
	linker    AccountLinker
	catalog   KeySource
	roles     RoleLookup

	operatorEmails   map[string]struct{}
	operatorAccounts map[string]struct{}
}

// NewResolver wires a resolver. roles may be nil when account roles are not
// consulted.
func NewResolver(purchases PurchaseQuerier, l AccountLinker, cat KeySource, roles RoleLookup, ops Operators) *Resolver {
	r := &Resolver{
		purchases:        purchases,
		linker:           l,
		catalog:          cat,
		roles:            roles,
		operatorEmails:   make(map[string]struct{}),
		operatorAccounts: make(map[string]struct{}),
	}
	for _, e := range ops.Emails {
		if e = models.NormalizeEmail(e); e != "" {
			r.operatorEmails[e] = struct{}{}
		}
	}
	for _, id := range ops.AccountIDs {
		if id = strings.TrimSpace(id); id != "" {
			r.operatorAccounts[id] = struct{}{}
		}
	}
	return r
}

// Resolve returns the canonical keys an identity may access.
//
// When both identifiers are known the linker runs first, so guest purchases
// are attributed before the read. Results by account and by email are
// unioned, never subtracted. On a persistence failure Resolve fails closed:
// it returns an empty set together with the error.
func (r *Resolver) Resolve(ctx context.Context, identity ledger.Identity) (Set, error) {
	id := identity.Normalized()
	if id.AccountID == "" && id.Email == "" {
		return Set{}, nil
	}

	isOperator, err := r.isOperator(ctx, id)
	if err != nil {
		return r.failClosed(id, err)
	}
	if isOperator {
		metrics.IncResolution(metrics.OutcomeOperator)
		return NewSet(r.catalog.Keys()...), nil
	}

	if id.AccountID != "" && id.Email != "" && r.linker != nil {
		if _, err := r.linker.Link(ctx, id.AccountID, id.Email); err != nil {
			if errors.Is(err, ledger.ErrPersistence) {
				return r.failClosed(id, err)
			}
			log.Warnf("[Entitlements] link skipped account=%s email=%s: %v", id.AccountID, id.Email, err)
		}
	}

	purchases, err := r.purchases.Query(ctx, id)
	if err != nil {
		return r.failClosed(id, err)
	}

	keys := make([]string, 0, len(purchases))
	for _, p := range purchases {
		keys = append(keys, p.CanonicalProductKey)
	}
	metrics.IncResolution(metrics.OutcomeOK)
	return NewSet(keys...), nil
}

// Owns reports whether identity is entitled to the product named by raw,
// which may be a canonical key, any alias of one, or an unmapped id.
func (r *Resolver) Owns(ctx context.Context, identity ledger.Identity, raw string) (bool, error) {
	set, err := r.Resolve(ctx, identity)
	if err != nil {
		return false, err
	}
	for _, key := range set {
		if r.catalog.Owns(raw, key) {
			return true, nil
		}
	}
	return false, nil
}

// IsOperatorIdentity reports whether the identity matches the configured
// operator lists. Account roles are not consulted.
func (r *Resolver) IsOperatorIdentity(identity ledger.Identity) bool {
	id := identity.Normalized()
	if _, ok := r.operatorAccounts[id.AccountID]; ok && id.AccountID != "" {
		return true
	}
	if _, ok := r.operatorEmails[id.Email]; ok && id.Email != "" {
		return true
	}
	return false
}

func (r *Resolver) isOperator(ctx context.Context, id ledger.Identity) (bool, error) {
	if r.IsOperatorIdentity(id) {
		return true, nil
	}
	if r.roles == nil || id.AccountID == "" {
		return false, nil
	}
	ok, err := r.roles.IsOperator(ctx, id.AccountID)
	if err != nil {
		return false, fmt.Errorf("%w: operator lookup: %w", ledger.ErrPersistence, err)
	}
	return ok, nil
}

func (r *Resolver) failClosed(id ledger.Identity, err error) (Set, error) {
	log.Errorf("[Entitlements] resolve failed closed account=%s email=%s: %v", id.AccountID, id.Email, err)
	metrics.IncResolution(metrics.OutcomeFailClosed)
	return Set{}, err
}
