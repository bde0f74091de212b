package checkoutsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds per-transaction line item fan-out.
const DefaultMaxConcurrency = 4

const (
	pathEvent     = "event"
	pathReconcile = "reconcile"
)

// ErrTransactionNotCompleted is returned when the provider reports a
// transaction that neither completed nor is pending.
var ErrTransactionNotCompleted = errors.New("checkoutsync: transaction not completed")

// TransactionSource is the provider API used by the pull path.
type TransactionSource interface {
	GetTransaction(ctx context.Context, transactionID string) (*checkout.Transaction, error)
	GetProduct(ctx context.Context, ref string) (*checkout.Product, error)
}

// Ledger is the write side used by both paths.
type Ledger interface {
	Upsert(ctx context.Context, in ledger.UpsertInput) (*models.Purchase, bool, error)
	FindByTransaction(ctx context.Context, transactionID string) ([]models.Purchase, error)
}

// ItemResult is one line item written (or found) in the ledger.
type ItemResult struct {
	RawID     string           `json:"raw_id"`
	Key       string           `json:"canonical_key"`
	Created   bool             `json:"created"`
	Unmapped  bool             `json:"unmapped"`
	SoftMatch bool             `json:"soft_match"`
	Purchase  *models.Purchase `json:"purchase"`
}

// ItemError is a line item that could not be written.
type ItemError struct {
	RawID  string `json:"raw_id"`
	Reason string `json:"reason"`
}

// Outcome is the result of synchronizing one transaction. Partial success is
// normal: Written and Errors may both be non-empty.
type Outcome struct {
	TransactionID string       `json:"transaction_id"`
	Written       []ItemResult `json:"written"`
	Errors        []ItemError  `json:"errors"`
}

// HasErrors reports whether any line item failed.
func (o Outcome) HasErrors() bool {
	return len(o.Errors) > 0
}

// Adapter funnels provider transactions into the ledger. The event path and
// the reconciliation path share writeLineItem, so both produce the same rows.
type Adapter struct {
	source         TransactionSource
	ledger         Ledger
	normalizer     catalog.Normalizer
	maxConcurrency int
}

// New creates an adapter. source may be nil when only events are handled and
// no product lookups are needed.
func New(source TransactionSource, l Ledger, normalizer catalog.Normalizer, maxConcurrency int) *Adapter {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Adapter{
		source:         source,
		ledger:         l,
		normalizer:     normalizer,
		maxConcurrency: maxConcurrency,
	}
}

// HandleEvent writes a pushed purchase event.
func (a *Adapter) HandleEvent(ctx context.Context, ev checkout.Event) Outcome {
	out := a.apply(ctx, ev.Transaction, models.PurchaseSourceEvent)
	recordRun(pathEvent, out)
	return out
}

// Reconcile pulls a transaction from the provider and writes it. A failed
// fetch returns checkout.ErrUpstreamFetch (or ErrTransactionNotFound) and
// writes nothing; the caller decides whether to retry.
func (a *Adapter) Reconcile(ctx context.Context, transactionID string) (Outcome, error) {
	transactionID = strings.TrimSpace(transactionID)
	out := Outcome{TransactionID: transactionID}
	if transactionID == "" {
		return out, fmt.Errorf("%w: transaction id is required", ledger.ErrInvalidInput)
	}
	if a.source == nil {
		return out, fmt.Errorf("%w: no provider configured", checkout.ErrUpstreamFetch)
	}

	tx, err := a.source.GetTransaction(ctx, transactionID)
	if err != nil {
		log.Warnf("[Sync] reconcile fetch failed tx=%s: %v", transactionID, err)
		metrics.IncSyncRun(pathReconcile, metrics.OutcomeUpstream)
		return out, err
	}
	if tx.ID == "" {
		tx.ID = transactionID
	}
	if _, ok := ledgerStatus(*tx); !ok {
		metrics.IncSyncRun(pathReconcile, metrics.OutcomeIgnored)
		return out, fmt.Errorf("%w: tx=%s status=%s", ErrTransactionNotCompleted, tx.ID, tx.Status)
	}

	out = a.apply(ctx, *tx, models.PurchaseSourceReconciliation)
	recordRun(pathReconcile, out)
	return out, nil
}

func (a *Adapter) apply(ctx context.Context, tx checkout.Transaction, source string) Outcome {
	out := Outcome{TransactionID: tx.ID}

	status, ok := ledgerStatus(tx)
	if !ok {
		out.Errors = append(out.Errors, ItemError{Reason: fmt.Sprintf("transaction status %q is not writable", tx.Status)})
		return out
	}
	if strings.TrimSpace(tx.Email) == "" {
		out.Errors = append(out.Errors, ItemError{Reason: "transaction has no customer email"})
		return out
	}

	results := make([]ItemResult, len(tx.LineItems))
	failures := make([]*ItemError, len(tx.LineItems))

	var g errgroup.Group
	g.SetLimit(a.maxConcurrency)
	for i, item := range tx.LineItems {
		i, item := i, item
		g.Go(func() error {
			metrics.SyncItemsInFlight.Inc()
			defer metrics.SyncItemsInFlight.Dec()

			res, err := a.writeLineItem(ctx, tx, item, status, source)
			if err != nil {
				log.Warnf("[Sync] line item failed tx=%s item=%s source=%s: %v", tx.ID, item.Label(), source, err)
				failures[i] = &ItemError{RawID: item.Label(), Reason: err.Error()}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for i := range tx.LineItems {
		if failures[i] != nil {
			out.Errors = append(out.Errors, *failures[i])
			continue
		}
		out.Written = append(out.Written, results[i])
	}
	return out
}

// writeLineItem is the single write path: resolve raw id, normalize, upsert.
func (a *Adapter) writeLineItem(ctx context.Context, tx checkout.Transaction, item checkout.LineItem, status, source string) (ItemResult, error) {
	raw, err := a.rawID(ctx, item)
	if err != nil {
		return ItemResult{}, err
	}

	norm := a.normalizer.Normalize(raw)
	metrics.IncNormalization(string(norm.Rule))

	p, created, err := a.ledger.Upsert(ctx, ledger.UpsertInput{
		Email:         tx.Email,
		CanonicalKey:  norm.Key,
		RawID:         raw,
		TransactionID: ledger.StringPtr(tx.ID),
		Amount:        item.Amount(),
		AccountID:     ledger.StringPtr(tx.AccountID),
		Status:        status,
		Source:        source,
		Unmapped:      norm.Unmapped,
	})
	if err != nil {
		return ItemResult{}, err
	}
	return ItemResult{
		RawID:     raw,
		Key:       norm.Key,
		Created:   created,
		Unmapped:  norm.Unmapped,
		SoftMatch: norm.SoftMatch,
		Purchase:  p,
	}, nil
}

func (a *Adapter) rawID(ctx context.Context, item checkout.LineItem) (string, error) {
	if raw := strings.TrimSpace(item.RawProductID); raw != "" {
		return raw, nil
	}
	ref := strings.TrimSpace(item.ProductRef)
	if ref == "" {
		// normalizes to the unknown key and is flagged unmapped
		return "", nil
	}
	if a.source == nil {
		return "", fmt.Errorf("%w: no provider configured for product %s", checkout.ErrUpstreamFetch, ref)
	}
	p, err := a.source.GetProduct(ctx, ref)
	if err != nil {
		return "", err
	}
	return p.RawID(), nil
}

func ledgerStatus(tx checkout.Transaction) (string, bool) {
	if tx.IsCompleted() {
		return models.PurchaseStatusCompleted, true
	}
	if strings.EqualFold(strings.TrimSpace(tx.Status), checkout.StatusPending) {
		return models.PurchaseStatusPending, true
	}
	return "", false
}

func recordRun(path string, out Outcome) {
	switch {
	case out.HasErrors():
		metrics.IncSyncRun(path, metrics.OutcomeError)
	default:
		metrics.IncSyncRun(path, metrics.OutcomeOK)
	}
}

// Tuple is the idempotency key of a ledger row.
type Tuple struct {
	Email         string `json:"email"`
	CanonicalKey  string `json:"canonical_key"`
	TransactionID string `json:"transaction_id"`
}

// Diff compares what the provider says a transaction contains with what the
// ledger holds for it.
type Diff struct {
	TransactionID string  `json:"transaction_id"`
	Missing       []Tuple `json:"missing"`
	Unexpected    []Tuple `json:"unexpected"`
}

// InSync reports whether the ledger matches the provider.
func (d Diff) InSync() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0
}

// Verify replays a transaction through normalization without writing and
// diffs the expected tuples against the ledger.
func (a *Adapter) Verify(ctx context.Context, transactionID string) (Diff, error) {
	transactionID = strings.TrimSpace(transactionID)
	diff := Diff{TransactionID: transactionID}
	if a.source == nil {
		return diff, fmt.Errorf("%w: no provider configured", checkout.ErrUpstreamFetch)
	}

	tx, err := a.source.GetTransaction(ctx, transactionID)
	if err != nil {
		return diff, err
	}
	email := models.NormalizeEmail(tx.Email)

	expected := make(map[Tuple]struct{})
	for _, item := range tx.LineItems {
		raw, err := a.rawID(ctx, item)
		if err != nil {
			return diff, err
		}
		expected[Tuple{Email: email, CanonicalKey: a.normalizer.Normalize(raw).Key, TransactionID: transactionID}] = struct{}{}
	}

	rows, err := a.ledger.FindByTransaction(ctx, transactionID)
	if err != nil {
		return diff, err
	}
	actual := make(map[Tuple]struct{}, len(rows))
	for _, p := range rows {
		actual[Tuple{Email: p.Email, CanonicalKey: p.CanonicalProductKey, TransactionID: transactionID}] = struct{}{}
	}

	for t := range expected {
		if _, ok := actual[t]; !ok {
			diff.Missing = append(diff.Missing, t)
		}
	}
	for t := range actual {
		if _, ok := expected[t]; !ok {
			diff.Unexpected = append(diff.Unexpected, t)
		}
	}
	sortTuples(diff.Missing)
	sortTuples(diff.Unexpected)
	return diff, nil
}

func sortTuples(ts []Tuple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Email != ts[j].Email {
			return ts[i].Email < ts[j].Email
		}
		return ts[i].CanonicalKey < ts[j].CanonicalKey
	})
}
