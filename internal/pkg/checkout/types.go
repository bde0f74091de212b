package checkout

import (
	"errors"
	"strings"
)

// Event types that carry a completed purchase.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventTransactionCompleted = "transaction.completed"
)

// Transaction statuses reported by the provider.
const (
	StatusCompleted = "completed"
	StatusPaid      = "paid"
	StatusPending   = "pending"
)

// ErrUpstreamFetch means the provider could not be reached or answered with
// a server error. It is retryable by the caller; nothing retries automatically.
var ErrUpstreamFetch = errors.New("checkout: upstream fetch failed")

// ErrTransactionNotFound means the provider does not know the transaction.
var ErrTransactionNotFound = errors.New("checkout: transaction not found")

// ErrInvalidPayload is returned for webhook bodies that cannot be parsed.
var ErrInvalidPayload = errors.New("checkout: invalid payload")

// LineItem is one purchased product in a transaction. RawProductID is the
// upstream identifier to normalize; when the provider only sends a catalog
// reference (ProductRef) the id is resolved with a product lookup.
type LineItem struct {
	RawProductID string  `json:"product_id"`
	ProductRef   string  `json:"product_ref,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitAmount   float64 `json:"unit_amount"`
}

// Amount returns quantity times unit amount; a missing quantity counts as one.
func (li LineItem) Amount() float64 {
	q := li.Quantity
	if q <= 0 {
		q = 1
	}
	return float64(q) * li.UnitAmount
}

// Label identifies the item in logs and error reports.
func (li LineItem) Label() string {
	if id := strings.TrimSpace(li.RawProductID); id != "" {
		return id
	}
	return strings.TrimSpace(li.ProductRef)
}

// Transaction is the provider-neutral view of a checkout transaction.
type Transaction struct {
	ID        string     `json:"transaction_id"`
	Status    string     `json:"status"`
	Email     string     `json:"email"`
	AccountID string     `json:"account_id,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	LineItems []LineItem `json:"line_items"`
}

// IsCompleted reports whether the transaction was paid. A missing status is
// not treated as paid.
func (t Transaction) IsCompleted() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case StatusCompleted, StatusPaid:
		return true
	default:
		return false
	}
}

// Event is a parsed webhook delivery.
type Event struct {
	ID          string
	Type        string
	Transaction Transaction
}

// IsPurchaseEvent reports whether an event type should be written to the ledger.
func IsPurchaseEvent(eventType string) bool {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case EventCheckoutCompleted, EventTransactionCompleted:
		return true
	default:
		return false
	}
}

// Product is a provider catalog entry.
type Product struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// RawID is the identifier fed to the normalizer: the product_id metadata
// when the seller set one, the provider's own id otherwise.
func (p Product) RawID() string {
	if id := strings.TrimSpace(p.Metadata["product_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(p.ID)
}
