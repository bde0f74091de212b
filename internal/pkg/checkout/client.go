package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
)

const (
	defaultAPIBaseURL = "https://api.checkout.example.com/v1"
	productCacheTTL   = 10 * time.Minute
	productCacheKey   = "checkout:product:"
)

// ProductCache stores resolved provider product ids. Failures are ignored.
type ProductCache interface {
	Get(key string) (string, error)
	Set(key string, value interface{}, expiration time.Duration) error
}

// Client talks to the checkout provider's REST API.
type Client struct {
	APIBaseURL string
	APIKey     string

	HTTPClient *http.Client
	Cache      ProductCache
}

// NewClientFromEnv configures a client from CHECKOUT_* settings.
func NewClientFromEnv() *Client {
	return &Client{
		APIBaseURL: strings.TrimSpace(env.GetEnv("CHECKOUT_API_BASE_URL", defaultAPIBaseURL)),
		APIKey:     strings.TrimSpace(env.GetEnv("CHECKOUT_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// rawLineItem and rawTransaction are the provider's wire shapes, shared by
// the REST API and webhook payloads.
type rawLineItem struct {
	ProductID  string            `json:"product_id"`
	Product    string            `json:"product"`
	Metadata   map[string]string `json:"metadata"`
	Quantity   int               `json:"quantity"`
	UnitAmount float64           `json:"unit_amount"`
}

type rawTransaction struct {
	ID                string `json:"id"`
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	Currency          string `json:"currency"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          struct {
		Email string `json:"email"`
	} `json:"customer"`
	CustomerEmail string        `json:"customer_email"`
	LineItems     []rawLineItem `json:"line_items"`
}

func (r rawTransaction) normalize() Transaction {
	id := strings.TrimSpace(r.TransactionID)
	if id == "" {
		id = strings.TrimSpace(r.ID)
	}
	email := strings.TrimSpace(r.Customer.Email)
	if email == "" {
		email = strings.TrimSpace(r.CustomerEmail)
	}

	t := Transaction{
		ID:        id,
		Status:    strings.ToLower(strings.TrimSpace(r.Status)),
		Email:     email,
		AccountID: strings.TrimSpace(r.ClientReferenceID),
		Currency:  strings.ToUpper(strings.TrimSpace(r.Currency)),
	}
	for _, li := range r.LineItems {
		raw := strings.TrimSpace(li.ProductID)
		if raw == "" {
			raw = strings.TrimSpace(li.Metadata["product_id"])
		}
		t.LineItems = append(t.LineItems, LineItem{
			RawProductID: raw,
			ProductRef:   strings.TrimSpace(li.Product),
			Quantity:     li.Quantity,
			UnitAmount:   li.UnitAmount,
		})
	}
	return t
}

// GetTransaction fetches a transaction with its line items.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return nil, errors.New("transaction id is required")
	}

	var raw rawTransaction
	if err := c.getJSON(ctx, "/transactions/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	t := raw.normalize()
	if t.ID == "" {
		t.ID = id
	}
	return &t, nil
}

// GetProduct fetches a provider catalog product, consulting the cache first.
func (c *Client) GetProduct(ctx context.Context, ref string) (*Product, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("product ref is required")
	}

	if c.Cache != nil {
		if cached, err := c.Cache.Get(productCacheKey + ref); err == nil && cached != "" {
			var p Product
			if json.Unmarshal([]byte(cached), &p) == nil {
				return &p, nil
			}
		}
	}

	var p Product
	if err := c.getJSON(ctx, "/products/"+url.PathEscape(ref), &p); err != nil {
		return nil, err
	}

	if c.Cache != nil {
		if b, err := json.Marshal(p); err == nil {
			if err := c.Cache.Set(productCacheKey+ref, string(b), productCacheTTL); err != nil {
				log.Debugf("[Checkout] product cache write failed ref=%s: %v", ref, err)
			}
		}
	}
	return &p, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	baseURL := strings.TrimRight(c.APIBaseURL, "/")
	u, err := url.Parse(baseURL + path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamFetch, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: GET %s status=%d body=%s", ErrUpstreamFetch, path, resp.StatusCode, truncate(string(body), 256))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUpstreamFetch, path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
