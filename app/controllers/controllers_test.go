package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/database"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/ContentPass/internal/pkg/middleware"
)

const testWebhookSecret = "whsec_test"

type stubSource struct {
	txs map[string]*checkout.Transaction
	err error
}

func (s *stubSource) GetTransaction(_ context.Context, id string) (*checkout.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	tx, ok := s.txs[id]
	if !ok {
		return nil, checkout.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *stubSource) GetProduct(_ context.Context, ref string) (*checkout.Product, error) {
	return &checkout.Product{ID: ref}, nil
}

func newTestApp(t *testing.T, source *stubSource) (*fiber.App, *Services, *gorm.DB) {
	t.Helper()
	db, err := database.OpenInMemory(t.Name())
	require.NoError(t, err)
	cat, err := catalog.Default()
	require.NoError(t, err)

	cfg := Config{
		WebhookSecret: testWebhookSecret,
		SessionSecret: "session-secret",
		AdminAPIKey:   "admin-key",
	}
	if source != nil {
		cfg.Provider = source
	}
	svc, err := NewServices(db, cat, cfg)
	require.NoError(t, err)

	app := fiber.New()
	app.Use(middleware.UserContextMiddleware(svc.Sessions))
	app.Use(middleware.OperatorAPIKeyMiddleware(svc.AdminAPIKey))

	checkoutCtrl := NewCheckoutController(svc)
	accountCtrl := NewAccountController(svc)
	entCtrl := NewEntitlementController(svc)
	adminCtrl := NewAdminController(svc)

	app.Post("/webhooks/checkout", checkoutCtrl.HandleCheckoutWebhook)
	app.Post("/accounts", accountCtrl.HandleRegister)
	app.Post("/sessions", accountCtrl.HandleLogin)
	app.Post("/entitlements/refresh", middleware.RequireSession, entCtrl.HandleRefresh)
	app.Get("/entitlements/check", middleware.RequireSession, entCtrl.HandleCheck)
	app.Get("/entitlements", middleware.RequireOperator, entCtrl.HandleQuery)
	app.Post("/reconcile", entCtrl.HandleReconcile)
	app.Post("/admin/purchases", middleware.RequireOperator, adminCtrl.HandleGrant)
	app.Get("/admin/transactions/:id/verify", middleware.RequireOperator, adminCtrl.HandleVerifyTransaction)
	app.Get("/admin/unmapped", middleware.RequireOperator, adminCtrl.HandleUnmapped)
	app.Post("/admin/unmapped/sweep", middleware.RequireOperator, adminCtrl.HandleSweepUnmapped)

	return app, svc, db
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func postWebhook(t *testing.T, app *fiber.App, payload []byte, secret string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/checkout", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(checkout.SignatureHeader, checkout.SignPayload(payload, secret))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func purchaseEvent(eventID, txID, email string, productIDs ...string) []byte {
	items := make([]map[string]interface{}, 0, len(productIDs))
	for _, id := range productIDs {
		items = append(items, map[string]interface{}{"product_id": id, "quantity": 1, "unit_amount": 19})
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": checkout.EventCheckoutCompleted,
		"data": map[string]interface{}{
			"id":         txID,
			"status":     "paid",
			"customer":   map[string]string{"email": email},
			"line_items": items,
		},
	})
	return payload
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func toStrings(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

func TestWebhookWritesPurchasesOnce(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	payload := purchaseEvent("evt_1", "tx_1", "Buyer@Example.com", "2", "notion-template-vault")

	status, body := postWebhook(t, app, payload, testWebhookSecret)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.EqualValues(t, 2, body["written"])

	status, body = postWebhook(t, app, payload, testWebhookSecret)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	assert.EqualValues(t, 2, countRows(t, db, &models.Purchase{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.CheckoutWebhookEvent{}))

	var stored models.CheckoutWebhookEvent
	require.NoError(t, db.First(&stored).Error)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Empty(t, stored.ProcessingError)
	assert.Equal(t, "tx_1", stored.TransactionID)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	payload := purchaseEvent("evt_bad", "tx_bad", "a@x.com", "2")

	status, body := postWebhook(t, app, payload, "wrong-secret")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])
	assert.EqualValues(t, 0, countRows(t, db, &models.Purchase{}))

	// The provider retries with a valid signature; the failed first attempt
	// does not block it.
	status, _ = postWebhook(t, app, payload, testWebhookSecret)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, countRows(t, db, &models.Purchase{}))
}

func TestUnsignedDeliveryCannotClaimEventID(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	forged := purchaseEvent("evt_real", "tx_forged", "mallory@x.com", "1")
	real := purchaseEvent("evt_real", "tx_real", "a@x.com", "2")

	status, _ := postWebhook(t, app, forged, "wrong-secret")
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, body := postWebhook(t, app, real, testWebhookSecret)
	require.Equal(t, fiber.StatusOK, status)
	assert.Nil(t, body["duplicate"])

	var signed models.CheckoutWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", "evt_real").First(&signed).Error)
	assert.True(t, signed.SignatureValid)
	assert.Equal(t, string(real), signed.PayloadJSON)
	assert.Empty(t, signed.ProcessingError)

	var unsigned models.CheckoutWebhookEvent
	require.NoError(t, db.Where("provider_event_id = ?", checkout.PayloadHash(forged)).First(&unsigned).Error)
	assert.False(t, unsigned.SignatureValid)

	var purchases []models.Purchase
	require.NoError(t, db.Find(&purchases).Error)
	require.Len(t, purchases, 1)
	require.NotNil(t, purchases[0].TransactionID)
	assert.Equal(t, "tx_real", *purchases[0].TransactionID)
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	payload := []byte(`{"id":"evt_9","type":"customer.updated","data":{}}`)

	status, body := postWebhook(t, app, payload, testWebhookSecret)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ignored"])
	assert.EqualValues(t, 0, countRows(t, db, &models.Purchase{}))
}

func TestWebhookRejectsBrokenPayload(t *testing.T) {
	app, _, _ := newTestApp(t, nil)
	payload := []byte(`{"id":"evt_10","type":"checkout.completed","data":{"id":"tx_10"}}`)

	status, body := postWebhook(t, app, payload, testWebhookSecret)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_payload", body["error"])
}

func TestRegisterLinksGuestPurchases(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	status, _ := postWebhook(t, app, purchaseEvent("evt_g", "tx_g", "guest@x.com", "2"), testWebhookSecret)
	require.Equal(t, fiber.StatusOK, status)

	status, body := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Guest", "email": "Guest@X.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.NotEmpty(t, body["token"])
	assert.Equal(t, []string{"prompts"}, toStrings(body["entitlements"]))

	account := body["account"].(map[string]interface{})
	var p models.Purchase
	require.NoError(t, db.First(&p).Error)
	require.NotNil(t, p.AccountID)
	assert.Equal(t, account["id"], *p.AccountID)

	status, body = doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Guest", "email": "guest@x.com", "password": "correct-horse",
	}, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "email_taken", body["error"])
}

func TestRegisterValidatesInput(t *testing.T) {
	app, _, _ := newTestApp(t, nil)
	status, body := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "X", "email": "not-an-email", "password": "short",
	}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", body["error"])
}

func TestLogin(t *testing.T) {
	app, _, _ := newTestApp(t, nil)
	status, _ := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Ada", "email": "ada@x.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusCreated, status)

	status, body := doJSON(t, app, http.MethodPost, "/sessions", map[string]string{
		"email": "ada@x.com", "password": "wrong-password",
	}, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", body["error"])

	status, body = doJSON(t, app, http.MethodPost, "/sessions", map[string]string{
		"email": "ADA@x.com", "password": "correct-horse",
	}, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, body["token"])
	assert.Empty(t, toStrings(body["entitlements"]))
}

func TestRefreshPicksUpNewPurchases(t *testing.T) {
	app, svc, _ := newTestApp(t, nil)
	status, body := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Ada", "email": "ada@x.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusCreated, status)
	token := body["token"].(string)

	_, _, err := svc.Ledger.Grant(context.Background(), ledger.GrantInput{Email: "ada@x.com", CanonicalKey: "course"})
	require.NoError(t, err)

	status, body = doJSON(t, app, http.MethodPost, "/entitlements/refresh", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, []string{"course"}, toStrings(body["entitlements"]))
	assert.NotEqual(t, token, body["token"])

	status, _ = doJSON(t, app, http.MethodPost, "/entitlements/refresh", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestRefreshRebuildsClaimsFromAccount(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	status, body := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Grace", "email": "grace@x.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusCreated, status)
	accountID := body["account"].(map[string]interface{})["id"].(string)

	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", accountID).Update("role", models.ROLE_OPERATOR).Error)
	status, body = doJSON(t, app, http.MethodPost, "/sessions", map[string]string{
		"email": "grace@x.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	require.Equal(t, true, body["operator"])
	operatorToken := body["token"].(string)

	// demoted: the old token's operator claim must not carry forward
	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", accountID).Update("role", models.ROLE_USER).Error)
	status, body = doJSON(t, app, http.MethodPost, "/entitlements/refresh", nil, map[string]string{
		"Authorization": "Bearer " + operatorToken,
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, false, body["operator"])
	refreshed := body["token"].(string)

	status, _ = doJSON(t, app, http.MethodGet, "/entitlements?email=grace@x.com", nil, map[string]string{
		"Authorization": "Bearer " + refreshed,
	})
	assert.Equal(t, fiber.StatusForbidden, status)

	// an API key on the request does not leak into the user's token
	status, body = doJSON(t, app, http.MethodPost, "/entitlements/refresh", nil, map[string]string{
		"Authorization": "Bearer " + refreshed,
		"X-API-Key":     "admin-key",
	})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, false, body["operator"])

	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", accountID).Update("status", models.STATUS_DISABLED).Error)
	status, body = doJSON(t, app, http.MethodPost, "/entitlements/refresh", nil, map[string]string{
		"Authorization": "Bearer " + operatorToken,
	})
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "account_disabled", body["error"])
}

func TestCheckAcceptsAnyAliasOfOwnedProduct(t *testing.T) {
	app, svc, _ := newTestApp(t, nil)
	status, body := doJSON(t, app, http.MethodPost, "/accounts", map[string]string{
		"name": "Lin", "email": "lin@x.com", "password": "correct-horse",
	}, nil)
	require.Equal(t, fiber.StatusCreated, status)
	auth := map[string]string{"Authorization": "Bearer " + body["token"].(string)}

	ctx := context.Background()
	_, _, err := svc.Ledger.Grant(ctx, ledger.GrantInput{Email: "lin@x.com", CanonicalKey: "prompts"})
	require.NoError(t, err)
	_, _, err = svc.Ledger.Upsert(ctx, ledger.UpsertInput{Email: "lin@x.com", RawID: "xyz-unknown", TransactionID: ledger.StringPtr("tx_u")})
	require.NoError(t, err)

	tests := []struct {
		product string
		owned   bool
	}{
		{product: "prompts", owned: true},
		{product: "2", owned: true},
		{product: "ai-prompts-arsenal-2025", owned: true},
		{product: "xyz-unknown", owned: true},
		{product: "1", owned: false},
		{product: "other-unknown", owned: false},
	}
	for _, tt := range tests {
		status, body := doJSON(t, app, http.MethodGet, "/entitlements/check?product="+tt.product, nil, auth)
		require.Equal(t, fiber.StatusOK, status, tt.product)
		assert.Equal(t, tt.owned, body["owned"], tt.product)
	}

	status, _ = doJSON(t, app, http.MethodGet, "/entitlements/check", nil, auth)
	assert.Equal(t, fiber.StatusBadRequest, status)
	status, _ = doJSON(t, app, http.MethodGet, "/entitlements/check?product=2", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestUnmappedTallyNeedsRedis(t *testing.T) {
	counter.Disable()
	app, _, _ := newTestApp(t, nil)
	headers := map[string]string{"X-API-Key": "admin-key"}

	status, body := doJSON(t, app, http.MethodGet, "/admin/unmapped", nil, headers)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	assert.Equal(t, "tally_disabled", body["error"])

	status, _ = doJSON(t, app, http.MethodPost, "/admin/unmapped/sweep", nil, headers)
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
}

func TestQueryRequiresOperator(t *testing.T) {
	app, svc, _ := newTestApp(t, nil)
	_, _, err := svc.Ledger.Grant(context.Background(), ledger.GrantInput{Email: "b@x.com", CanonicalKey: "bundle"})
	require.NoError(t, err)

	status, _ := doJSON(t, app, http.MethodGet, "/entitlements?email=b@x.com", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = doJSON(t, app, http.MethodGet, "/entitlements?email=b@x.com", nil, map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := doJSON(t, app, http.MethodGet, "/entitlements?email=B@x.com", nil, map[string]string{"X-API-Key": "admin-key"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"bundle"}, toStrings(body["entitlements"]))

	status, _ = doJSON(t, app, http.MethodGet, "/entitlements", nil, map[string]string{"X-API-Key": "admin-key"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestReconcileWritesTransaction(t *testing.T) {
	source := &stubSource{txs: map[string]*checkout.Transaction{
		"tx_r": {
			ID:        "tx_r",
			Status:    "paid",
			Email:     "r@x.com",
			LineItems: []checkout.LineItem{{RawProductID: "3", Quantity: 1, UnitAmount: 99}},
		},
	}}
	app, _, db := newTestApp(t, source)

	status, body := doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{"transaction_id": "tx_r"}, nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["ok"])
	written := body["written"].([]interface{})
	require.Len(t, written, 1)
	assert.Equal(t, "course", written[0].(map[string]interface{})["canonical_key"])

	status, _ = doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{"transaction_id": "tx_r"}, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, countRows(t, db, &models.Purchase{}))

	status, body = doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{"transaction_id": "tx_missing"}, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "tx_missing", body["transaction_id"])
}

func TestReconcileUpstreamFailureAsksForSupport(t *testing.T) {
	source := &stubSource{err: fmt.Errorf("%w: status 503", checkout.ErrUpstreamFetch)}
	app, _, db := newTestApp(t, source)

	status, body := doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{"transaction_id": "tx_down"}, nil)
	assert.Equal(t, fiber.StatusBadGateway, status)
	assert.Equal(t, "upstream_unavailable", body["error"])
	assert.Equal(t, "tx_down", body["transaction_id"])
	assert.Contains(t, body["message"], "tx_down")
	assert.EqualValues(t, 0, countRows(t, db, &models.Purchase{}))

	status, _ = doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAdminGrantRejectsUnknownProduct(t *testing.T) {
	app, _, db := newTestApp(t, nil)
	headers := map[string]string{"X-API-Key": "admin-key"}

	status, body := doJSON(t, app, http.MethodPost, "/admin/purchases", map[string]interface{}{
		"email": "c@x.com", "product": "no-such-thing",
	}, headers)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "unknown_product", body["error"])

	status, body = doJSON(t, app, http.MethodPost, "/admin/purchases", map[string]interface{}{
		"email": "c@x.com", "product": "prod_creator_bundle",
	}, headers)
	assert.Equal(t, fiber.StatusCreated, status, body)
	assert.Equal(t, true, body["created"])

	status, body = doJSON(t, app, http.MethodPost, "/admin/purchases", map[string]interface{}{
		"email": "C@x.com", "product": "bundle",
	}, headers)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["created"])
	assert.EqualValues(t, 1, countRows(t, db, &models.Purchase{}))
}

func TestAdminVerifyTransaction(t *testing.T) {
	source := &stubSource{txs: map[string]*checkout.Transaction{
		"tx_v": {ID: "tx_v", Status: "paid", Email: "v@x.com", LineItems: []checkout.LineItem{{RawProductID: "1"}}},
	}}
	app, _, _ := newTestApp(t, source)
	headers := map[string]string{"X-API-Key": "admin-key"}

	status, body := doJSON(t, app, http.MethodGet, "/admin/transactions/tx_v/verify", nil, headers)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["in_sync"])

	status, _ = doJSON(t, app, http.MethodPost, "/reconcile", map[string]string{"transaction_id": "tx_v"}, nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body = doJSON(t, app, http.MethodGet, "/admin/transactions/tx_v/verify", nil, headers)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["in_sync"])
}
