package controllers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkoutsync"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/usercontext"
)

// EntitlementController serves entitlement lookups, session refresh and
// buyer-initiated reconciliation.
type EntitlementController struct {
	svc *Services
}

func NewEntitlementController(svc *Services) *EntitlementController {
	return &EntitlementController{svc: svc}
}

type reconcileRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,max=191"`
}

type reconciledItem struct {
	RawID     string `json:"raw_id"`
	Key       string `json:"canonical_key"`
	Created   bool   `json:"created"`
	Unmapped  bool   `json:"unmapped"`
	SoftMatch bool   `json:"soft_match"`
}

// HandleRefresh re-resolves entitlements for the session's account and returns
// a fresh token. Claims are rebuilt from the stored account, never copied from
// the presented token. Older tokens stay valid until they expire.
func (ec *EntitlementController) HandleRefresh(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	account, err := ec.svc.Accounts.GetByID(userCtx.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusUnauthorized, "session_invalid", "account no longer exists")
		}
		log.Errorf("[Entitlements] Refresh lookup failed for %s: %v", userCtx.AccountID, err)
		return jsonError(c, fiber.StatusInternalServerError, "storage_unavailable", "")
	}
	if account.Status != models.STATUS_ACTIVE {
		return jsonError(c, fiber.StatusForbidden, "account_disabled", "")
	}
	identity := ledger.Identity{AccountID: account.ID, Email: account.Email}

	ctx, cancel := requestContext(c)
	defer cancel()

	set, err := ec.svc.Resolver.Resolve(ctx, identity)
	if err != nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "entitlements_unavailable",
			"purchases could not be loaded, please try again shortly")
	}

	operator := account.IsOperator() || ec.svc.Resolver.IsOperatorIdentity(identity)
	token, claims, err := ec.svc.Sessions.Issue(account.ID, account.Email, set, operator)
	if err != nil {
		log.Errorf("[Entitlements] Failed to sign refreshed session for %s: %v", account.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "session_failed", "")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"token":        token,
		"expires_at":   claims.ExpiresAt.Time,
		"entitlements": claims.Entitlements,
		"operator":     operator,
	})
}

// HandleCheck answers whether the session's account owns one product. The
// product may be given as a canonical key or any known alias.
func (ec *EntitlementController) HandleCheck(c *fiber.Ctx) error {
	product := strings.TrimSpace(c.Query("product"))
	if product == "" {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "product is required")
	}
	userCtx := usercontext.GetUserContext(c)
	identity := ledger.Identity{AccountID: userCtx.AccountID, Email: userCtx.Email}

	ctx, cancel := requestContext(c)
	defer cancel()

	owned, err := ec.svc.Resolver.Owns(ctx, identity, product)
	if err != nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "entitlements_unavailable", "")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"product":       product,
		"canonical_key": ec.svc.Catalog.Normalize(product).Key,
		"owned":         owned,
	})
}

// HandleQuery resolves entitlements for an arbitrary identity (operators only).
func (ec *EntitlementController) HandleQuery(c *fiber.Ctx) error {
	identity := ledger.Identity{
		AccountID: c.Query("account_id"),
		Email:     c.Query("email"),
	}.Normalized()
	if identity.IsEmpty() {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "account_id or email is required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	set, err := ec.svc.Resolver.Resolve(ctx, identity)
	if err != nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "entitlements_unavailable", "")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"account_id":   identity.AccountID,
		"email":        identity.Email,
		"entitlements": set,
	})
}

// HandleReconcile pulls a transaction from the provider and writes it to the
// ledger through the same path webhooks use. Buyers call this when a webhook
// never arrived.
func (ec *EntitlementController) HandleReconcile(c *fiber.Ctx) error {
	var req reconcileRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	txID := strings.TrimSpace(req.TransactionID)

	ctx, cancel := requestContext(c)
	defer cancel()

	outcome, err := ec.svc.Sync.Reconcile(ctx, txID)
	if err != nil {
		return reconcileFailure(c, txID, err)
	}

	items := make([]reconciledItem, 0, len(outcome.Written))
	for _, w := range outcome.Written {
		items = append(items, reconciledItem{
			RawID:     w.RawID,
			Key:       w.Key,
			Created:   w.Created,
			Unmapped:  w.Unmapped,
			SoftMatch: w.SoftMatch,
		})
	}

	body := fiber.Map{
		"ok":             !outcome.HasErrors(),
		"transaction_id": outcome.TransactionID,
		"written":        items,
		"errors":         outcome.Errors,
	}
	if outcome.HasErrors() {
		body["message"] = supportMessage(txID)
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

func reconcileFailure(c *fiber.Ctx, txID string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "transaction_id is required")
	case errors.Is(err, checkout.ErrTransactionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":          "transaction_not_found",
			"message":        supportMessage(txID),
			"transaction_id": txID,
		})
	case errors.Is(err, checkoutsync.ErrTransactionNotCompleted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":          "transaction_not_completed",
			"message":        "this transaction has not been paid",
			"transaction_id": txID,
		})
	case errors.Is(err, checkout.ErrUpstreamFetch):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":          "upstream_unavailable",
			"message":        supportMessage(txID),
			"transaction_id": txID,
		})
	default:
		log.Errorf("[Reconcile] Transaction %s failed: %v", txID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":          "reconcile_failed",
			"message":        supportMessage(txID),
			"transaction_id": txID,
		})
	}
}

func supportMessage(txID string) string {
	return fmt.Sprintf("We could not confirm this purchase right now. Please try again later or contact support with transaction id %s.", txID)
}
