package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/linker"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics/counter"
)

// AdminController exposes operator tooling over the ledger.
type AdminController struct {
	svc *Services
}

func NewAdminController(svc *Services) *AdminController {
	return &AdminController{svc: svc}
}

type relinkRequest struct {
	AccountID string `json:"account_id" validate:"required,max=64"`
	Email     string `json:"email" validate:"required,email"`
}

type grantRequest struct {
	Email     string  `json:"email" validate:"required,email"`
	Product   string  `json:"product" validate:"required,max=191"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	AccountID string  `json:"account_id" validate:"max=64"`
}

type resolveConflictRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// HandleRelink attaches unlinked purchases for an email to an account.
func (ac *AdminController) HandleRelink(c *fiber.Ctx) error {
	var req relinkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := ac.svc.Linker.Link(ctx, req.AccountID, req.Email)
	if err != nil {
		if errors.Is(err, linker.ErrInvalidInput) {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
		}
		return storageFailure(c, err)
	}
	log.Infof("[Admin] Relinked %d purchases for %s to %s", res.Linked, req.Email, req.AccountID)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"linked":    res.Linked,
		"conflicts": res.Conflicts,
	})
}

// HandleGrant records a manual purchase. Only products the catalog knows can
// be granted.
func (ac *AdminController) HandleGrant(c *fiber.Ctx) error {
	var req grantRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	res := ac.svc.Catalog.Normalize(req.Product)
	if res.Unmapped {
		return jsonError(c, fiber.StatusUnprocessableEntity, "unknown_product", "product does not map to a catalog entry")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	p, created, err := ac.svc.Ledger.Grant(ctx, ledger.GrantInput{
		Email:        req.Email,
		CanonicalKey: res.Key,
		RawID:        strings.TrimSpace(req.Product),
		Amount:       req.Amount,
		AccountID:    ledger.StringPtr(req.AccountID),
	})
	if err != nil {
		return storageFailure(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		log.Infof("[Admin] Granted %s to %s", p.CanonicalProductKey, p.Email)
	}
	return c.Status(status).JSON(fiber.Map{"created": created, "purchase": p})
}

// HandleListPurchases lists ledger rows, newest first.
func (ac *AdminController) HandleListPurchases(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	rows, err := ac.svc.Ledger.List(ctx, ledger.ListFilter{
		Email:         c.Query("email"),
		AccountID:     c.Query("account_id"),
		TransactionID: c.Query("transaction_id"),
		Source:        c.Query("source"),
		UnmappedOnly:  queryBool(c, "unmapped"),
		Limit:         c.QueryInt("limit", 0),
	})
	if err != nil {
		return storageFailure(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"purchases": rows, "count": len(rows)})
}

// HandleListConflicts lists link conflicts; ?open=true hides resolved ones.
func (ac *AdminController) HandleListConflicts(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	conflicts, err := ac.svc.Linker.Conflicts(ctx, queryBool(c, "open"))
	if err != nil {
		return storageFailure(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"conflicts": conflicts, "count": len(conflicts)})
}

// HandleResolveConflict closes a conflict with an optional note.
func (ac *AdminController) HandleResolveConflict(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "conflict id must be a positive integer")
	}
	var req resolveConflictRequest
	if len(c.Body()) > 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	conflict, err := ac.svc.Linker.ResolveConflict(ctx, uint(id), req.Note)
	if err != nil {
		if errors.Is(err, linker.ErrConflictNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "")
		}
		return storageFailure(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(conflict)
}

// HandleListWebhookEvents lists stored deliveries; ?failed=true keeps the
// ones that errored or never finished.
func (ac *AdminController) HandleListWebhookEvents(c *fiber.Ctx) error {
	offset, limit := queryPage(c)
	events, err := ac.svc.Webhooks.List(offset, limit, queryBool(c, "failed"))
	if err != nil {
		log.Errorf("[Admin] Failed to list webhook events: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "storage_unavailable", "")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": events, "count": len(events)})
}

// HandleVerifyTransaction diffs a provider transaction against the ledger
// without writing.
func (ac *AdminController) HandleVerifyTransaction(c *fiber.Ctx) error {
	txID := strings.TrimSpace(c.Params("id"))

	ctx, cancel := requestContext(c)
	defer cancel()

	diff, err := ac.svc.Sync.Verify(ctx, txID)
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrTransactionNotFound):
			return jsonError(c, fiber.StatusNotFound, "transaction_not_found", "")
		case errors.Is(err, checkout.ErrUpstreamFetch):
			return jsonError(c, fiber.StatusBadGateway, "upstream_unavailable", err.Error())
		default:
			return storageFailure(c, err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"transaction_id": diff.TransactionID,
		"in_sync":        diff.InSync(),
		"missing":        diff.Missing,
		"unexpected":     diff.Unexpected,
	})
}

// HandleCatalog lists the product catalog.
func (ac *AdminController) HandleCatalog(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"products": ac.svc.Catalog.Entries()})
}

// HandleUnmapped lists raw product ids that were written without a catalog
// match, most frequent first. Used to decide which aliases to add.
func (ac *AdminController) HandleUnmapped(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	tallies, err := counter.TopUnmapped(ctx, c.QueryInt("limit", 50))
	if err != nil {
		if errors.Is(err, counter.ErrDisabled) {
			return jsonError(c, fiber.StatusServiceUnavailable, "tally_disabled", "unmapped tally needs Redis")
		}
		log.Errorf("[Admin] Failed to read unmapped tally: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "cache_unavailable", "")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"unmapped": tallies})
}

// HandleSweepUnmapped drops tallies for ids the current catalog resolves.
func (ac *AdminController) HandleSweepUnmapped(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	cleared, err := counter.SweepUnmapped(ctx, func(rawID string) bool {
		return !ac.svc.Catalog.Normalize(rawID).Unmapped
	})
	if err != nil {
		if errors.Is(err, counter.ErrDisabled) {
			return jsonError(c, fiber.StatusServiceUnavailable, "tally_disabled", "unmapped tally needs Redis")
		}
		log.Errorf("[Admin] Failed to sweep unmapped tally: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "cache_unavailable", "")
	}
	if len(cleared) > 0 {
		log.Infof("[Admin] Cleared %d unmapped tallies", len(cleared))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"cleared": cleared, "count": len(cleared)})
}

// HandleNormalize shows how a raw product identifier resolves.
func (ac *AdminController) HandleNormalize(c *fiber.Ctx) error {
	raw := c.Query("raw")
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"raw": raw, "result": ac.svc.Catalog.Normalize(raw)})
}
