package controllers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkoutsync"
	"github.com/ManuelReschke/ContentPass/internal/pkg/metrics"
)

// CheckoutController receives checkout provider webhooks.
type CheckoutController struct {
	svc *Services
}

func NewCheckoutController(svc *Services) *CheckoutController {
	return &CheckoutController{svc: svc}
}

// HandleCheckoutWebhook records every delivery before acting on it. A
// delivery seen before is acknowledged without reprocessing unless its first
// attempt failed; ledger writes are idempotent so a retry is safe.
func (cc *CheckoutController) HandleCheckoutWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(checkout.SignatureHeader))

	ctx, cancel := requestContext(c)
	defer cancel()

	signatureValid := checkout.VerifyWebhookSignature(rawBody, signature, cc.svc.WebhookSecret)
	ev, parseErr := checkout.ParseEvent(rawBody)

	record := &models.CheckoutWebhookEvent{
		Provider:       models.CheckoutProviderDefault,
		EventType:      "unknown",
		PayloadJSON:    string(rawBody),
		SignatureValid: signatureValid,
	}
	if ev != nil {
		record.ProviderEventID = ev.ID
		record.EventType = ev.Type
		record.TransactionID = ev.Transaction.ID
	}
	// An unsigned body cannot claim a provider event id.
	if record.ProviderEventID == "" || !signatureValid {
		record.ProviderEventID = checkout.PayloadHash(rawBody)
	}

	created, stored, err := cc.svc.Webhooks.CreateIfNotExists(record)
	if err != nil {
		log.Errorf("[Webhook] Failed to persist delivery %s: %v", record.ProviderEventID, err)
		metrics.IncWebhookEvent(record.EventType, metrics.OutcomeError)
		return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed", "")
	}
	if !created && !needsRetry(stored) {
		metrics.IncWebhookEvent(record.EventType, metrics.OutcomeDuplicate)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}

	if !signatureValid {
		cc.markProcessed(stored.ID, "invalid webhook signature", nil)
		metrics.IncWebhookEvent(record.EventType, metrics.OutcomeError)
		return jsonError(c, fiber.StatusUnauthorized, "invalid_signature", "")
	}
	if parseErr != nil {
		cc.markProcessed(stored.ID, parseErr.Error(), nil)
		metrics.IncWebhookEvent(record.EventType, metrics.OutcomeError)
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload", parseErr.Error())
	}
	if !checkout.IsPurchaseEvent(ev.Type) {
		cc.markProcessed(stored.ID, "", nil)
		metrics.IncWebhookEvent(ev.Type, metrics.OutcomeIgnored)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	outcome := cc.svc.Sync.HandleEvent(ctx, *ev)
	outcomeJSON, _ := json.Marshal(outcome)
	cc.markProcessed(stored.ID, summarizeErrors(outcome.Errors), datatypes.JSON(outcomeJSON))

	if outcome.HasErrors() && len(outcome.Written) == 0 {
		metrics.IncWebhookEvent(ev.Type, metrics.OutcomeError)
		return jsonError(c, fiber.StatusInternalServerError, "event_processing_failed", summarizeErrors(outcome.Errors))
	}

	metrics.IncWebhookEvent(ev.Type, metrics.OutcomeOK)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":             true,
		"transaction_id": outcome.TransactionID,
		"written":        len(outcome.Written),
		"errors":         outcome.Errors,
	})
}

func (cc *CheckoutController) markProcessed(id uint, processingError string, outcome datatypes.JSON) {
	if err := cc.svc.Webhooks.MarkProcessed(id, processingError, outcome); err != nil {
		log.Errorf("[Webhook] Failed to mark delivery %d processed: %v", id, err)
	}
}

// needsRetry reports whether an already stored delivery should run again:
// it never finished, or it finished with an error.
func needsRetry(stored *models.CheckoutWebhookEvent) bool {
	return stored.ProcessedAt == nil || stored.ProcessingError != ""
}

func summarizeErrors(errs []checkoutsync.ItemError) string {
	if len(errs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.RawID, e.Reason))
	}
	return strings.Join(parts, "; ")
}
