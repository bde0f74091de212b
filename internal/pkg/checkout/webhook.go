package checkout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Checkout-Signature"

// VerifyWebhookSignature checks the signature header against the raw body.
// An optional "sha256=" prefix is accepted.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// SignPayload returns the hex signature for payload. Used by tests and the
// CLI's replay command.
func SignPayload(payload []byte, webhookSecret string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(webhookSecret)))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PayloadHash identifies deliveries that carry no event id.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ParseEvent decodes a webhook body. Events of any type parse; callers decide
// with IsPurchaseEvent whether to write them.
func ParseEvent(payload []byte) (*Event, error) {
	type rawPayload struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev := &Event{
		ID:   strings.TrimSpace(raw.ID),
		Type: strings.ToLower(strings.TrimSpace(raw.Type)),
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	if !IsPurchaseEvent(ev.Type) {
		return ev, nil
	}

	var tx rawTransaction
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &tx); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrInvalidPayload, err)
		}
	}
	ev.Transaction = tx.normalize()
	// a completion event is itself the proof of payment
	if ev.Transaction.Status == "" {
		ev.Transaction.Status = StatusCompleted
	}

	if ev.Transaction.ID == "" {
		return nil, fmt.Errorf("%w: missing transaction id", ErrInvalidPayload)
	}
	if ev.Transaction.Email == "" {
		return nil, fmt.Errorf("%w: missing customer email", ErrInvalidPayload)
	}
	return ev, nil
}
