package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrSignatureInvalid means the webhook body did not match the signature
	// header. The request is rejected outright; nothing is parsed or emitted.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrMalformedNotification means the body passed signature verification
	// but is not a notification this service understands. Not retried.
	ErrMalformedNotification = errors.New("malformed provider notification")
)

// Provider notification types this service accepts.
const (
	notifySucceeded = "payment.succeeded"
	notifyFailed    = "payment.failed"
)

// providerNotification is the provider's webhook body after verification.
// DeliveryID is the provider's own redelivery identifier and anchors webhook
// dedup in the ledger.
type providerNotification struct {
	DeliveryID  string `json:"deliveryId"`
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	ProviderRef string `json:"providerRef"`
	Reason      string `json:"reason,omitempty"`
}

// verifySignature checks the hex-encoded HMAC-SHA256 of body against the
// shared secret. Comparison is constant time; any mismatch fails closed.
func verifySignature(secret, body []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrSignatureInvalid
	}
	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignBody computes the signature header value for a payload. Exported for
// tests and local tooling that simulate the provider.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseNotification(body []byte) (providerNotification, error) {
	var n providerNotification
	if err := sonic.ConfigStd.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if n.DeliveryID == "" || n.SessionID == "" {
		return n, fmt.Errorf("%w: missing deliveryId or sessionId", ErrMalformedNotification)
	}
	if n.Type != notifySucceeded && n.Type != notifyFailed {
		return n, fmt.Errorf("%w: unknown type %q", ErrMalformedNotification, n.Type)
	}
	return n, nil
}
