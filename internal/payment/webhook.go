package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// WebhookVerifier authenticates gateway notifications. The HMAC is computed
// over the raw request bytes; any re-serialization of the JSON (key order,
// whitespace) would change them, so callers must capture the body before
// parsing.
type WebhookVerifier struct {
	secret []byte
	guard  string
}

func NewWebhookVerifier(secret []byte, guard string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, guard: guard}
}

// Authenticate checks the hex HMAC-SHA256 signature supplied in the
// notification header against the raw body. Constant-time.
func (v *WebhookVerifier) Authenticate(rawBody []byte, signature string) error {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// GuardMatches checks the optional secondary token carried in the
// notification metadata. A mismatch means "not for us", not "forged": the
// handler acknowledges and ignores rather than failing.
func (v *WebhookVerifier) GuardMatches(got string) bool {
	if v.guard == "" {
		return true
	}
	return hmac.Equal([]byte(v.guard), []byte(got))
}
