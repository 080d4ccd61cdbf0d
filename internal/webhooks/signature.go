package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Verify checks an HMAC-SHA256 signature over timestamp + "." + raw body,
// rendered as lowercase hex. A length mismatch fails before any comparison.
func Verify(secret string, body []byte, timestamp, provided string) error {
	expected := Sign(secret, timestamp, body)
	if len(provided) != len(expected) {
		return &SignatureError{Reason: "signature length mismatch"}
	}
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// Sign returns lowercase hex of HMAC-SHA256 over timestamp + "." + body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("%x", mac.Sum(nil))
}
