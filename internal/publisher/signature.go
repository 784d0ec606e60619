package publisher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier checks an event row's integrity. A false verdict quarantines
// the row; it is never forwarded and never retried.
type Verifier interface {
	Verify(eventName string, payload, sendOptions []byte, signature string) bool
}

// HMACVerifier signs and verifies event rows with HMAC-SHA256 over the
// (event_name, payload, send_options) tuple. The writer and the
// publisher share the secret; a row whose stored signature does not
// match its recomputed one was forged or corrupted.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier with the shared secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

// Sign computes the hex signature for an event tuple. Used by event
// writers and by tests seeding valid rows.
func (v *HMACVerifier) Sign(eventName string, payload, sendOptions []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(eventName))
	mac.Write([]byte{'\n'})
	mac.Write(payload)
	mac.Write([]byte{'\n'})
	mac.Write(sendOptions)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify implements Verifier in constant time.
func (v *HMACVerifier) Verify(eventName string, payload, sendOptions []byte, signature string) bool {
	expected := v.Sign(eventName, payload, sendOptions)
	return hmac.Equal([]byte(expected), []byte(signature))
}
