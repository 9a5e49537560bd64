package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An empty secret or signature
// never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(payload, secret))
	if err != nil {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

// canonicalRequest is the string signed for outgoing requests:
// METHOD:PATH:hex(sha256(body)):TIMESTAMP
func canonicalRequest(method, path string, body []byte, timestamp string) []byte {
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		method,
		path,
		hex.EncodeToString(digest[:]),
		timestamp,
	}, ":"))
}
