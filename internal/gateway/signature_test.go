package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"orderId":"o1","status":"COMPLETED"}`)

	a := Sign(payload, "secret")
	b := Sign(payload, "secret")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Sign(payload, "other-secret"))
	assert.NotEqual(t, a, Sign([]byte(`{"orderId":"o1","status":"FAILED"}`), "secret"))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"orderId":"o1"}`)
	sig := Sign(payload, "whsec")

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid", payload, sig, "whsec", true},
		{"valid with whitespace", payload, " " + sig + "\n", "whsec", true},
		{"wrong secret", payload, sig, "nope", false},
		{"tampered payload", []byte(`{"orderId":"o2"}`), sig, "whsec", false},
		{"missing signature", payload, "", "whsec", false},
		{"no secret configured", payload, sig, "", false},
		{"not hex", payload, "zz" + sig[2:], "whsec", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.payload, tt.signature, tt.secret))
		})
	}
}

func TestCanonicalRequestCoversEveryPart(t *testing.T) {
	base := string(canonicalRequest("POST", "/p", []byte("body"), "ts"))
	assert.NotEqual(t, base, string(canonicalRequest("GET", "/p", []byte("body"), "ts")))
	assert.NotEqual(t, base, string(canonicalRequest("POST", "/q", []byte("body"), "ts")))
	assert.NotEqual(t, base, string(canonicalRequest("POST", "/p", []byte("other"), "ts")))
	assert.NotEqual(t, base, string(canonicalRequest("POST", "/p", []byte("body"), "ts2")))
}

func TestOrderStatusMapping(t *testing.T) {
	tests := map[string]string{
		"COMPLETED": "COMPLETED",
		"settled":   "COMPLETED",
		"FAILED":    "FAILED",
		" EXPIRED ": "FAILED",
		"PENDING":   "PENDING",
		"REFUNDED":  "PENDING",
		"":          "PENDING",
	}
	for remote, want := range tests {
		assert.Equal(t, want, string(OrderStatus(remote)), remote)
	}
}
