package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"text":"hi"}`)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"valid", sign(secret, body), true},
		{"wrong secret", sign([]byte("other"), body), false},
		{"tampered body", sign(secret, []byte(`{"text":"HI"}`)), false},
		{"missing prefix still valid hex", sign(secret, body)[len("sha256="):], true},
		{"not hex", "sha256=zzzz", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(secret, body, tt.header); got != tt.want {
				t.Fatalf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}
