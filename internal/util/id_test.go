package util

import (
	"encoding/base64"
	"testing"
)

func TestNewEventToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := NewEventToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		if len(tok) != 22 {
			t.Fatalf("expected 22 chars, got %d (%q)", len(tok), tok)
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil || len(raw) != 16 {
			t.Fatalf("token %q is not 16 bytes of base64url: %v", tok, err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
