package util

import (
	"strings"
	"testing"
)

func TestGeneratedIDFormats(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
		hexLen int
	}{
		{"random id", func() string { return GenerateRandomID("evt_", 12) }, "evt_", 12},
		{"no prefix", func() string { return GenerateRandomID("", 8) }, "", 8},
		{"zero length", func() string { return GenerateRandomID("x", 0) }, "x", 0},
		{"message record", GenerateMessageRecordID, "msg_", 32},
		{"injected message", GenerateInjectedMessageID, "INJ", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Fatalf("id %q missing prefix %q", id, tt.prefix)
			}
			hex := strings.TrimPrefix(id, tt.prefix)
			if len(hex) != tt.hexLen {
				t.Errorf("id %q: expected %d hex chars, got %d", id, tt.hexLen, len(hex))
			}
			if !isValidHex(hex) {
				t.Errorf("id %q has non-hex suffix", id)
			}
		})
	}
}

func TestGenerateRandomHex_NegativeLength(t *testing.T) {
	if got := GenerateRandomHex(-3); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestMessageRecordIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateMessageRecordID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate record id %s after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
