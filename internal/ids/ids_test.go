package ids

import (
	"strings"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not monotonic: %s <= %s", next, prev)
		}
		prev = next
	}
}

func TestTransactionPrefix(t *testing.T) {
	if id := Transaction(); !strings.HasPrefix(id, "tx-") {
		t.Fatalf("unexpected transaction id %q", id)
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(24)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(s) != 48 {
		t.Fatalf("expected 48 hex chars, got %d", len(s))
	}
}
