package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wal_")
	if !strings.HasPrefix(id, "wal_") {
		t.Fatalf("expected wal_ prefix, got %q", id)
	}
	if len(id) != len("wal_")+24 {
		t.Fatalf("expected 24 hex chars after prefix, got %q", id)
	}
}

func TestWithPrefixUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("pay_")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
