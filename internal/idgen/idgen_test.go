package idgen

import (
	"strings"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 1000; i++ {
		id := New()
		if id == "" {
			t.Fatalf("empty id")
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := ExecutionID()
	if !strings.HasPrefix(id, "exec_") {
		t.Fatalf("expected exec_ prefix, got %s", id)
	}
	if Prefixed("") == "" {
		t.Fatalf("expected fallback to bare id")
	}
	if !strings.HasPrefix(StepID(), "step_") {
		t.Fatalf("expected step_ prefix")
	}
	if !strings.HasPrefix(ThreadID(), "th_") || !strings.HasPrefix(ContextID(), "ctx_") || !strings.HasPrefix(ItemID(), "item_") {
		t.Fatalf("unexpected entity prefixes")
	}
}
