package stream

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncatePreview(t *testing.T) {
	short := "hello"
	if got := TruncatePreview(short); got != short {
		t.Fatalf("short string must pass through, got %q", got)
	}
	long := strings.Repeat("a", PreviewBudget*2)
	got := TruncatePreview(long)
	if utf8.RuneCountInString(got) != PreviewBudget+1 {
		t.Fatalf("expected %d runes, got %d", PreviewBudget+1, utf8.RuneCountInString(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis marker")
	}
}

func TestRedactSecrets(t *testing.T) {
	payload := map[string]any{
		"text":    "fine",
		"api_key": "sk-123",
		"nested": map[string]any{
			"Authorization": "Bearer xyz",
			"count":         float64(2),
		},
		"list": []any{
			map[string]any{"password": "hunter2"},
		},
	}
	out := RedactSecrets(payload)
	if out["text"] != "fine" {
		t.Fatalf("non-secret field altered")
	}
	if out["api_key"] != "[redacted]" {
		t.Fatalf("api_key not redacted: %v", out["api_key"])
	}
	nested := out["nested"].(map[string]any)
	if nested["Authorization"] != "[redacted]" {
		t.Fatalf("nested header not redacted")
	}
	if nested["count"] != float64(2) {
		t.Fatalf("nested non-secret altered")
	}
	item := out["list"].([]any)[0].(map[string]any)
	if item["password"] != "[redacted]" {
		t.Fatalf("list element not redacted")
	}
	// Original untouched.
	if payload["api_key"] != "sk-123" {
		t.Fatalf("input map mutated")
	}
}

func TestPayloadPreviewBoundsAndRedacts(t *testing.T) {
	payload := map[string]any{
		"secret_token": "abc",
		"text":         strings.Repeat("x", PreviewBudget*3),
	}
	got := PayloadPreview(payload)
	if strings.Contains(got, "abc") {
		t.Fatalf("secret leaked into preview")
	}
	if utf8.RuneCountInString(got) > PreviewBudget+1 {
		t.Fatalf("preview exceeds budget: %d runes", utf8.RuneCountInString(got))
	}
}
