package prompt

import (
	"strings"
	"testing"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/store"
)

func TestBuildIncludesContextAndActions(t *testing.T) {
	c := store.Context{
		ID:      "ctx_1",
		Content: map[string]any{"topic": "billing"},
	}
	defs := []action.Definition{
		{Name: "noop", Description: "do nothing"},
		{Name: "notify", Description: "send a message", Auto: action.Auto(false)},
	}

	got := Build("prod", c, defs)
	for _, want := range []string{
		"Environment: prod",
		`"topic": "billing"`,
		"- noop: do nothing",
		"- notify: send a message [requires approval]",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	got := Build("", store.Context{}, nil)
	if strings.Contains(got, "Context state") || strings.Contains(got, "Available actions") {
		t.Fatalf("empty sections rendered:\n%s", got)
	}
	if !strings.HasPrefix(got, DefaultSystemPrompt) {
		t.Fatal("base instructions missing")
	}
}
