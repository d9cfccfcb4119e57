// Package prompt renders the default system prompt for a turn from the
// context's content and the actions available to the reactor.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/store"
)

const DefaultSystemPrompt = `You are turbine, a durable agent runtime.

Core rules:
- Respond to the user's message using the context state below.
- When an action would help, request it by name with JSON input matching its schema.
- Some actions require human approval before they run; request them anyway and
  incorporate the outcome, including rejections, into your reply.
- After action results arrive, summarize what happened rather than repeating raw output.
- Keep replies short and concrete.
`

// Build renders the system prompt for one iteration. Context content and
// the action catalog are appended to the base instructions.
func Build(envName string, c store.Context, defs []action.Definition) string {
	var b strings.Builder
	b.WriteString(DefaultSystemPrompt)

	if envName != "" {
		fmt.Fprintf(&b, "\nEnvironment: %s\n", envName)
	}

	if len(c.Content) > 0 {
		b.WriteString("\nContext state:\n")
		if data, err := json.MarshalIndent(c.Content, "", "  "); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}

	if len(defs) > 0 {
		b.WriteString("\nAvailable actions:\n")
		for _, def := range defs {
			desc := def.Description
			if desc == "" {
				desc = "(no description)"
			}
			gated := ""
			if !def.AutoExecute() {
				gated = " [requires approval]"
			}
			fmt.Fprintf(&b, "- %s: %s%s\n", def.Name, desc, gated)
		}
	}

	return b.String()
}
