package action

import (
	"context"
	"fmt"
	"strings"
)

type NoopInput struct {
	Comment string `json:"comment,omitempty"`
}

// Noop explicitly does nothing. Useful when the reactor wants to record
// that it considered acting and chose not to.
func Noop() Definition {
	return Definition{
		Name:        "noop",
		Description: "Explicitly do nothing and leave a short optional comment",
		InputSchema: MustSchema[NoopInput](),
		Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			comment, _ := input["comment"].(string)
			return map[string]any{
				"status":  "idle",
				"comment": strings.TrimSpace(comment),
			}, nil
		},
	}
}

type NotifyInput struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// Notify sends a message to a recipient through the supplied send
// function. It is approval-gated: a human decides before anything leaves
// the system.
func Notify(send func(ctx context.Context, recipient, message string) error) Definition {
	return Definition{
		Name:        "notify",
		Description: "Send a short message to an external recipient",
		Auto:        Auto(false),
		InputSchema: MustSchema[NotifyInput](),
		Execute: func(ctx context.Context, input map[string]any) (map[string]any, error) {
			recipient, _ := input["recipient"].(string)
			message, _ := input["message"].(string)
			if strings.TrimSpace(recipient) == "" {
				return nil, fmt.Errorf("recipient is required")
			}
			if send != nil {
				if err := send(ctx, recipient, message); err != nil {
					return nil, fmt.Errorf("send notification: %w", err)
				}
			}
			return map[string]any{
				"status":    "sent",
				"recipient": recipient,
			}, nil
		},
	}
}
