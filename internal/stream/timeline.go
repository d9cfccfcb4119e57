package stream

import (
	"fmt"
	"strings"

	"github.com/turbine-ai/turbine/internal/transition"
)

// entityKindFor returns the transition table an event's From/To fields are
// checked against, derived from the event type's prefix.
func entityKindFor(t EventType) (transition.Kind, bool) {
	prefix, _, ok := strings.Cut(string(t), ".")
	if !ok {
		return "", false
	}
	switch prefix {
	case "thread":
		return transition.KindThread, true
	case "context":
		return transition.KindContext, true
	case "execution":
		return transition.KindExecution, true
	case "step":
		return transition.KindStep, true
	case "item":
		return transition.KindItem, true
	default:
		return "", false
	}
}

// ValidateTimeline checks every transition-bearing event in sequence order
// against the transition tables and fails on the first illegal transition.
// An event is transition-bearing when both From and To are set; the codec
// does not track entity state across calls, it only checks that the table
// permits each tagged transition.
func ValidateTimeline(events []Event) error {
	for i, evt := range events {
		if evt.From == "" || evt.To == "" {
			continue
		}
		kind, ok := entityKindFor(evt.Type)
		if !ok {
			return fmt.Errorf("timeline event %d (%s): transition tag on non-entity event", i, evt.Type)
		}
		if err := transition.Assert(kind, evt.From, evt.To); err != nil {
			return fmt.Errorf("timeline event %d (%s): %w", i, evt.Type, err)
		}
	}
	return nil
}
