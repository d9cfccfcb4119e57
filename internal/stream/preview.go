package stream

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

// PreviewBudget is the maximum number of runes a part preview may carry on
// the wire. Full payloads stay in the store; the stream only ever sees a
// bounded excerpt.
const PreviewBudget = 240

var secretFieldPattern = regexp.MustCompile(`(?i)(token|secret|password|credential|api[-_]?key|authorization|bearer|private[-_]?key)`)

const redactedPlaceholder = "[redacted]"

// TruncatePreview bounds s to PreviewBudget runes, appending an ellipsis
// marker when it was cut.
func TruncatePreview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewBudget {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewBudget]) + "…"
}

// RedactSecrets replaces the value of any field whose name matches a
// token/secret/credential pattern, recursing into nested objects and
// arrays. The input map is not modified.
func RedactSecrets(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if secretFieldPattern.MatchString(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactSecrets(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// PayloadPreview renders a redacted, bounded preview of an arbitrary part
// payload for part.created emission.
func PayloadPreview(payload map[string]any) string {
	data, err := json.Marshal(RedactSecrets(payload))
	if err != nil {
		return ""
	}
	return TruncatePreview(string(data))
}
