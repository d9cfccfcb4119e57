package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Entity prefixes used across the engine. Ids are minted by the caller and
// handed to the store, so a replayed call reuses the id it minted the first
// time instead of relying on store-side auto-increment.
const (
	PrefixThread    = "th"
	PrefixContext   = "ctx"
	PrefixExecution = "exec"
	PrefixStep      = "step"
	PrefixItem      = "item"
)

// Prefixed returns a UUIDv7 identifier with an entity prefix,
// e.g. "exec_0190ab...".
func Prefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

func ThreadID() string    { return Prefixed(PrefixThread) }
func ContextID() string   { return Prefixed(PrefixContext) }
func ExecutionID() string { return Prefixed(PrefixExecution) }
func StepID() string      { return Prefixed(PrefixStep) }
func ItemID() string      { return Prefixed(PrefixItem) }
