package stream

import (
	"fmt"
	"strings"
	"sync"
)

// ChunkType is the canonical chunk taxonomy producer-specific stream
// chunks are normalized into.
type ChunkType string

const (
	// Lifecycle.
	ChunkStart      ChunkType = "start"
	ChunkStartStep  ChunkType = "start_step"
	ChunkFinishStep ChunkType = "finish_step"
	ChunkFinish     ChunkType = "finish"

	// Text.
	ChunkTextStart ChunkType = "text_start"
	ChunkTextDelta ChunkType = "text_delta"
	ChunkTextEnd   ChunkType = "text_end"

	// Reasoning.
	ChunkReasoningStart ChunkType = "reasoning_start"
	ChunkReasoningDelta ChunkType = "reasoning_delta"
	ChunkReasoningEnd   ChunkType = "reasoning_end"

	// Action I/O.
	ChunkActionInputStart      ChunkType = "action_input_start"
	ChunkActionInputDelta      ChunkType = "action_input_delta"
	ChunkActionInputAvailable  ChunkType = "action_input_available"
	ChunkActionOutputAvailable ChunkType = "action_output_available"
	ChunkActionOutputError     ChunkType = "action_output_error"

	// Source and file chunks.
	ChunkSource ChunkType = "source"
	ChunkFile   ChunkType = "file"

	// Metadata.
	ChunkMetadata ChunkType = "metadata"

	// Terminal buckets.
	ChunkError   ChunkType = "error"
	ChunkUnknown ChunkType = "unknown"
)

var knownChunkTypes = map[ChunkType]struct{}{
	ChunkStart: {}, ChunkStartStep: {}, ChunkFinishStep: {}, ChunkFinish: {},
	ChunkTextStart: {}, ChunkTextDelta: {}, ChunkTextEnd: {},
	ChunkReasoningStart: {}, ChunkReasoningDelta: {}, ChunkReasoningEnd: {},
	ChunkActionInputStart: {}, ChunkActionInputDelta: {}, ChunkActionInputAvailable: {},
	ChunkActionOutputAvailable: {}, ChunkActionOutputError: {},
	ChunkSource: {}, ChunkFile: {}, ChunkMetadata: {},
	ChunkError: {}, ChunkUnknown: {},
}

// KnownChunkType reports whether t is in the canonical taxonomy.
func KnownChunkType(t ChunkType) bool {
	_, ok := knownChunkTypes[t]
	return ok
}

// Chunk is one normalized unit of streamed output. Sequence is strictly
// monotonic per context, starting at 1; a gap indicates a transport or
// buffering bug upstream.
type Chunk struct {
	Type       ChunkType `json:"type"`
	Sequence   int64     `json:"sequence"`
	Delta      string    `json:"delta,omitempty"`
	ActionRef  string    `json:"action_ref,omitempty"`
	ActionName string    `json:"action_name,omitempty"`
	RawType    string    `json:"raw_type,omitempty"`
}

type chunkRule struct {
	match func(string) bool
	out   ChunkType
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isAny(s string, values ...string) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}
	return false
}

// chunkRules is an ordered cascade, specific before generic. The first
// matching rule wins; e.g. "reasoning_delta" must match its reasoning rule
// before the trailing generic delta rule can see it.
var chunkRules = []chunkRule{
	// Step lifecycle before bare start/finish.
	{func(s string) bool { return hasAny(s, "start-step", "start_step", "step-start", "step_start") }, ChunkStartStep},
	{func(s string) bool { return hasAny(s, "finish-step", "finish_step", "step-finish", "step_finish") }, ChunkFinishStep},

	// Reasoning before generic text/delta.
	{func(s string) bool {
		return hasAny(s, "reasoning", "thinking", "thought") && hasAny(s, "start", "begin")
	}, ChunkReasoningStart},
	{func(s string) bool {
		return hasAny(s, "reasoning", "thinking", "thought") && hasAny(s, "end", "stop", "done")
	}, ChunkReasoningEnd},
	{func(s string) bool { return hasAny(s, "reasoning", "thinking", "thought") }, ChunkReasoningDelta},

	// Action/tool input before generic delta and before output rules so
	// "tool-input-error" style strings still classify as input.
	{func(s string) bool {
		return hasAny(s, "tool-input", "tool_input", "input-json", "input_json", "tool-call", "tool_call", "function-call", "function_call") && hasAny(s, "start", "begin")
	}, ChunkActionInputStart},
	{func(s string) bool {
		return hasAny(s, "tool-input", "tool_input", "input-json", "input_json", "tool-call", "tool_call", "function-call", "function_call") && hasAny(s, "available", "end", "stop", "done", "complete")
	}, ChunkActionInputAvailable},
	{func(s string) bool {
		return hasAny(s, "tool-input", "tool_input", "input-json", "input_json", "tool-call", "tool_call", "function-call", "function_call")
	}, ChunkActionInputDelta},

	// Action/tool output.
	{func(s string) bool {
		return hasAny(s, "tool-output", "tool_output", "tool-result", "tool_result", "tool-error", "tool_error") && hasAny(s, "error", "fail")
	}, ChunkActionOutputError},
	{func(s string) bool {
		return hasAny(s, "tool-output", "tool_output", "tool-result", "tool_result")
	}, ChunkActionOutputAvailable},

	// Text.
	{func(s string) bool { return hasAny(s, "text", "content") && hasAny(s, "start", "begin") }, ChunkTextStart},
	{func(s string) bool { return hasAny(s, "text", "content") && hasAny(s, "end", "stop", "done") }, ChunkTextEnd},
	{func(s string) bool { return hasAny(s, "text", "content") }, ChunkTextDelta},

	// Source, file, metadata.
	{func(s string) bool { return hasAny(s, "source", "citation") }, ChunkSource},
	{func(s string) bool { return hasAny(s, "file", "image", "attachment") }, ChunkFile},
	{func(s string) bool { return hasAny(s, "metadata", "usage", "response-meta", "response_meta") }, ChunkMetadata},

	// Errors.
	{func(s string) bool { return hasAny(s, "error", "abort") }, ChunkError},

	// Bare lifecycle after everything specific.
	{func(s string) bool { return isAny(s, "start", "stream-start", "stream_start", "message-start", "message_start") }, ChunkStart},
	{func(s string) bool {
		return isAny(s, "finish", "done", "stop", "stream-end", "stream_end", "message-stop", "message_stop", "message-end", "message_end")
	}, ChunkFinish},

	// Generic delta last of all.
	{func(s string) bool { return hasAny(s, "delta") }, ChunkTextDelta},
}

// MapProducerChunk maps a producer's raw chunk type string into the
// canonical taxonomy. Matching is case-insensitive and degrades to
// ChunkUnknown for anything unrecognized; it never fails, since a degraded
// mapping must not break the stream.
func MapProducerChunk(raw string) ChunkType {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ChunkUnknown
	}
	for _, rule := range chunkRules {
		if rule.match(s) {
			return rule.out
		}
	}
	return ChunkUnknown
}

// Sequencer assigns strictly increasing per-context chunk sequence
// numbers, starting at 1.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{next: map[string]int64{}}
}

// Next returns the next sequence number for contextID.
func (s *Sequencer) Next(contextID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[contextID]++
	return s.next[contextID]
}

// VerifyContiguous checks that seqs is exactly 1..n with no gaps. A gap is
// a primary correctness signal for the whole pipeline, so callers treat a
// non-nil result as fatal.
func VerifyContiguous(seqs []int64) error {
	for i, seq := range seqs {
		if seq != int64(i)+1 {
			return &ParseError{
				Field:  "chunk.sequence",
				Reason: fmt.Sprintf("sequence gap: expected %d, got %d", i+1, seq),
			}
		}
	}
	return nil
}
