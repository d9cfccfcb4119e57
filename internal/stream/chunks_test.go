package stream

import (
	"sync"
	"testing"
)

func TestMapProducerChunk(t *testing.T) {
	cases := []struct {
		raw  string
		want ChunkType
	}{
		// Vercel-style vocabulary.
		{"text-delta", ChunkTextDelta},
		{"text-start", ChunkTextStart},
		{"text-end", ChunkTextEnd},
		{"reasoning-delta", ChunkReasoningDelta},
		{"reasoning-start", ChunkReasoningStart},
		{"reasoning-end", ChunkReasoningEnd},
		{"tool-input-start", ChunkActionInputStart},
		{"tool-input-delta", ChunkActionInputDelta},
		{"tool-input-available", ChunkActionInputAvailable},
		{"tool-output-available", ChunkActionOutputAvailable},
		{"tool-output-error", ChunkActionOutputError},
		{"start-step", ChunkStartStep},
		{"finish-step", ChunkFinishStep},
		{"start", ChunkStart},
		{"finish", ChunkFinish},
		{"source-url", ChunkSource},
		{"file", ChunkFile},
		{"response-metadata", ChunkMetadata},
		{"error", ChunkError},

		// Anthropic-style vocabulary.
		{"message_start", ChunkStart},
		{"message_stop", ChunkFinish},
		{"content_block_start", ChunkTextStart},
		{"content_block_stop", ChunkTextEnd},
		{"thinking_delta", ChunkReasoningDelta},
		{"input_json_delta", ChunkActionInputDelta},

		// Specific-before-generic: reasoning_delta must not hit the
		// trailing generic delta rule.
		{"reasoning_delta", ChunkReasoningDelta},
		{"delta", ChunkTextDelta},

		// Case-insensitive, whitespace-tolerant.
		{"  Text-Delta ", ChunkTextDelta},
		{"TOOL_CALL_DELTA", ChunkActionInputDelta},

		// Degraded mapping, never an error.
		{"quantum-flux", ChunkUnknown},
		{"", ChunkUnknown},
	}
	for _, tc := range cases {
		if got := MapProducerChunk(tc.raw); got != tc.want {
			t.Fatalf("MapProducerChunk(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestMapProducerChunkAlwaysCanonical(t *testing.T) {
	raws := []string{"text-delta", "garbage", "tool-call", "finish", "x_y_z", "usage"}
	for _, raw := range raws {
		if got := MapProducerChunk(raw); !KnownChunkType(got) {
			t.Fatalf("MapProducerChunk(%q) produced non-canonical %q", raw, got)
		}
	}
}

func TestSequencerPerContextMonotonic(t *testing.T) {
	seq := NewSequencer()
	var a []int64
	for i := 0; i < 5; i++ {
		a = append(a, seq.Next("ctx_a"))
	}
	if err := VerifyContiguous(a); err != nil {
		t.Fatalf("ctx_a not contiguous: %v", err)
	}
	if first := seq.Next("ctx_b"); first != 1 {
		t.Fatalf("new context must start at 1, got %d", first)
	}
	if next := seq.Next("ctx_a"); next != 6 {
		t.Fatalf("ctx_a must continue at 6, got %d", next)
	}
}

func TestSequencerConcurrent(t *testing.T) {
	seq := NewSequencer()
	const n = 100
	var wg sync.WaitGroup
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- seq.Next("ctx")
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]struct{}{}
	for v := range results {
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate sequence %d", v)
		}
		seen[v] = struct{}{}
	}
	for i := int64(1); i <= n; i++ {
		if _, ok := seen[i]; !ok {
			t.Fatalf("missing sequence %d", i)
		}
	}
}

func TestVerifyContiguousDetectsGap(t *testing.T) {
	if err := VerifyContiguous([]int64{1, 2, 4}); err == nil {
		t.Fatalf("expected gap error")
	}
	if err := VerifyContiguous([]int64{2}); err == nil {
		t.Fatalf("expected error when stream does not start at 1")
	}
	if err := VerifyContiguous(nil); err != nil {
		t.Fatalf("empty stream is contiguous: %v", err)
	}
}
