package reactor

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted reports a scripted reactor that ran out of
// responses with repetition disabled.
var ErrScriptExhausted = errors.New("scripted reactor exhausted")

// Scripted replays a fixed response sequence. With Repeat set, the last
// response repeats forever once the script runs out.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	next      int

	Repeat bool
}

func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

func (s *Scripted) React(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	if s.next >= len(s.responses) {
		if !s.Repeat || len(s.responses) == 0 {
			s.mu.Unlock()
			return nil, ErrScriptExhausted
		}
		s.next = len(s.responses) - 1
	}
	resp := s.responses[s.next]
	s.next++
	s.mu.Unlock()

	// Stream the fragment's text so the chunk pipeline is exercised the
	// same way a live reactor would.
	for _, part := range resp.Fragment.Parts {
		if part.Type != "text" {
			continue
		}
		text, _ := part.Payload["text"].(string)
		if text == "" {
			continue
		}
		for _, raw := range []struct{ typ, delta string }{
			{"text-start", ""},
			{"text-delta", text},
			{"text-end", ""},
		} {
			if err := EmitRaw(ctx, req, raw.typ, raw.delta); err != nil {
				return nil, err
			}
		}
	}

	out := resp
	if out.Messages == nil {
		out.Messages = []Message{
			{Role: RoleSystem, Text: req.Prompt},
			{Role: RoleUser, Text: TriggerText(req.Trigger)},
		}
	}
	return &out, nil
}

// Served reports how many responses have been consumed.
func (s *Scripted) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

var _ Reactor = (*Scripted)(nil)
