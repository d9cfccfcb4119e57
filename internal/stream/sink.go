package stream

import (
	"context"
	"encoding/json"
	"sync"
)

// Sink receives one structured record per wire event. Write may suspend
// arbitrarily; implementations must be safe for use from a single turn's
// control flow plus the reactor goroutine feeding chunk events.
type Sink interface {
	Write(ctx context.Context, evt Event) error
	// Close ends the stream, optionally letting observers see a final
	// sentinel record. Closing twice is a no-op.
	Close(ctx context.Context) error
}

// Sentinel is the final marker record written to transports on normal
// close. It is not part of the event taxonomy and never passes ParseEvent.
func Sentinel() []byte {
	data, _ := json.Marshal(map[string]string{"type": "stream.done"})
	return data
}

// Hub is the in-process reference sink: it fans events out to subscribers
// on buffered channels. Slow subscribers have events dropped rather than
// blocking the turn.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe returns a channel of events. The channel closes when the hub
// closes or ctx is done.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
		h.mu.Unlock()
	}()

	return ch
}

func (h *Hub) Write(_ context.Context, evt Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
	return nil
}

func (h *Hub) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return nil
}

// SubscriberCount reports active subscribers, mostly for tests.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Recorder is a sink that retains every event in order. Tests use it to
// assert on the emitted timeline.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Write(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
