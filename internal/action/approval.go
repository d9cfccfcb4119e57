package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/turbine-ai/turbine/internal/store"
)

// Token derives the deterministic approval token for one action request
// within one execution. Refs are iteration-scoped, so the same action
// name requested in two iterations yields distinct tokens.
func Token(executionID, actionRef string) string {
	sum := sha256.Sum256([]byte(executionID + "\x00" + actionRef))
	return "apr_" + hex.EncodeToString(sum[:16])
}

// Decision is an approval outcome. Args, when set on an approved
// decision, replace the action's requested input.
type Decision struct {
	Approved bool           `json:"approved"`
	Comment  string         `json:"comment,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// DecisionSource is one independent channel an approval can arrive on.
// Await blocks until a decision exists for token or ctx is done.
type DecisionSource interface {
	Await(ctx context.Context, token string) (Decision, error)
}

// Broker is the in-process decision source. The HTTP approval endpoint
// resolves tokens here; waiters created before or after the decision
// both observe it.
type Broker struct {
	mu      sync.Mutex
	decided map[string]Decision
	waiters map[string][]chan Decision
}

func NewBroker() *Broker {
	return &Broker{
		decided: make(map[string]Decision),
		waiters: make(map[string][]chan Decision),
	}
}

// Resolve records the decision for token. The first decision wins;
// repeated resolutions are ignored and reported false.
func (b *Broker) Resolve(token string, d Decision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.decided[token]; done {
		return false
	}
	b.decided[token] = d
	for _, ch := range b.waiters[token] {
		ch <- d
	}
	delete(b.waiters, token)
	return true
}

// Decided reports whether token already has a decision.
func (b *Broker) Decided(token string) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.decided[token]
	return d, ok
}

func (b *Broker) Await(ctx context.Context, token string) (Decision, error) {
	b.mu.Lock()
	if d, ok := b.decided[token]; ok {
		b.mu.Unlock()
		return d, nil
	}
	ch := make(chan Decision, 1)
	b.waiters[token] = append(b.waiters[token], ch)
	b.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		b.drop(token, ch)
		return Decision{}, ctx.Err()
	}
}

func (b *Broker) drop(token string, ch chan Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[token]
	for i, w := range waiters {
		if w == ch {
			b.waiters[token] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(b.waiters[token]) == 0 {
		delete(b.waiters, token)
	}
}

// StoreSource is the durable decision source. It polls the approval
// table so decisions written before the process started, or by another
// process, still resolve waits.
type StoreSource struct {
	Approvals store.ApprovalStore
	Interval  time.Duration
}

func (s *StoreSource) Await(ctx context.Context, token string) (Decision, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, found, err := s.Approvals.GetApprovalDecision(ctx, token)
		if err != nil {
			return Decision{}, fmt.Errorf("poll approval %s: %w", token, err)
		}
		if found {
			return Decision{Approved: d.Approved, Comment: d.Comment, Args: d.Args}, nil
		}
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FirstOf races the sources for token; the first decision wins and the
// remaining waits are dropped. Every source failing is an error.
func FirstOf(ctx context.Context, token string, sources ...DecisionSource) (Decision, error) {
	if len(sources) == 0 {
		return Decision{}, fmt.Errorf("no decision sources for %s", token)
	}
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		d   Decision
		err error
	}
	ch := make(chan outcome, len(sources))
	for _, src := range sources {
		go func(src DecisionSource) {
			d, err := src.Await(raceCtx, token)
			ch <- outcome{d, err}
		}(src)
	}

	var lastErr error
	for range sources {
		out := <-ch
		if out.err == nil {
			return out.d, nil
		}
		lastErr = out.err
	}
	return Decision{}, lastErr
}
