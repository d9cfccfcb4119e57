package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/api"
	"github.com/turbine-ai/turbine/internal/engine"
	"github.com/turbine-ai/turbine/internal/reactor"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
)

// The full daemon flow: a trigger arrives over HTTP, the reactor asks for
// a gated action, an observer watching the websocket stream approves it
// through the approvals endpoint, and the turn runs to completion.
func TestApprovedTurnEndToEnd(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sq := store.NewSQLite(db)
	hub := stream.NewHub()
	broker := action.NewBroker()

	sent := make(chan string, 1)
	registry := action.NewRegistry()
	registry.Register(action.Notify(func(_ context.Context, recipient, message string) error {
		sent <- recipient + ": " + message
		return nil
	}))
	executor := action.NewExecutor(registry, broker, &action.StoreSource{Approvals: sq, Interval: 25 * time.Millisecond})

	scripted := reactor.NewScripted(
		reactor.Response{
			Actions: []action.Request{{
				Ref:   "call_1",
				Name:  "notify",
				Input: map[string]any{"recipient": "ops", "message": "disk almost full"},
			}},
		},
		reactor.Response{
			Fragment: reactor.Fragment{Parts: []reactor.FragmentPart{
				{Type: "text", Payload: map[string]any{"text": "Ops has been notified."}},
			}},
		},
	)

	eng := engine.New(sq, scripted, executor,
		engine.WithSink(hub),
		engine.WithKeepSinkOpen(),
	)
	server := &api.Server{
		Engine:    eng,
		Store:     sq,
		Hub:       hub,
		Broker:    broker,
		Approvals: sq,
		Env:       reactor.Environment{Name: "e2e"},
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/streams/ws", nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")
	waitForSubscriber(t, hub)

	// The observer approves as soon as it learns the execution id.
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			evt, err := stream.ParseEvent(data)
			if err != nil {
				continue
			}
			if evt.Type != stream.EventExecutionCreated {
				continue
			}
			token := action.Token(evt.ExecutionID, "call_1")
			resp := postJSON(t, ts.Client(), ts.URL+"/api/approvals/"+token, map[string]any{
				"approved": true,
				"comment":  "looks fine",
			})
			resp.Body.Close()
			return
		}
	}()

	resp := postJSON(t, ts.Client(), ts.URL+"/api/turns", map[string]any{
		"thread_key": "ops-channel",
		"text":       "warn ops about disk usage",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("turn status = %d", resp.StatusCode)
	}
	var result engine.TurnResult
	decodeJSON(t, resp, &result)

	select {
	case msg := <-sent:
		if msg != "ops: disk almost full" {
			t.Fatalf("notification = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}

	resp, err = ts.Client().Get(ts.URL + "/api/turns/" + result.ExecutionID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var detail api.TurnDetail
	decodeJSON(t, resp, &detail)
	if detail.Execution.Status != "completed" {
		t.Fatalf("execution status = %q", detail.Execution.Status)
	}
	if len(detail.Steps) < 2 {
		t.Fatalf("steps = %d, want at least 2", len(detail.Steps))
	}
	if detail.Reaction == nil {
		t.Fatal("missing reaction item")
	}
	if got := reactor.TriggerText(*detail.Reaction); !strings.Contains(got, "Ops has been notified") {
		t.Fatalf("reaction text = %q", got)
	}
}

// A rejection travels the same path but produces an error part and no
// side effect.
func TestRejectedTurnEndToEnd(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sq := store.NewSQLite(db)
	hub := stream.NewHub()
	broker := action.NewBroker()

	registry := action.NewRegistry()
	registry.Register(action.Notify(func(context.Context, string, string) error {
		t.Error("rejected action executed")
		return nil
	}))
	executor := action.NewExecutor(registry, broker)

	scripted := reactor.NewScripted(
		reactor.Response{
			Actions: []action.Request{{
				Ref:   "call_1",
				Name:  "notify",
				Input: map[string]any{"recipient": "ops", "message": "ping"},
			}},
		},
		reactor.Response{
			Fragment: reactor.Fragment{Parts: []reactor.FragmentPart{
				{Type: "text", Payload: map[string]any{"text": "Understood, holding off."}},
			}},
		},
	)

	eng := engine.New(sq, scripted, executor,
		engine.WithSink(hub),
		engine.WithKeepSinkOpen(),
	)
	server := &api.Server{Engine: eng, Store: sq, Hub: hub, Broker: broker, Approvals: sq, Env: reactor.Environment{Name: "e2e"}}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := hub.Subscribe(ctx)
	go func() {
		for evt := range events {
			if evt.Type != stream.EventExecutionCreated {
				continue
			}
			token := action.Token(evt.ExecutionID, "call_1")
			resp := postJSON(t, ts.Client(), ts.URL+"/api/approvals/"+token, map[string]any{
				"approved": false,
				"comment":  "not during the incident",
			})
			resp.Body.Close()
			return
		}
	}()

	resp := postJSON(t, ts.Client(), ts.URL+"/api/turns", map[string]any{
		"thread_key": "ops-channel",
		"text":       "ping ops",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("turn status = %d", resp.StatusCode)
	}
	var result engine.TurnResult
	decodeJSON(t, resp, &result)

	resp, err = ts.Client().Get(ts.URL + "/api/turns/" + result.ExecutionID)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	var detail api.TurnDetail
	decodeJSON(t, resp, &detail)
	if detail.Execution.Status != "completed" {
		t.Fatalf("execution status = %q", detail.Execution.Status)
	}

	var sawError bool
	for _, p := range detail.Reaction.Parts {
		if p.Payload["state"] == "output-error" {
			text, _ := p.Payload["error_text"].(string)
			if !strings.Contains(text, "not during the incident") {
				t.Fatalf("error part missing rejection comment: %q", text)
			}
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error part in reaction: %+v", detail.Reaction.Parts)
	}
}

func waitForSubscriber(t *testing.T, hub *stream.Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func postJSON(t *testing.T, client *http.Client, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
