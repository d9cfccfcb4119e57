// Package api exposes the daemon's HTTP surface: running turns,
// inspecting them, deciding approvals, and observing the event stream.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turbine-ai/turbine/internal/action"
	"github.com/turbine-ai/turbine/internal/engine"
	"github.com/turbine-ai/turbine/internal/reactor"
	"github.com/turbine-ai/turbine/internal/store"
	"github.com/turbine-ai/turbine/internal/stream"
)

type Server struct {
	Engine    *engine.Engine
	Store     *store.SQLite
	Hub       *stream.Hub
	Broker    *action.Broker
	Approvals store.ApprovalStore
	Env       reactor.Environment
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/turns", s.handleTurns)
	mux.HandleFunc("/api/turns/", s.handleTurnItem)
	mux.HandleFunc("/api/approvals/", s.handleApproval)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"started_at": s.StartedAt,
	})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var trigger engine.TriggerEvent
	if err := decodeJSON(r.Body, &trigger); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if trigger.ThreadKey == "" {
		writeError(w, http.StatusBadRequest, errNotFound("thread_key"))
		return
	}
	result, err := s.Engine.React(r.Context(), s.Env, trigger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// TurnDetail is the inspect view of one execution.
type TurnDetail struct {
	Execution store.Execution `json:"execution"`
	Steps     []store.Step    `json:"steps"`
	Trigger   *store.Item     `json:"trigger,omitempty"`
	Reaction  *store.Item     `json:"reaction,omitempty"`
}

func (s *Server) handleTurnItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	executionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/turns/"), "/")
	if executionID == "" {
		writeError(w, http.StatusNotFound, errNotFound("execution"))
		return
	}

	exec, found, err := s.Store.GetExecution(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errNotFound("execution"))
		return
	}

	detail := TurnDetail{Execution: exec}
	if detail.Steps, err = s.Store.ListSteps(r.Context(), executionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if exec.TriggerItemID != "" {
		if item, ok, err := s.Store.GetItem(r.Context(), exec.TriggerItemID); err == nil && ok {
			detail.Trigger = &item
		}
	}
	if exec.ReactionItemID != "" {
		if item, ok, err := s.Store.GetItem(r.Context(), exec.ReactionItemID); err == nil && ok {
			detail.Reaction = &item
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/approvals/"), "/")
	if token == "" {
		writeError(w, http.StatusNotFound, errNotFound("approval token"))
		return
	}

	var payload struct {
		Approved bool           `json:"approved"`
		Comment  string         `json:"comment"`
		Args     map[string]any `json:"args"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Durable first, so a restart or another process still sees the
	// decision, then wake any in-process waiter.
	if s.Approvals != nil {
		if err := s.Approvals.SaveApprovalDecision(r.Context(), store.ApprovalDecision{
			Token:     token,
			Approved:  payload.Approved,
			Comment:   payload.Comment,
			Args:      payload.Args,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	accepted := true
	if s.Broker != nil {
		accepted = s.Broker.Resolve(token, action.Decision{
			Approved: payload.Approved,
			Comment:  payload.Comment,
			Args:     payload.Args,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": accepted})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
