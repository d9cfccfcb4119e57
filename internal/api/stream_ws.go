package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/turbine-ai/turbine/internal/stream"
)

// handleStreamWS bridges the hub onto a websocket. Each connected client
// gets its own subscription; the optional context_id query parameter
// narrows the feed to a single context.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, errNotFound("stream hub"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	contextID := r.URL.Query().Get("context_id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := s.Hub.Subscribe(ctx)
	for evt := range events {
		if contextID != "" && evt.ContextID != contextID {
			continue
		}
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}

	// Hub closed; let the client see the terminator before the close frame.
	_ = conn.Write(ctx, websocket.MessageText, stream.Sentinel())
	conn.Close(websocket.StatusNormalClosure, "done")
}
