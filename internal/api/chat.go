package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/opsgate/opsgate/internal/chatops"
)

// wsChatTimeout bounds one chat turn over the websocket terminal. Tool
// loop turns can take a while, so it is looser than a plain HTTP timeout.
const wsChatTimeout = 60 * time.Second

// handleChat is the synchronous chat round-trip: one message in, the
// bot's final reply out.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Chat == nil {
		s.respondError(w, http.StatusNotImplemented, "chat is not enabled")
		return
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	caller := Principal(r.Context())
	if caller == "" {
		caller = "api"
	}

	// The conversation id doubles as the reply correlation key.
	id := uuid.NewString()
	reply, err := s.cfg.Chat.Ask(r.Context(), chatops.Message{
		ID:        id,
		From:      caller,
		To:        id,
		Content:   body.Message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.respondError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"reply": reply.Content})
}

// WSRequest is one frame from the chat terminal client.
type WSRequest struct {
	Type      string `json:"type"` // "chat", "ping"
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WSResponse is one frame sent back to the client.
type WSResponse struct {
	Type      string `json:"type"` // "reply", "progress", "pong", "error"
	RequestID string `json:"request_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// handleChatWS upgrades to a WebSocket and drives the chat terminal.
//
// Flow:
//  1. Validate the ?token= JWT (browsers cannot set headers on upgrades).
//  2. Accept the upgrade and register a session with the ws channel.
//  3. Read loop: "ping" → pong, "chat" → deliver to the bot and forward
//     its replies, transient progress frames included, until the final
//     one or the turn timeout.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	caller := ""
	if s.auth.configured() {
		token := r.URL.Query().Get("token")
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if len(s.auth.JWTSecret) == 0 {
			s.respondError(w, http.StatusUnauthorized, "bearer auth not configured")
			return
		}
		c, err := ValidateToken(token, s.auth.JWTSecret)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		caller = c
	} else {
		s.logger.Warn("accepting unauthenticated ws terminal (dev mode)")
	}

	if s.cfg.WS == nil {
		s.respondError(w, http.StatusNotImplemented, "chat is not enabled")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	sessionID := uuid.NewString()
	replies := s.cfg.WS.Register(sessionID)
	defer s.cfg.WS.Unregister(sessionID)

	if caller == "" {
		caller = "ws:" + sessionID[:8]
	}
	s.logger.Info("ws terminal connected", "remote", r.RemoteAddr, "caller", caller)

	for {
		var req WSRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			// Client disconnected or context cancelled; normal exit.
			s.logger.Debug("ws read ended", "error", err)
			return
		}

		switch req.Type {
		case "ping":
			s.wsSend(r.Context(), conn, WSResponse{Type: "pong", RequestID: req.RequestID})

		case "chat":
			s.wsChatTurn(r.Context(), conn, sessionID, caller, replies, req)

		default:
			s.wsSend(r.Context(), conn, WSResponse{
				Type:      "error",
				RequestID: req.RequestID,
				Error:     "unknown message type: " + req.Type,
			})
		}
	}
}

// wsChatTurn runs one chat exchange: deliver the message to the bot and
// forward replies for the session until the final one arrives.
func (s *Server) wsChatTurn(ctx context.Context, conn *websocket.Conn, sessionID, caller string, replies <-chan chatops.Reply, req WSRequest) {
	if req.Message == "" {
		s.wsSend(ctx, conn, WSResponse{Type: "error", RequestID: req.RequestID, Error: "message is required"})
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, wsChatTimeout)
	defer cancel()

	err := s.cfg.WS.Deliver(turnCtx, chatops.Message{
		ID:        uuid.NewString(),
		From:      caller,
		To:        sessionID,
		Content:   req.Message,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"request_id": req.RequestID},
	})
	if err != nil {
		s.wsSend(ctx, conn, WSResponse{Type: "error", RequestID: req.RequestID, Error: err.Error()})
		return
	}

	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				s.wsSend(ctx, conn, WSResponse{Type: "error", RequestID: req.RequestID, Error: "session closed"})
				return
			}
			if reply.Transient {
				s.wsSend(ctx, conn, WSResponse{Type: "progress", RequestID: req.RequestID, Content: reply.Content})
				continue
			}
			s.wsSend(ctx, conn, WSResponse{
				Type:      "reply",
				RequestID: req.RequestID,
				Content:   reply.Content,
				Done:      true,
			})
			return

		case <-turnCtx.Done():
			s.wsSend(ctx, conn, WSResponse{
				Type:      "error",
				RequestID: req.RequestID,
				Error:     "no reply within " + wsChatTimeout.String(),
			})
			return
		}
	}
}

// wsSend writes one frame; errors are logged but not fatal.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, r WSResponse) {
	if err := wsjson.Write(ctx, conn, r); err != nil {
		s.logger.Warn("ws write error", "error", err)
	}
}
