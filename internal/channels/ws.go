package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opsgate/opsgate/internal/chatops"
)

// WSChannel routes bot replies to live websocket sessions. The API server
// owns the connections; this channel only keeps the session registry so
// replies find their way back. Sessions are keyed by a per-connection id
// carried in Message.To.
type WSChannel struct {
	mu       sync.RWMutex
	sessions map[string]chan chatops.Reply
	inbox    chan chatops.Message
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWS creates the websocket channel.
func NewWS(logger *slog.Logger) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		sessions: make(map[string]chan chatops.Reply),
		inbox:    make(chan chatops.Message, 256),
		logger:   logger.With("channel", "websocket"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Name returns the channel identifier.
func (w *WSChannel) Name() string {
	return "websocket"
}

// Start is a no-op. Sessions come and go with API connections, not with
// the bot lifecycle.
func (w *WSChannel) Start(_ context.Context) error {
	w.logger.Info("websocket channel started")
	return nil
}

// Stop closes all session reply channels.
func (w *WSChannel) Stop() error {
	w.cancel()

	w.mu.Lock()
	sessions := w.sessions
	w.sessions = make(map[string]chan chatops.Reply)
	w.mu.Unlock()

	for _, ch := range sessions {
		close(ch)
	}
	w.logger.Info("websocket channel stopped", "sessions_closed", len(sessions))
	return nil
}

// Receive returns the channel of incoming messages.
func (w *WSChannel) Receive() <-chan chatops.Message {
	return w.inbox
}

// Send routes a reply to the session named in r.To.
func (w *WSChannel) Send(_ context.Context, r chatops.Reply) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ch, ok := w.sessions[r.To]
	if !ok {
		return fmt.Errorf("no websocket session %q", r.To)
	}
	select {
	case ch <- r:
		return nil
	default:
		return fmt.Errorf("session %q reply buffer full", r.To)
	}
}

// Register adds a session and returns its reply stream. The caller must
// Unregister when the connection closes.
func (w *WSChannel) Register(sessionID string) <-chan chatops.Reply {
	ch := make(chan chatops.Reply, 16)
	w.mu.Lock()
	w.sessions[sessionID] = ch
	w.mu.Unlock()
	w.logger.Debug("session registered", "session", sessionID)
	return ch
}

// Unregister removes a session and closes its reply stream.
func (w *WSChannel) Unregister(sessionID string) {
	w.mu.Lock()
	ch, ok := w.sessions[sessionID]
	delete(w.sessions, sessionID)
	w.mu.Unlock()

	if ok {
		close(ch)
		w.logger.Debug("session unregistered", "session", sessionID)
	}
}

// Deliver pushes an incoming websocket message to the bot.
func (w *WSChannel) Deliver(ctx context.Context, msg chatops.Message) error {
	select {
	case <-w.ctx.Done():
		return fmt.Errorf("websocket channel stopped")
	default:
	}

	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return fmt.Errorf("websocket channel stopped")
	}
}
