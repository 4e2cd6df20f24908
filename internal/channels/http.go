package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/chatops"
)

const askTimeout = 30 * time.Second

// HTTPChannel bridges synchronous HTTP chat requests to the bot. Each
// request registers a pending reply slot keyed by the conversation id in
// Message.To, pushes the message to the bot, and blocks until the reply
// arrives or the timeout fires.
type HTTPChannel struct {
	mu      sync.Mutex
	pending map[string]chan chatops.Reply
	inbox   chan chatops.Message
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTP creates the HTTP chat channel.
func NewHTTP(logger *slog.Logger) *HTTPChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPChannel{
		pending: make(map[string]chan chatops.Reply),
		inbox:   make(chan chatops.Message, 256),
		logger:  logger.With("channel", "http"),
		timeout: askTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the channel identifier.
func (h *HTTPChannel) Name() string {
	return "http"
}

// Start is a no-op. Requests drive this channel, not a poll loop.
func (h *HTTPChannel) Start(_ context.Context) error {
	h.logger.Info("http chat channel started")
	return nil
}

// Stop rejects new asks. In-flight asks finish on their own timeouts.
func (h *HTTPChannel) Stop() error {
	h.cancel()
	h.logger.Info("http chat channel stopped")
	return nil
}

// Receive returns the channel of incoming messages.
func (h *HTTPChannel) Receive() <-chan chatops.Message {
	return h.inbox
}

// Send routes a reply to the pending request named in r.To.
func (h *HTTPChannel) Send(_ context.Context, r chatops.Reply) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.pending[r.To]
	if !ok {
		return fmt.Errorf("no pending request %q", r.To)
	}
	select {
	case ch <- r:
		return nil
	default:
		return fmt.Errorf("request %q reply buffer full", r.To)
	}
}

// Ask submits a message and waits for the bot's reply. Transient progress
// replies are skipped; the first final reply wins. Message.To must carry
// a unique conversation id.
func (h *HTTPChannel) Ask(ctx context.Context, msg chatops.Message) (chatops.Reply, error) {
	select {
	case <-h.ctx.Done():
		return chatops.Reply{}, fmt.Errorf("http chat channel stopped")
	default:
	}

	respCh := make(chan chatops.Reply, 4)
	h.mu.Lock()
	h.pending[msg.To] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, msg.To)
		h.mu.Unlock()
	}()

	select {
	case h.inbox <- msg:
	case <-ctx.Done():
		return chatops.Reply{}, ctx.Err()
	case <-h.ctx.Done():
		return chatops.Reply{}, fmt.Errorf("http chat channel stopped")
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-respCh:
			if reply.Transient {
				continue
			}
			return reply, nil
		case <-timer.C:
			return chatops.Reply{}, fmt.Errorf("no reply within %v", h.timeout)
		case <-ctx.Done():
			return chatops.Reply{}, ctx.Err()
		case <-h.ctx.Done():
			return chatops.Reply{}, fmt.Errorf("http chat channel stopped")
		}
	}
}
