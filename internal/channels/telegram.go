// Package channels provides the chat transports the bot listens on:
// Telegram long polling, an MQTT command bridge, an interactive console,
// and in-process channels backing the HTTP API.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/opsgate/opsgate/internal/chatops"
)

const (
	telegramAPIURL = "https://api.telegram.org/bot"
	pollTimeout    = 60 // seconds, long polling
)

// TelegramChannel receives commands from a Telegram bot via long polling
// and sends replies back through the bot API.
type TelegramChannel struct {
	botToken     string
	allowedUsers []int64
	logger       *slog.Logger
	inbox        chan chatops.Message
	client       HTTPClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	offset int64
}

// TelegramUpdate is a single item from getUpdates.
type TelegramUpdate struct {
	UpdateID      int64             `json:"update_id"`
	Message       *TelegramMessage  `json:"message,omitempty"`
	CallbackQuery *TelegramCallback `json:"callback_query,omitempty"`
}

// TelegramMessage is an incoming chat message.
type TelegramMessage struct {
	MessageID int64        `json:"message_id"`
	From      TelegramUser `json:"from"`
	Chat      TelegramChat `json:"chat"`
	Date      int64        `json:"date"`
	Text      string       `json:"text"`
}

// TelegramUser identifies the sender.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// TelegramChat identifies the conversation.
type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// TelegramCallback is a tap on an inline keyboard button.
type TelegramCallback struct {
	ID      string           `json:"id"`
	From    TelegramUser     `json:"from"`
	Message *TelegramMessage `json:"message,omitempty"`
	Data    string           `json:"data"`
}

type telegramButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type telegramKeyboard struct {
	InlineKeyboard [][]telegramButton `json:"inline_keyboard"`
}

// NewTelegram creates a Telegram channel using the real bot API.
func NewTelegram(botToken string, allowedUsers []int64, logger *slog.Logger) *TelegramChannel {
	return NewTelegramWithClient(botToken, allowedUsers, logger, NewDefaultHTTPClient(70*time.Second))
}

// NewTelegramWithClient creates a Telegram channel with a custom HTTP
// client, used by tests to avoid network calls.
func NewTelegramWithClient(botToken string, allowedUsers []int64, logger *slog.Logger, client HTTPClient) *TelegramChannel {
	return &TelegramChannel{
		botToken:     botToken,
		allowedUsers: allowedUsers,
		logger:       logger.With("channel", "telegram"),
		inbox:        make(chan chatops.Message, 100),
		client:       client,
	}
}

// Name returns the channel identifier.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start verifies the bot token and begins long polling for updates.
func (t *TelegramChannel) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.verifyToken(t.ctx); err != nil {
		return fmt.Errorf("verify bot token: %w", err)
	}

	t.wg.Add(1)
	go t.pollLoop()

	t.logger.Info("telegram channel started", "allowed_users", len(t.allowedUsers))
	return nil
}

// Stop halts polling and closes the inbox.
func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	close(t.inbox)
	t.logger.Info("telegram channel stopped")
	return nil
}

// Receive returns the channel of incoming messages.
func (t *TelegramChannel) Receive() <-chan chatops.Message {
	return t.inbox
}

// Send delivers a reply to the chat named in r.To. Suggestions become an
// inline keyboard, one button per row.
func (t *TelegramChannel) Send(ctx context.Context, r chatops.Reply) error {
	params := url.Values{}
	params.Set("chat_id", r.To)
	params.Set("text", r.Content)
	if r.Markdown {
		params.Set("parse_mode", "Markdown")
	}
	if len(r.Suggestions) > 0 {
		kb := telegramKeyboard{}
		for _, s := range r.Suggestions {
			kb.InlineKeyboard = append(kb.InlineKeyboard, []telegramButton{{Text: s.Label, CallbackData: s.Data}})
		}
		markup, err := json.Marshal(kb)
		if err != nil {
			return fmt.Errorf("marshal keyboard: %w", err)
		}
		params.Set("reply_markup", string(markup))
	}

	err := t.call(ctx, "sendMessage", params, nil)
	if err != nil && r.Markdown {
		// Markdown parse failures come back as 400. Retry as plain text
		// so the reply is not lost.
		t.logger.Warn("markdown send failed, retrying as plain text", "error", err)
		params.Del("parse_mode")
		err = t.call(ctx, "sendMessage", params, nil)
	}
	return err
}

func (t *TelegramChannel) verifyToken(ctx context.Context) error {
	var me TelegramUser
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	t.logger.Info("bot token verified", "bot", me.Username)
	return nil
}

func (t *TelegramChannel) pollLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		if err := t.pollOnce(); err != nil {
			t.logger.Error("poll failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *TelegramChannel) pollOnce() error {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(pollTimeout))
	params.Set("allowed_updates", `["message","callback_query"]`)
	if t.offset > 0 {
		params.Set("offset", strconv.FormatInt(t.offset, 10))
	}

	var updates []TelegramUpdate
	if err := t.call(t.ctx, "getUpdates", params, &updates); err != nil {
		return err
	}

	for _, upd := range updates {
		if upd.UpdateID >= t.offset {
			t.offset = upd.UpdateID + 1
		}
		t.handleUpdate(upd)
	}
	return nil
}

func (t *TelegramChannel) handleUpdate(upd TelegramUpdate) {
	switch {
	case upd.Message != nil:
		t.handleIncoming(upd.Message)
	case upd.CallbackQuery != nil:
		t.handleCallback(upd.CallbackQuery)
	}
}

func (t *TelegramChannel) handleIncoming(m *TelegramMessage) {
	if !t.isUserAllowed(m.From.ID) {
		t.logger.Warn("message from unauthorized user", "user_id", m.From.ID, "username", m.From.Username)
		return
	}

	t.deliver(chatops.Message{
		ID:        strconv.FormatInt(m.MessageID, 10),
		From:      strconv.FormatInt(m.From.ID, 10),
		To:        strconv.FormatInt(m.Chat.ID, 10),
		Content:   m.Text,
		Timestamp: time.Unix(m.Date, 0),
		Metadata: map[string]string{
			"username":  m.From.Username,
			"chat_type": m.Chat.Type,
		},
	})
}

func (t *TelegramChannel) handleCallback(cb *TelegramCallback) {
	if !t.isUserAllowed(cb.From.ID) {
		t.logger.Warn("callback from unauthorized user", "user_id", cb.From.ID)
		return
	}

	// Acknowledge the tap so the client stops showing a spinner. A failed
	// ack is cosmetic, the callback is still processed.
	ack := url.Values{}
	ack.Set("callback_query_id", cb.ID)
	if err := t.call(t.ctx, "answerCallbackQuery", ack, nil); err != nil {
		t.logger.Warn("answer callback failed", "error", err)
	}

	chatID := ""
	if cb.Message != nil {
		chatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
	}

	t.deliver(chatops.Message{
		ID:        cb.ID,
		From:      strconv.FormatInt(cb.From.ID, 10),
		To:        chatID,
		Content:   cb.Data,
		Timestamp: time.Now(),
		Metadata: map[string]string{
			"event":    chatops.EventCallback,
			"username": cb.From.Username,
		},
	})
}

func (t *TelegramChannel) deliver(msg chatops.Message) {
	select {
	case t.inbox <- msg:
	case <-t.ctx.Done():
	}
}

func (t *TelegramChannel) isUserAllowed(userID int64) bool {
	if len(t.allowedUsers) == 0 {
		return false
	}
	for _, id := range t.allowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// call performs one bot API request. The response envelope is unwrapped
// and the result decoded into out when out is non-nil.
func (t *TelegramChannel) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := telegramAPIURL + t.botToken + "/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(body))
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%s: api error: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
