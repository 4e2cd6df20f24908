// Package chatops runs the operator chat front end. A Bot fans in
// messages from every registered channel, answers slash commands and
// intent keywords with command envelopes, and hands free text to the
// LLM assistant when one is configured. Every action the bot takes
// travels through the dispatcher, so the allow-list and audit trail
// cover chat-driven commands.
package chatops

import (
	"context"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

// Message is one inbound chat message from any channel.
type Message struct {
	ID        string
	Channel   string // filled by the bot when fanning in
	From      string // stable user id within the channel
	To        string // conversation to reply into (chat id, topic, connection)
	Content   string
	Timestamp time.Time
	Metadata  map[string]string
}

// EventCallback marks a Message produced by a tapped suggestion button.
// The channel sets Metadata["event"] to this value and puts the button's
// callback data in Content.
const EventCallback = "callback"

// Suggestion is one tappable follow-up action offered to the user.
// Data is an opaque callback payload the channel echoes back.
type Suggestion struct {
	Label string
	Data  string
}

// Reply is one outbound chat message.
type Reply struct {
	Channel     string
	To          string
	Content     string
	Markdown    bool
	Suggestions []Suggestion
	// Transient marks progress notices that precede a final reply.
	// Request/response transports skip them.
	Transient bool
}

// Channel is a chat transport the bot listens on.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, reply Reply) error
	Receive() <-chan Message
}

// Handler routes command envelopes; the dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, channel string, cmd command.Command) command.Result
}

// Assistant answers free-form operator questions, normally by running
// the LLM tool loop.
type Assistant interface {
	Ask(ctx context.Context, callerID, prompt string) (string, error)
}

// ProjectDirectory lists registered project names for menus and the
// intent parser.
type ProjectDirectory interface {
	Names() []string
}

// Action pairs a human-readable label with the envelope it runs.
type Action struct {
	Label string
	Cmd   command.Command
}
