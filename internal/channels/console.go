package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opsgate/opsgate/internal/chatops"
)

var (
	consoleAccent = lipgloss.Color("#2DD4BF")

	consoleHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(lipgloss.Color("#0F766E")).
				Padding(0, 1)

	consoleUserStyle = lipgloss.NewStyle().
				Foreground(consoleAccent).
				Bold(true)

	consoleBotStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A78BFA")).
			Bold(true)

	consoleMutedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6B7280"))

	consoleChatStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#374151")).
				Padding(0, 1)

	consoleSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FBBF24"))
)

// botReplyMsg carries a bot reply into the bubbletea event loop.
type botReplyMsg struct {
	reply chatops.Reply
}

// ConsoleChannel is an interactive terminal chat for the local operator.
// Suggestions render as numbered options; typing a bare number picks one.
type ConsoleChannel struct {
	logger  *slog.Logger
	inbox   chan chatops.Message
	program *tea.Program

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConsole creates the console channel.
func NewConsole(logger *slog.Logger) *ConsoleChannel {
	return &ConsoleChannel{
		logger: logger.With("channel", "console"),
		inbox:  make(chan chatops.Message, 100),
	}
}

// Name returns the channel identifier.
func (c *ConsoleChannel) Name() string {
	return "console"
}

// Start takes over the terminal with the chat UI.
func (c *ConsoleChannel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	model := newConsoleModel(c)
	c.program = tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		if _, err := c.program.Run(); err != nil {
			c.logger.Error("console ui exited", "error", err)
		}
		c.cancel()
	}()

	c.logger.Info("console channel started")
	return nil
}

// Stop tears down the UI.
func (c *ConsoleChannel) Stop() error {
	if c.program != nil {
		c.program.Quit()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("console channel stopped")
	return nil
}

// Receive returns the channel of operator input.
func (c *ConsoleChannel) Receive() <-chan chatops.Message {
	return c.inbox
}

// Send renders a bot reply in the UI.
func (c *ConsoleChannel) Send(_ context.Context, r chatops.Reply) error {
	if c.program == nil {
		return fmt.Errorf("console not started")
	}
	c.program.Send(botReplyMsg{reply: r})
	return nil
}

func (c *ConsoleChannel) sendUserMessage(text string, metadata map[string]string) {
	msg := chatops.Message{
		ID:        fmt.Sprintf("console-%d", time.Now().UnixNano()),
		From:      "operator",
		To:        "console",
		Content:   text,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("inbox full, dropping input")
	}
}

type consoleEntry struct {
	sender  string
	content string
	at      time.Time
	isUser  bool
}

type consoleModel struct {
	channel     *ConsoleChannel
	input       textarea.Model
	chat        viewport.Model
	entries     []consoleEntry
	suggestions []chatops.Suggestion
	width       int
	height      int
	ready       bool
}

func newConsoleModel(c *ConsoleChannel) consoleModel {
	ta := textarea.New()
	ta.Placeholder = "Type a command or question..."
	ta.Focus()
	ta.CharLimit = 4096
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return consoleModel{
		channel: c,
		input:   ta,
	}
}

func (m consoleModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		inputCmd tea.Cmd
		chatCmd  tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatHeight := msg.Height - m.input.Height() - 6
		if chatHeight < 3 {
			chatHeight = 3
		}
		if !m.ready {
			m.chat = viewport.New(msg.Width-4, chatHeight)
			m.ready = true
		} else {
			m.chat.Width = msg.Width - 4
			m.chat.Height = chatHeight
		}
		m.refreshChat()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		}

	case botReplyMsg:
		m.entries = append(m.entries, consoleEntry{
			sender:  "opsgate",
			content: msg.reply.Content,
			at:      time.Now(),
		})
		m.suggestions = msg.reply.Suggestions
		m.refreshChat()
		return m, nil
	}

	m.input, inputCmd = m.input.Update(msg)
	m.chat, chatCmd = m.chat.Update(msg)
	return m, tea.Batch(inputCmd, chatCmd)
}

func (m consoleModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	// A bare number picks the matching suggestion.
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(m.suggestions) {
		picked := m.suggestions[n-1]
		m.entries = append(m.entries, consoleEntry{
			sender:  "you",
			content: picked.Label,
			at:      time.Now(),
			isUser:  true,
		})
		m.suggestions = nil
		m.refreshChat()
		m.channel.sendUserMessage(picked.Data, map[string]string{"event": chatops.EventCallback})
		return m, nil
	}

	m.entries = append(m.entries, consoleEntry{
		sender:  "you",
		content: text,
		at:      time.Now(),
		isUser:  true,
	})
	m.suggestions = nil
	m.refreshChat()
	m.channel.sendUserMessage(text, nil)
	return m, nil
}

func (m *consoleModel) refreshChat() {
	if !m.ready {
		return
	}
	m.chat.SetContent(m.renderChat())
	m.chat.GotoBottom()
}

func (m consoleModel) renderChat() string {
	var b strings.Builder
	for _, e := range m.entries {
		tag := consoleBotStyle.Render("[" + e.sender + "]")
		if e.isUser {
			tag = consoleUserStyle.Render("[" + e.sender + "]")
		}
		stamp := consoleMutedStyle.Render(e.at.Format("15:04:05"))
		b.WriteString(fmt.Sprintf("%s %s\n%s\n\n", tag, stamp, e.content))
	}
	for i, s := range m.suggestions {
		b.WriteString(consoleSuggestionStyle.Render(fmt.Sprintf("  [%d] %s", i+1, s.Label)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m consoleModel) View() string {
	if !m.ready {
		return "Starting console..."
	}

	header := consoleHeaderStyle.Render("⛩ OpsGate Console")
	footer := consoleMutedStyle.Render("Enter: send │ number: pick suggestion │ Ctrl+C: quit")

	return fmt.Sprintf("%s\n%s\n%s\n%s",
		header,
		consoleChatStyle.Render(m.chat.View()),
		m.input.View(),
		footer,
	)
}
