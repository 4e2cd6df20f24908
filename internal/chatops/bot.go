package chatops

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/droplets"
)

const (
	// maxReplyChars keeps replies under the Telegram 4096-char limit.
	maxReplyChars = 4000
	// maxBlockChars caps one fenced output block inside a reply.
	maxBlockChars = 1000

	suggestionPrefix = "sugg_"
)

// Bot fans in messages from all registered channels and answers them.
type Bot struct {
	handler   Handler
	projects  ProjectDirectory
	assistant Assistant
	logger    *slog.Logger

	channels map[string]Channel
	inbox    chan Message

	// pending holds each user's last offered suggestions until one is
	// tapped or replaced.
	mu      sync.Mutex
	pending map[string][]Action

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBot wires the bot to a command handler and the project directory.
func NewBot(handler Handler, projects ProjectDirectory, logger *slog.Logger) *Bot {
	return &Bot{
		handler:  handler,
		projects: projects,
		logger:   logger.With("component", "chatops"),
		channels: make(map[string]Channel),
		inbox:    make(chan Message, 256),
		pending:  make(map[string][]Action),
	}
}

// SetAssistant routes free text to an LLM assistant. Without one the
// bot answers unrecognized text with a usage hint.
func (b *Bot) SetAssistant(a Assistant) {
	b.assistant = a
}

// RegisterChannel adds a chat transport. Register all channels before
// Start.
func (b *Bot) RegisterChannel(ch Channel) {
	b.channels[ch.Name()] = ch
	b.logger.Info("channel registered", "name", ch.Name())
}

// Start launches the channels and the message loops.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	for name, ch := range b.channels {
		if err := ch.Start(b.ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		b.wg.Add(1)
		go b.receiveFrom(ch)
	}

	b.wg.Add(1)
	go b.processLoop()

	b.logger.Info("chat bot started",
		"channels", len(b.channels),
		"assistant", b.assistant != nil,
	)
	return nil
}

// Stop shuts down the channels and waits for the loops to drain.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	for name, ch := range b.channels {
		if err := ch.Stop(); err != nil {
			b.logger.Error("error stopping channel", "name", name, "error", err)
		}
	}
	b.wg.Wait()
	b.logger.Info("chat bot stopped")
}

// receiveFrom pipes one channel's messages into the inbox.
func (b *Bot) receiveFrom(ch Channel) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			msg.Channel = ch.Name()
			select {
			case b.inbox <- msg:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) processLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.inbox:
			b.handleMessage(msg)
		}
	}
}

// handleMessage dispatches one inbound message: callbacks, then slash
// commands, then keyword intents, then the assistant.
func (b *Bot) handleMessage(msg Message) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	if msg.Metadata["event"] == EventCallback {
		b.handleCallback(msg, content)
		return
	}

	if strings.HasPrefix(content, "/") {
		b.handleSlash(msg, content)
		return
	}

	actions := ParseIntent(content, b.callerFor(msg), b.projects.Names())
	if len(actions) > 0 {
		b.offerSuggestions(msg, actions)
		return
	}

	if b.assistant != nil {
		b.handleAssistant(msg, content)
		return
	}

	b.reply(msg, Reply{
		Content: "I'm not sure what you want to do. Can you be more specific?\n" +
			"You can ask me to:\n" +
			"- Check project status\n" +
			"- View logs\n" +
			"- Restart services\n" +
			"- Update projects",
	})
}

// ParseCommand extracts the command name and arguments from a message.
// Handles formats like: /command, /command args, /command@botname args.
// Exported for testing.
func ParseCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	parts := strings.SplitN(text[1:], " ", 2)
	cmd := parts[0]

	// Group chats address commands as /command@botname.
	if atIdx := strings.Index(cmd, "@"); atIdx > 0 {
		cmd = cmd[:atIdx]
	}

	name = strings.ToLower(cmd)
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

const startText = "👋 Hi! I'm your server operations assistant.\n\n" +
	"I can:\n" +
	"• Check project status\n" +
	"• Deploy updates\n" +
	"• Monitor logs\n" +
	"• Manage droplets\n\n" +
	"Use /help for commands, or just tell me what you need."

const helpText = "🤖 *Commands:*\n\n" +
	"/status — All projects and host health\n" +
	"/projects — List registered projects\n" +
	"/logs <project> [lines] — Tail project logs\n" +
	"/update <project> — Pull, install and restart\n" +
	"/restart <project> — Restart the project process\n" +
	"/run <command> — Run an allow-listed command\n" +
	"/sys — Host load, memory, disk and uptime\n" +
	"/droplets — List droplets\n\n" +
	"Or describe what you want in plain words."

func (b *Bot) handleSlash(msg Message, content string) {
	cmd, args := ParseCommand(content)

	b.logger.Info("bot command", "command", cmd, "from", b.callerFor(msg))

	switch cmd {
	case "start":
		b.reply(msg, Reply{Content: startText})
	case "help":
		b.reply(msg, Reply{Content: helpText, Markdown: true})
	case "status":
		b.reply(msg, Reply{Content: b.statusReport(msg), Markdown: true})
	case "projects":
		b.replyProjects(msg)
	case "logs":
		b.slashLogs(msg, args)
	case "update":
		b.slashProjectAction(msg, "update", "🔄 Update", args)
	case "restart":
		b.slashProjectAction(msg, "restart", "🔄 Restart", args)
	case "run":
		b.slashRun(msg, args)
	case "sys":
		b.slashSys(msg)
	case "droplets":
		b.slashDroplets(msg)
	default:
		b.reply(msg, Reply{
			Content: fmt.Sprintf("Unknown command: /%s\nUse /help for available commands.", cmd),
		})
	}
}

func (b *Bot) slashProjectAction(msg Message, action, label, args string) {
	if args == "" {
		b.reply(msg, Reply{Content: fmt.Sprintf("Usage: /%s <project>", action)})
		return
	}
	name := strings.Fields(args)[0]
	res := b.dispatch(msg, command.TypeProject, action, map[string]any{"project": name})
	b.reply(msg, Reply{Content: formatResult(label+" "+name, res), Markdown: true})
}

func (b *Bot) slashLogs(msg Message, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		b.reply(msg, Reply{Content: "Usage: /logs <project> [lines]"})
		return
	}
	params := map[string]any{"project": fields[0]}
	if len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			params["lines"] = n
		}
	}
	res := b.dispatch(msg, command.TypeProject, "logs", params)
	b.reply(msg, Reply{Content: formatResult("📋 "+fields[0]+" logs", res), Markdown: true})
}

func (b *Bot) slashRun(msg Message, args string) {
	if args == "" {
		b.reply(msg, Reply{Content: "Usage: /run <command line>"})
		return
	}
	res := b.dispatch(msg, command.TypeShell, "execute", map[string]any{"command": args})
	b.reply(msg, Reply{Content: formatResult("`"+args+"`", res), Markdown: true})
}

func (b *Bot) slashSys(msg Message) {
	res := b.dispatch(msg, command.TypeSystem, "status", nil)
	if !res.Success {
		b.reply(msg, Reply{Content: "❌ " + res.Message})
		return
	}
	b.reply(msg, Reply{Content: formatSystem(res.Data), Markdown: true})
}

func (b *Bot) slashDroplets(msg Message) {
	res := b.dispatch(msg, command.TypeDroplet, "list", nil)
	if !res.Success {
		b.reply(msg, Reply{Content: "❌ " + res.Message})
		return
	}
	b.reply(msg, Reply{Content: formatDroplets(res.Data), Markdown: true})
}

func (b *Bot) replyProjects(msg Message) {
	names := b.projects.Names()
	if len(names) == 0 {
		b.reply(msg, Reply{Content: "No projects registered."})
		return
	}
	var sb strings.Builder
	sb.WriteString("📁 *Projects:*\n\n")
	for _, name := range names {
		sb.WriteString("• `" + name + "`\n")
	}
	sb.WriteString("\nUse /logs, /update or /restart with a project name.")
	b.reply(msg, Reply{Content: sb.String(), Markdown: true})
}

// statusReport gathers host health and every project status in
// parallel and renders one summary.
func (b *Bot) statusReport(msg Message) string {
	caller := b.callerFor(msg)
	names := b.projects.Names()
	results := make([]command.Result, len(names))
	var sys command.Result

	g, gctx := errgroup.WithContext(b.ctx)
	g.Go(func() error {
		sys = b.handler.Handle(gctx, msg.Channel,
			command.New(command.TypeSystem, "status", caller, nil))
		return nil
	})
	for i, name := range names {
		g.Go(func() error {
			results[i] = b.handler.Handle(gctx, msg.Channel,
				command.New(command.TypeProject, "status", caller, map[string]any{"project": name}))
			return nil
		})
	}
	_ = g.Wait() // failures are reported per result

	var sb strings.Builder
	sb.WriteString("📊 *Current Status*\n\n")
	for i, name := range names {
		sb.WriteString(fmt.Sprintf("*%s*: %s\n", name, statusLine(results[i])))
	}
	if sys.Success {
		sb.WriteString("\n" + hostLine(sys.Data))
	}
	return sb.String()
}

func (b *Bot) offerSuggestions(msg Message, actions []Action) {
	b.mu.Lock()
	b.pending[msg.From] = actions
	b.mu.Unlock()

	suggestions := make([]Suggestion, len(actions))
	for i, a := range actions {
		suggestions[i] = Suggestion{
			Label: a.Label,
			Data:  fmt.Sprintf("%s%d", suggestionPrefix, i),
		}
	}
	b.reply(msg, Reply{Content: "I suggest these actions:", Suggestions: suggestions})
}

// handleCallback resolves a tapped suggestion against the user's
// pending set and executes it.
func (b *Bot) handleCallback(msg Message, data string) {
	b.mu.Lock()
	actions := b.pending[msg.From]
	b.mu.Unlock()

	if len(actions) == 0 {
		b.reply(msg, Reply{Content: "Sorry, I lost track of the suggestions. Please try again."})
		return
	}

	idx, err := strconv.Atoi(strings.TrimPrefix(data, suggestionPrefix))
	if err != nil || idx < 0 || idx >= len(actions) {
		b.reply(msg, Reply{Content: "Invalid selection. Please try again."})
		return
	}
	action := actions[idx]

	b.reply(msg, Reply{Content: "⏳ Executing: " + action.Label, Transient: true})
	res := b.handler.Handle(b.ctx, msg.Channel, action.Cmd)
	b.reply(msg, Reply{Content: formatResult(action.Label, res), Markdown: true})

	b.mu.Lock()
	delete(b.pending, msg.From)
	b.mu.Unlock()
}

func (b *Bot) handleAssistant(msg Message, content string) {
	caller := b.callerFor(msg)
	b.logger.Info("routing chat message", "from", caller, "length", len(content))

	start := time.Now()
	answer, err := b.assistant.Ask(b.ctx, caller, content)
	if err != nil {
		b.logger.Error("assistant failed", "error", err)
		b.reply(msg, Reply{Content: fmt.Sprintf("❌ Error: %v", err)})
		return
	}
	if answer == "" {
		answer = "(empty response)"
	}
	footer := fmt.Sprintf("\n\n_— assistant (%dms)_", time.Since(start).Milliseconds())
	b.reply(msg, Reply{Content: answer + footer, Markdown: true})
}

// dispatch builds an envelope for the message's author and routes it.
func (b *Bot) dispatch(msg Message, typ command.Type, action string, params map[string]any) command.Result {
	cmd := command.New(typ, action, b.callerFor(msg), params)
	return b.handler.Handle(b.ctx, msg.Channel, cmd)
}

// callerFor qualifies the channel-local user id for the audit trail,
// e.g. "telegram:123456".
func (b *Bot) callerFor(msg Message) string {
	return msg.Channel + ":" + msg.From
}

func (b *Bot) reply(msg Message, r Reply) {
	if r.Channel == "" {
		r.Channel = msg.Channel
	}
	if r.To == "" {
		r.To = msg.To
	}
	r.Content = truncateReply(r.Content)

	ch, ok := b.channels[r.Channel]
	if !ok {
		b.logger.Error("unknown channel for reply", "channel", r.Channel)
		return
	}
	if err := ch.Send(b.ctx, r); err != nil {
		b.logger.Error("error sending reply", "channel", r.Channel, "error", err)
	}
}

// formatResult renders a command result for chat display: a verdict
// line plus the fenced stdout, if any.
func formatResult(label string, res command.Result) string {
	if !res.Success {
		return fmt.Sprintf("❌ %s failed:\n%s", label, res.Message)
	}
	text := "✅ " + label + " completed!"
	if stdout, ok := res.Data["stdout"].(string); ok && strings.TrimSpace(stdout) != "" {
		text += "\n\n" + fence(stdout)
	}
	return text
}

func statusLine(res command.Result) string {
	if !res.Success {
		return "⚠️ " + res.Message
	}
	stdout, _ := res.Data["stdout"].(string)
	if strings.Contains(strings.ToLower(stdout), "online") {
		return "✅ Online"
	}
	return "❌ Offline"
}

func hostLine(data map[string]any) string {
	load, _ := data["load_average"].(map[string]any)
	mem, _ := data["memory"].(map[string]any)
	disk, _ := data["disk"].(map[string]any)
	return fmt.Sprintf("Host: load %.2f, memory %.1f%%, disk %.1f%%",
		num(load["1min"]), num(mem["percent"]), num(disk["percent"]))
}

func formatSystem(data map[string]any) string {
	var sb strings.Builder
	sb.WriteString("🖥 *System Status*\n\n")
	if host, ok := data["hostname"].(string); ok && host != "" {
		sb.WriteString("Host: `" + host + "`\n")
	}
	if load, ok := data["load_average"].(map[string]any); ok {
		sb.WriteString(fmt.Sprintf("Load: %.2f / %.2f / %.2f\n",
			num(load["1min"]), num(load["5min"]), num(load["15min"])))
	}
	if mem, ok := data["memory"].(map[string]any); ok {
		sb.WriteString(fmt.Sprintf("Memory: %.1f%% of %s\n",
			num(mem["percent"]), humanBytes(num(mem["total"]))))
	}
	if disk, ok := data["disk"].(map[string]any); ok {
		sb.WriteString(fmt.Sprintf("Disk: %.1f%% of %s\n",
			num(disk["percent"]), humanBytes(num(disk["total"]))))
	}
	sb.WriteString(fmt.Sprintf("Processes: %.0f\n", num(data["processes"])))
	sb.WriteString("Uptime: " + formatUptime(num(data["uptime_seconds"])))
	return sb.String()
}

func formatDroplets(data map[string]any) string {
	list, ok := data["droplets"].([]droplets.Droplet)
	if !ok || len(list) == 0 {
		return "No droplets found."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🌊 *Droplets* (%d)\n\n", len(list)))
	for _, d := range list {
		ip := d.PublicIPv4()
		if ip == "" {
			ip = "no public ip"
		}
		sb.WriteString(fmt.Sprintf("• `%s` — %s, %s, %s\n", d.Name, d.Status, d.Region.Slug, ip))
	}
	return sb.String()
}

// num coerces the numeric shapes that survive a JSON round trip.
func num(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	}
	return 0
}

func humanBytes(n float64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", n/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", n/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", n/(1<<10))
	}
	return fmt.Sprintf("%.0f B", n)
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	return fmt.Sprintf("%dh %dm", hours, mins)
}

func fence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxBlockChars {
		s = s[:maxBlockChars-3] + "..."
	}
	return "```\n" + s + "\n```"
}

func truncateReply(s string) string {
	if len(s) <= maxReplyChars {
		return s
	}
	return s[:maxReplyChars-3] + "..."
}
