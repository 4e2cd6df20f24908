package llm

import (
	"context"
	"log/slog"
	"sync"
)

const defaultSystemPrompt = "You are the operations assistant for this server. " +
	"You act only through the provided tools, which run allow-listed commands; " +
	"anything outside them is off limits. Prefer read-only tools first, keep " +
	"answers short, and report failures honestly instead of retrying endlessly."

// maxHistoryMessages bounds each caller's retained transcript.
const maxHistoryMessages = 20

// Runner drives one tool-loop conversation turn; Loop implements it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (string, *LoopMetrics, error)
}

// AssistantConfig selects the model and prompt the assistant runs with.
type AssistantConfig struct {
	Model        string
	Fallback     []string
	SystemPrompt string
}

// Assistant answers free-form operator questions by running the tool
// loop, keeping a short per-caller transcript so follow-up questions
// have context. Failed turns are not remembered.
type Assistant struct {
	loop   Runner
	cfg    AssistantConfig
	logger *slog.Logger

	mu      sync.Mutex
	history map[string][]Message
}

// NewAssistant wraps a tool loop. An empty SystemPrompt gets the stock
// operations prompt.
func NewAssistant(loop Runner, cfg AssistantConfig, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Assistant{
		loop:    loop,
		cfg:     cfg,
		logger:  logger.With("component", "assistant"),
		history: make(map[string][]Message),
	}
}

// Ask runs one conversation turn for callerID and returns the model's
// final text answer.
func (a *Assistant) Ask(ctx context.Context, callerID, prompt string) (string, error) {
	history := a.snapshot(callerID)
	// The window sent to the model leaves room for the exchange this turn
	// appends, so history plus the new pair never exceeds the cap.
	if keep := maxHistoryMessages - 2; len(history) > keep {
		history = history[len(history)-keep:]
	}

	answer, metrics, err := a.loop.Run(ctx, RunRequest{
		Model:        a.cfg.Model,
		Fallback:     a.cfg.Fallback,
		SystemPrompt: a.cfg.SystemPrompt,
		History:      history,
		Prompt:       prompt,
	})
	if err != nil {
		a.logger.Warn("assistant turn failed", "caller", callerID, "error", err)
		return "", err
	}

	a.remember(callerID, prompt, answer)
	a.logger.Info("assistant answered",
		"caller", callerID,
		"iterations", metrics.Iterations,
		"tool_calls", metrics.ToolCalls,
		"duration", metrics.Duration)
	return answer, nil
}

// Reset drops a caller's transcript.
func (a *Assistant) Reset(callerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.history, callerID)
}

func (a *Assistant) snapshot(callerID string) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.history[callerID]
	out := make([]Message, len(h))
	copy(out, h)
	return out
}

func (a *Assistant) remember(callerID, prompt, answer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[callerID],
		Message{Role: "user", Content: prompt},
		Message{Role: "assistant", Content: answer},
	)
	if len(h) > maxHistoryMessages {
		h = h[len(h)-maxHistoryMessages:]
	}
	a.history[callerID] = h
}
