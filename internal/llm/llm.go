// Package llm talks to chat-completion providers with tool calling: the
// shared request/response shapes, the Anthropic and OpenAI-compatible
// providers, a router with fallback chains, and the tool loop that lets a
// model drive gateway commands.
package llm

import "context"

// Message is one turn of a conversation. Role is "user", "assistant",
// "system" or "tool"; ToolCalls is set on assistant turns that request
// tools, ToolCallID on tool turns carrying a result back.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes one callable tool. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a provider-agnostic chat request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
	MaxTokens    int
	Temperature  float64
}

// Response is a provider-agnostic chat response.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	Model        string
	TokensInput  int
	TokensOutput int
	FinishReason string
}

// Provider is one model API endpoint.
type Provider interface {
	Name() string
	Models() []string
	Chat(ctx context.Context, req Request) (*Response, error)
}
