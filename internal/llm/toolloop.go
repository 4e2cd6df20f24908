package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Chatter is the router surface the loop needs.
type Chatter interface {
	Chat(ctx context.Context, modelID string, req Request, fallback []string) (*Response, error)
}

// Executor runs tool calls; Toolset implements it.
type Executor interface {
	Schemas() []Tool
	Execute(ctx context.Context, call ToolCall) ToolResult
}

// Loop drives the multi-turn tool conversation: call the model, execute
// the tools it requests, feed results back, repeat until it answers in
// text or the iteration budget runs out.
type Loop struct {
	chatter Chatter
	tools   Executor
	logger  *slog.Logger

	maxIterations int
	errorLimit    int
	maxParallel   int
}

// LoopMetrics tracks one Run.
type LoopMetrics struct {
	Iterations      int
	ToolCalls       int
	SuccessCount    int
	ErrorCount      int
	ParallelBatches int
	MaxConcurrency  int
	Duration        time.Duration
}

// RunRequest is one conversation turn handed to the loop.
type RunRequest struct {
	Model        string
	Fallback     []string
	SystemPrompt string
	History      []Message
	Prompt       string
}

// NewLoop creates a loop with the standard budget: ten iterations, abort
// after three consecutive all-failed tool batches, five tools in flight.
func NewLoop(chatter Chatter, tools Executor, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		chatter:       chatter,
		tools:         tools,
		logger:        logger.With("component", "tool_loop"),
		maxIterations: 10,
		errorLimit:    3,
		maxParallel:   5,
	}
}

// Run executes the loop and returns the model's final text answer.
func (l *Loop) Run(ctx context.Context, req RunRequest) (string, *LoopMetrics, error) {
	start := time.Now()
	metrics := &LoopMetrics{}
	schemas := l.tools.Schemas()

	messages := make([]Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	consecutiveErrors := 0
	var finalContent string
	needsSummary := false

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		metrics.Iterations++

		resp, err := l.chatter.Chat(ctx, req.Model, Request{
			SystemPrompt: req.SystemPrompt,
			Messages:     messages,
			Tools:        schemas,
			MaxTokens:    4096,
			Temperature:  0.7,
		}, req.Fallback)
		if err != nil {
			metrics.Duration = time.Since(start)
			return "", metrics, fmt.Errorf("call model (iteration %d): %w", iteration, err)
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			l.logger.Info("tool loop complete", "iterations", iteration+1)
			break
		}

		results := l.executeParallel(ctx, resp.ToolCalls)
		if len(resp.ToolCalls) > 1 {
			metrics.ParallelBatches++
			if len(resp.ToolCalls) > metrics.MaxConcurrency {
				metrics.MaxConcurrency = len(resp.ToolCalls)
			}
		}

		batchAllFailed := true
		for i, res := range results {
			metrics.ToolCalls++
			content := res.Result
			if res.Status == "success" {
				metrics.SuccessCount++
				batchAllFailed = false
			} else {
				metrics.ErrorCount++
				content = fmt.Sprintf("Error: %s", res.Error)
			}
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: resp.ToolCalls[i].ID,
				Content:    content,
			})
		}

		// A batch only counts toward the abort limit when every call in
		// it failed.
		if batchAllFailed {
			consecutiveErrors++
			if consecutiveErrors >= l.errorLimit {
				metrics.Duration = time.Since(start)
				return "", metrics, fmt.Errorf("too many consecutive tool failures (%d)", consecutiveErrors)
			}
		} else {
			consecutiveErrors = 0
		}

		if iteration == l.maxIterations-1 {
			needsSummary = true
		}
	}

	metrics.Duration = time.Since(start)

	// The loop ended on tool results rather than a text answer; one more
	// model call produces the summary the caller can show.
	if needsSummary || finalContent == "" {
		l.logger.Info("making summary model call",
			"reason_max_iter", needsSummary, "empty_content", finalContent == "")
		resp, err := l.chatter.Chat(ctx, req.Model, Request{
			SystemPrompt: req.SystemPrompt,
			Messages:     messages,
			Tools:        schemas,
			MaxTokens:    4096,
			Temperature:  0.7,
		}, req.Fallback)
		if err != nil {
			return "", metrics, fmt.Errorf("summary model call: %w", err)
		}
		finalContent = resp.Content
	}

	return finalContent, metrics, nil
}

// executeParallel runs a batch of tool calls concurrently and returns the
// results in call order. A single call takes the fast path with no
// goroutines.
func (l *Loop) executeParallel(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	if len(calls) == 1 {
		results[0] = l.tools.Execute(ctx, calls[0])
		return results
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxParallel)

	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				results[i] = ToolResult{
					Tool:   call.Name,
					Status: "error",
					Error:  gCtx.Err().Error(),
				}
				return nil
			default:
			}
			// Unique index per goroutine, no mutex needed.
			results[i] = l.tools.Execute(gCtx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
