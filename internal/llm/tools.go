package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

// Handler routes a command envelope; the dispatcher implements it.
type Handler interface {
	Handle(ctx context.Context, channel string, cmd command.Command) command.Result
}

// ToolResult is what one tool execution reports back into the loop.
type ToolResult struct {
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Toolset maps model tool calls onto command envelopes and executes them
// through the dispatcher, so the allow-list and audit trail apply to
// model-driven commands exactly as to human ones. Droplet create, delete
// and power actions are deliberately not exposed as tools.
type Toolset struct {
	handler Handler
	caller  string
	channel string
}

// toolSpec binds a schema to the envelope it produces.
type toolSpec struct {
	schema Tool
	typ    command.Type
	action string
}

var toolTable = []toolSpec{
	{
		schema: Tool{
			Name:        "run_command",
			Description: "Run an allow-listed shell command on the server. Only registered commands pass validation.",
			Parameters: schemaObject(map[string]any{
				"command":     prop("string", "The command line to run, e.g. \"ls -la /var/www\""),
				"working_dir": prop("string", "Optional working directory inside the safe tree"),
			}, "command"),
		},
		typ:    command.TypeShell,
		action: "execute",
	},
	{
		schema: Tool{
			Name:        "project_status",
			Description: "Show the process manager status of a registered project.",
			Parameters:  schemaObject(map[string]any{"project": prop("string", "Project name")}, "project"),
		},
		typ:    command.TypeProject,
		action: "status",
	},
	{
		schema: Tool{
			Name:        "project_restart",
			Description: "Restart a registered project's process.",
			Parameters:  schemaObject(map[string]any{"project": prop("string", "Project name")}, "project"),
		},
		typ:    command.TypeProject,
		action: "restart",
	},
	{
		schema: Tool{
			Name:        "project_logs",
			Description: "Tail recent log lines of a registered project.",
			Parameters: schemaObject(map[string]any{
				"project": prop("string", "Project name"),
				"lines":   prop("integer", "Line count, clamped to 200"),
			}, "project"),
		},
		typ:    command.TypeProject,
		action: "logs",
	},
	{
		schema: Tool{
			Name:        "project_update",
			Description: "Run the project deploy sequence: git pull, npm install, process restart.",
			Parameters:  schemaObject(map[string]any{"project": prop("string", "Project name")}, "project"),
		},
		typ:    command.TypeProject,
		action: "update",
	},
	{
		schema: Tool{
			Name:        "system_status",
			Description: "Read host health: load, memory, disk, network and process count.",
			Parameters:  schemaObject(map[string]any{}),
		},
		typ:    command.TypeSystem,
		action: "status",
	},
	{
		schema: Tool{
			Name:        "system_process",
			Description: "Inspect one process by pid.",
			Parameters:  schemaObject(map[string]any{"pid": prop("integer", "Process id")}, "pid"),
		},
		typ:    command.TypeSystem,
		action: "process",
	},
	{
		schema: Tool{
			Name:        "droplet_list",
			Description: "List the account's droplets.",
			Parameters:  schemaObject(map[string]any{}),
		},
		typ:    command.TypeDroplet,
		action: "list",
	},
	{
		schema: Tool{
			Name:        "droplet_status",
			Description: "Show one droplet by id.",
			Parameters:  schemaObject(map[string]any{"droplet_id": prop("integer", "Droplet id")}, "droplet_id"),
		},
		typ:    command.TypeDroplet,
		action: "status",
	},
}

func schemaObject(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// NewToolset binds the tool table to a dispatcher and an identity. caller
// names the model run in the audit trail; channel names the transport the
// conversation arrived over.
func NewToolset(handler Handler, caller, channel string) *Toolset {
	return &Toolset{handler: handler, caller: caller, channel: channel}
}

// Schemas returns the tool schemas to advertise to the model.
func (t *Toolset) Schemas() []Tool {
	out := make([]Tool, len(toolTable))
	for i, spec := range toolTable {
		out[i] = spec.schema
	}
	return out
}

// Execute runs one tool call through the dispatcher.
func (t *Toolset) Execute(ctx context.Context, call ToolCall) ToolResult {
	start := time.Now()

	spec, ok := lookupTool(call.Name)
	if !ok {
		return ToolResult{
			Tool:      call.Name,
			Status:    "error",
			Error:     fmt.Sprintf("unknown tool %q", call.Name),
			ElapsedMs: time.Since(start).Milliseconds(),
		}
	}

	cmd := command.New(spec.typ, spec.action, t.caller, call.Arguments)
	res := t.handler.Handle(ctx, t.channel, cmd)

	out := ToolResult{
		Tool:      call.Name,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if res.Success {
		out.Status = "success"
		out.Result = renderResult(res)
	} else {
		out.Status = "error"
		out.Error = res.Message
		if kind, ok := res.Data["error_kind"].(string); ok {
			out.ErrorKind = kind
		}
	}
	return out
}

func lookupTool(name string) (toolSpec, bool) {
	for _, spec := range toolTable {
		if spec.schema.Name == name {
			return spec, true
		}
	}
	return toolSpec{}, false
}

// renderResult flattens a command result into the string the model reads.
// Output-bearing data keys are inlined; the rest travels as compact JSON.
const maxToolResultBytes = 8192

func renderResult(res command.Result) string {
	if stdout, ok := res.Data["stdout"].(string); ok {
		text := res.Message
		if stdout != "" {
			text += "\n" + stdout
		}
		if stderr, ok := res.Data["stderr"].(string); ok && stderr != "" {
			text += "\n[stderr]\n" + stderr
		}
		return truncateResult(text)
	}
	if len(res.Data) == 0 {
		return res.Message
	}
	raw, err := json.Marshal(res.Data)
	if err != nil {
		return res.Message
	}
	return truncateResult(res.Message + "\n" + string(raw))
}

func truncateResult(s string) string {
	if len(s) <= maxToolResultBytes {
		return s
	}
	return s[:maxToolResultBytes] + "\n[truncated]"
}
