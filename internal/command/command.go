// Package command defines the envelope exchanged between callers and the
// gateway: the typed command request, the structured result, and the error
// taxonomy shared by validation and execution.
package command

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies what a command operates on.
type Type string

const (
	TypeShell   Type = "shell"
	TypeProject Type = "project"
	TypeDroplet Type = "droplet"
	TypeSystem  Type = "system"
)

// actionTable is the fixed action vocabulary per command type. A command
// whose type/action pair is not listed here is rejected before any side
// effect occurs.
var actionTable = map[Type][]string{
	TypeShell:   {"execute"},
	TypeProject: {"status", "restart", "logs", "update", "config"},
	TypeDroplet: {"list", "status", "create", "delete", "reboot", "power_on", "power_off"},
	TypeSystem:  {"status", "process"},
}

// ValidType reports whether t is a registered command type.
func ValidType(t Type) bool {
	_, ok := actionTable[t]
	return ok
}

// ValidAction reports whether action belongs to the fixed action set of t.
func ValidAction(t Type, action string) bool {
	for _, a := range actionTable[t] {
		if a == action {
			return true
		}
	}
	return false
}

// Actions returns the allowed action set for a command type.
func Actions(t Type) []string {
	actions := actionTable[t]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// Actor identifies who asked for an operation and over which transport it
// arrived. Both fields flow into the audit trail unchanged.
type Actor struct {
	Caller  string `json:"caller"`
	Channel string `json:"channel"`
}

// Command is the request envelope every caller produces, whether it arrives
// over HTTP, a chat channel, MQTT, or the scheduler.
type Command struct {
	Type       Type           `json:"command_type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CallerID   string         `json:"caller_id"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New builds an envelope with the timestamp set to now.
func New(t Type, action, callerID string, params map[string]any) Command {
	return Command{
		Type:       t,
		Action:     action,
		Parameters: params,
		CallerID:   callerID,
		Timestamp:  time.Now().UTC(),
	}
}

// decodeParams round-trips the open parameter map into a typed structure so
// handlers never inspect the map directly.
func (c Command) decodeParams(v any) error {
	raw, err := json.Marshal(c.Parameters)
	if err != nil {
		return Errorf(KindInvalidArgument, "encode parameters: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Errorf(KindInvalidArgument, "decode parameters: %v", err)
	}
	return nil
}

// ShellParams carries the parameters of a shell/execute command.
type ShellParams struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// ProjectParams carries the parameters of project commands.
type ProjectParams struct {
	Project string `json:"project"`
	Lines   int    `json:"lines,omitempty"`
}

// DropletParams carries the parameters of droplet commands. DropletID is
// required for per-droplet actions, the remaining fields only for create.
type DropletParams struct {
	DropletID int64  `json:"droplet_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Region    string `json:"region,omitempty"`
	Size      string `json:"size,omitempty"`
	Image     string `json:"image,omitempty"`
}

// ProcessParams carries the parameters of a system/process command.
type ProcessParams struct {
	PID int `json:"pid"`
}

// ShellParams decodes the envelope's parameters as a shell command.
func (c Command) ShellParams() (ShellParams, error) {
	var p ShellParams
	err := c.decodeParams(&p)
	return p, err
}

// ProjectParams decodes the envelope's parameters as a project command.
// The project name is required.
func (c Command) ProjectParams() (ProjectParams, error) {
	var p ProjectParams
	if err := c.decodeParams(&p); err != nil {
		return p, err
	}
	if p.Project == "" {
		return p, Errorf(KindInvalidArgument, "project parameter required")
	}
	return p, nil
}

// DropletParams decodes the envelope's parameters as a droplet command.
func (c Command) DropletParams() (DropletParams, error) {
	var p DropletParams
	err := c.decodeParams(&p)
	return p, err
}

// ProcessParams decodes the envelope's parameters as a process inspection
// command. The pid is required and must be positive.
func (c Command) ProcessParams() (ProcessParams, error) {
	var p ProcessParams
	if err := c.decodeParams(&p); err != nil {
		return p, err
	}
	if p.PID <= 0 {
		return p, Errorf(KindInvalidArgument, "pid parameter required")
	}
	return p, nil
}

// Result is the response envelope returned for every command, success or
// not. Data carries command-specific payloads; failed validation and
// execution outcomes always include a machine-readable error_kind.
type Result struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OK builds a successful result.
func OK(message string, data map[string]any) Result {
	return Result{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Fail builds a failed result from an error. When err carries a taxonomy
// kind the result data includes it as error_kind; otherwise the error is
// reported as a generic execution failure.
func Fail(err error) Result {
	kind := KindExecutionError
	if k, ok := KindOf(err); ok {
		kind = k
	}
	return Result{
		Success:   false,
		Message:   err.Error(),
		Data:      map[string]any{"error_kind": string(kind)},
		Timestamp: time.Now().UTC(),
	}
}

// Failf builds a failed result with an explicit kind and formatted message.
func Failf(kind Kind, format string, args ...any) Result {
	return Fail(Errorf(kind, format, args...))
}

func (r Result) String() string {
	if r.Success {
		return fmt.Sprintf("ok: %s", r.Message)
	}
	return fmt.Sprintf("failed: %s", r.Message)
}
