package projects

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/policy"
)

const (
	// DefaultLogLines is used when the caller does not ask for a count.
	DefaultLogLines = 20
	// MaxLogLines caps how much log output one request may pull.
	MaxLogLines = 200

	maxConfigBytes = 64 * 1024
)

// runner is the slice of the gateway the manager needs. Every project
// operation that touches the host goes through it, so the allow-list and
// the audit trail apply to project commands exactly as they do to raw
// shell ones.
type runner interface {
	Execute(ctx context.Context, req gateway.Request) command.Result
}

// Manager executes the per-project operation set. Updates on the same
// project are serialized; operations on different projects proceed
// independently.
type Manager struct {
	registry *Registry
	run      runner
	recorder audit.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	updates map[string]*sync.Mutex
}

// NewManager wires the manager over a loaded project registry.
func NewManager(reg *Registry, run runner, recorder audit.Recorder, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: reg,
		run:      run,
		recorder: recorder,
		logger:   logger.With("component", "projects"),
		updates:  make(map[string]*sync.Mutex),
	}
}

// Names lists the registered projects.
func (m *Manager) Names() []string {
	return m.registry.Names()
}

// Get exposes a project definition to read-only consumers.
func (m *Manager) Get(name string) (Definition, bool) {
	return m.registry.Get(name)
}

// Status reports the process manager's view of the project.
func (m *Manager) Status(ctx context.Context, actor command.Actor, name string) command.Result {
	def, ok := m.registry.Get(name)
	if !ok {
		return unknown(name)
	}
	return m.run.Execute(ctx, gateway.Request{
		Caller:      actor.Caller,
		Channel:     actor.Channel,
		CommandType: command.TypeProject,
		Action:      "status",
		Raw:         fmt.Sprintf("pm2 status %s", def.Process),
		Dir:         def.Dir,
	})
}

// Restart restarts the project's managed process.
func (m *Manager) Restart(ctx context.Context, actor command.Actor, name string) command.Result {
	def, ok := m.registry.Get(name)
	if !ok {
		return unknown(name)
	}
	return m.run.Execute(ctx, gateway.Request{
		Caller:      actor.Caller,
		Channel:     actor.Channel,
		CommandType: command.TypeProject,
		Action:      "restart",
		Raw:         fmt.Sprintf("pm2 restart %s", def.Process),
		Dir:         def.Dir,
	})
}

// Logs tails the project's recent log output. The requested line count is
// clamped to [1, MaxLogLines]; zero means DefaultLogLines.
func (m *Manager) Logs(ctx context.Context, actor command.Actor, name string, lines int) command.Result {
	def, ok := m.registry.Get(name)
	if !ok {
		return unknown(name)
	}
	return m.run.Execute(ctx, gateway.Request{
		Caller:      actor.Caller,
		Channel:     actor.Channel,
		CommandType: command.TypeProject,
		Action:      "logs",
		Raw:         fmt.Sprintf("pm2 logs %s --lines %d --nostream", def.Process, ClampLines(lines)),
		Dir:         def.Dir,
	})
}

// updateSteps is the fixed deploy sequence. Each line is validated by the
// gateway like any other command; the update aborts at the first failed
// step.
func updateSteps(def Definition) []string {
	return []string{
		fmt.Sprintf("cd %s", def.Dir),
		"git pull",
		"npm install",
		fmt.Sprintf("pm2 restart %s", def.Process),
	}
}

// Update runs the project's deploy sequence. Concurrent updates of the
// same project queue behind each other instead of interleaving git and
// npm state.
func (m *Manager) Update(ctx context.Context, actor command.Actor, name string) command.Result {
	def, ok := m.registry.Get(name)
	if !ok {
		return unknown(name)
	}

	lock := m.updateLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.logger.Info("project update started", "project", name, "caller", actor.Caller)

	steps := updateSteps(def)
	completed := make([]map[string]any, 0, len(steps))
	for i, raw := range steps {
		res := m.run.Execute(ctx, gateway.Request{
			Caller:      actor.Caller,
			Channel:     actor.Channel,
			CommandType: command.TypeProject,
			Action:      "update",
			Raw:         raw,
			Dir:         def.Dir,
			Long:        true,
		})
		if !res.Success {
			m.logger.Warn("project update halted",
				"project", name, "step", raw, "error", res.Message)
			if res.Data == nil {
				res.Data = map[string]any{}
			}
			res.Data["failed_step"] = raw
			res.Data["completed_steps"] = completed
			res.Message = fmt.Sprintf("update of %q halted at step %d/%d (%s): %s",
				name, i+1, len(steps), raw, res.Message)
			return res
		}
		completed = append(completed, map[string]any{
			"step":   raw,
			"stdout": res.Data["stdout"],
		})
	}

	m.logger.Info("project update finished", "project", name)
	return command.OK(fmt.Sprintf("project %q updated", name), map[string]any{
		"project": name,
		"steps":   completed,
	})
}

// Config reads the project's registered config file directly, without a
// subprocess. The resolved path is re-checked against the project
// directory so a symlinked config cannot leak files from elsewhere.
func (m *Manager) Config(ctx context.Context, actor command.Actor, name string) command.Result {
	def, ok := m.registry.Get(name)
	if !ok {
		return unknown(name)
	}
	if def.ConfigFile == "" {
		return command.Failf(command.KindInvalidArgument,
			"project %q has no config file registered", name)
	}

	res := m.readConfig(def)
	m.audit(ctx, actor, name, res)
	return res
}

func (m *Manager) readConfig(def Definition) command.Result {
	resolved, err := policy.ResolvePath(def.ConfigFile, def.Dir)
	if err != nil {
		return command.Failf(command.KindPathNotAllowed, "config path: %v", err)
	}
	root, err := policy.NewDirSet([]string{def.Dir})
	if err != nil {
		return command.Failf(command.KindExecutionError, "project directory: %v", err)
	}
	if !root.Contains(resolved) {
		return command.Failf(command.KindPathNotAllowed,
			"config file %q resolves outside the project directory", def.ConfigFile)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return command.Failf(command.KindExecutionError, "config file: %v", err)
	}
	if info.Size() > maxConfigBytes {
		return command.Failf(command.KindExecutionError,
			"config file is %d bytes, limit is %d", info.Size(), maxConfigBytes)
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return command.Failf(command.KindExecutionError, "read config: %v", err)
	}
	return command.OK("config file read", map[string]any{
		"path":    filepath.Base(resolved),
		"size":    info.Size(),
		"content": string(raw),
	})
}

// audit records the config read, which bypasses the gateway and so must
// write its own trail entry.
func (m *Manager) audit(ctx context.Context, actor command.Actor, name string, res command.Result) {
	rec := audit.Record{
		Caller:      actor.Caller,
		Channel:     actor.Channel,
		CommandType: string(command.TypeProject),
		Action:      "config",
		Raw:         fmt.Sprintf("config %s", name),
		Decision:    audit.DecisionExecuted,
	}
	if !res.Success {
		rec.Stderr = res.Message
		if kind, ok := res.Data["error_kind"].(string); ok {
			rec.ErrorKind = kind
			if command.IsValidation(command.Kind(kind)) {
				rec.Decision = audit.DecisionDenied
			}
		}
	}
	if err := m.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Error("audit write failed", "error", err)
	}
}

// updateLock returns the per-project mutex, creating it on first use.
func (m *Manager) updateLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.updates[name]
	if !ok {
		lock = &sync.Mutex{}
		m.updates[name] = lock
	}
	return lock
}

// ClampLines normalizes a requested log line count.
func ClampLines(n int) int {
	if n <= 0 {
		return DefaultLogLines
	}
	if n > MaxLogLines {
		return MaxLogLines
	}
	return n
}

func unknown(name string) command.Result {
	return command.Failf(command.KindUnknownProject, "unknown project %q", name)
}
