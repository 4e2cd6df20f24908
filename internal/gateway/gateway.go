package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/policy"
)

// Request is one shell invocation on its way through the gateway, plus the
// audit identity of whoever asked for it.
type Request struct {
	Caller  string
	Channel string

	// CommandType and Action tag the audit record with the operation this
	// invocation serves: project update steps run shell lines but audit as
	// project/update. They default to shell/execute.
	CommandType command.Type
	Action      string

	Raw string
	// Dir overrides the working directory. It must resolve into the safe
	// tree; empty means the gateway install root.
	Dir string
	// Long selects the build/deploy timeout class instead of the
	// interactive one.
	Long bool
}

// Config carries the gateway's execution limits.
type Config struct {
	InstallRoot  string
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	MaxOutput    int
}

// Gateway pairs the validator with the execution engine and records every
// decision. It is the only path in the process that launches subprocesses.
type Gateway struct {
	registry  *policy.Registry
	validator *Validator
	executor  *Executor
	recorder  audit.Recorder
	root      string
	short     time.Duration
	long      time.Duration
	logger    *slog.Logger
}

// New wires a gateway over a loaded allow-list.
func New(registry *policy.Registry, recorder audit.Recorder, cfg Config, logger *slog.Logger) *Gateway {
	short := cfg.ShortTimeout
	if short <= 0 {
		short = DefaultShortTimeout
	}
	long := cfg.LongTimeout
	if long <= 0 {
		long = DefaultLongTimeout
	}
	return &Gateway{
		registry:  registry,
		validator: NewValidator(registry),
		executor:  NewExecutor(cfg.InstallRoot, cfg.MaxOutput, logger),
		recorder:  recorder,
		root:      cfg.InstallRoot,
		short:     short,
		long:      long,
		logger:    logger.With("component", "gateway"),
	}
}

// Validator exposes the decision function for callers that need a dry run
// (the validate subcommand) without execution.
func (g *Gateway) Validator() *Validator {
	return g.validator
}

// Execute validates one raw command line and, if approved, runs it. The
// returned result is always structured; validation failures never spawn a
// subprocess and execution failures never escape as panics or raw errors.
func (g *Gateway) Execute(ctx context.Context, req Request) command.Result {
	if req.CommandType == "" {
		req.CommandType = command.TypeShell
	}
	if req.Action == "" {
		req.Action = "execute"
	}

	dir := g.root
	if req.Dir != "" {
		resolved, err := policy.ResolvePath(req.Dir, g.root)
		if err != nil || !g.registry.SafeDirectories().Contains(resolved) {
			verr := command.Errorf(command.KindDirectoryNotAllowed,
				"working directory not allowed: %s", req.Dir)
			g.record(ctx, req, "", audit.DecisionDenied, verr, nil)
			return command.Fail(verr)
		}
		dir = resolved
	}

	approval, err := g.validator.Validate(req.Raw, dir)
	if err != nil {
		g.logger.Warn("command denied",
			"caller", req.Caller,
			"command", req.Raw,
			"reason", err,
		)
		g.record(ctx, req, "", audit.DecisionDenied, err, nil)
		return command.Fail(err)
	}

	if approval.Builtin {
		// A directory change has nothing to execute; approval already
		// verified containment, so acknowledge it.
		g.record(ctx, req, approval.Rewritten, audit.DecisionExecuted, nil, &ExecResult{})
		return command.OK("directory allowed", map[string]any{
			"directory":   approval.Dir,
			"return_code": 0,
		})
	}

	timeout := g.short
	if req.Long {
		timeout = g.long
	}

	result, runErr := g.executor.Run(ctx, ExecRequest{
		Argv:    approval.Argv,
		Dir:     dir,
		Timeout: timeout,
	})

	g.record(ctx, req, approval.Rewritten, audit.DecisionExecuted, runErr, &result)

	data := map[string]any{
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
		"return_code": result.ExitCode,
	}

	if runErr != nil {
		kind := command.KindExecutionError
		if k, ok := command.KindOf(runErr); ok {
			kind = k
		}
		data["error_kind"] = string(kind)
		return command.Result{
			Success:   false,
			Message:   runErr.Error(),
			Data:      data,
			Timestamp: time.Now().UTC(),
		}
	}

	if result.ExitCode != 0 {
		data["error_kind"] = string(command.KindExecutionError)
		return command.Result{
			Success:   false,
			Message:   fmt.Sprintf("command exited with status %d", result.ExitCode),
			Data:      data,
			Timestamp: time.Now().UTC(),
		}
	}

	return command.OK("command completed", data)
}

// record hands the decision to the audit sink. Auditing outlives request
// cancellation, and a sink failure is logged but never blocks the caller.
func (g *Gateway) record(ctx context.Context, req Request, rewritten string, decision audit.Decision, cmdErr error, res *ExecResult) {
	rec := audit.Record{
		Caller:      req.Caller,
		Channel:     req.Channel,
		CommandType: string(req.CommandType),
		Action:      req.Action,
		Raw:         req.Raw,
		Rewritten:   rewritten,
		Decision:    decision,
	}
	if cmdErr != nil {
		if kind, ok := command.KindOf(cmdErr); ok {
			rec.ErrorKind = string(kind)
		} else {
			rec.ErrorKind = string(command.KindExecutionError)
		}
	}
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.DurationMS = res.Duration.Milliseconds()
		rec.Stdout = res.Stdout
		rec.Stderr = res.Stderr
	}

	if err := g.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Error("audit record failed", "error", err)
	}
}
