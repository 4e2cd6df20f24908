// Package dispatch routes command envelopes to the subsystem that serves
// them: shell lines to the gateway, project operations to the project
// manager, droplet actions to the DigitalOcean client, system queries to
// the host monitor. Type and action vocabulary checks happen here, before
// any parameter is inspected.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/droplets"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/sysmon"
)

// Shell is the gateway surface the dispatcher needs.
type Shell interface {
	Execute(ctx context.Context, req gateway.Request) command.Result
}

// ProjectOps is the project manager surface the dispatcher needs.
type ProjectOps interface {
	Status(ctx context.Context, actor command.Actor, name string) command.Result
	Restart(ctx context.Context, actor command.Actor, name string) command.Result
	Logs(ctx context.Context, actor command.Actor, name string, lines int) command.Result
	Update(ctx context.Context, actor command.Actor, name string) command.Result
	Config(ctx context.Context, actor command.Actor, name string) command.Result
}

// DropletOps is the cloud client surface the dispatcher needs.
type DropletOps interface {
	List(ctx context.Context) ([]droplets.Droplet, error)
	Get(ctx context.Context, id int64) (droplets.Droplet, error)
	Create(ctx context.Context, req droplets.CreateRequest) (droplets.Droplet, error)
	Delete(ctx context.Context, id int64) error
	Act(ctx context.Context, id int64, kind string) (droplets.Action, error)
}

// SystemOps is the host monitor surface the dispatcher needs.
type SystemOps interface {
	Status(ctx context.Context) (sysmon.Snapshot, error)
	Process(ctx context.Context, pid int) (sysmon.ProcessInfo, error)
}

// Dispatcher holds the wired subsystems. Droplets may be nil when no API
// token is configured; the corresponding commands then fail cleanly.
type Dispatcher struct {
	shell    Shell
	projects ProjectOps
	droplets DropletOps
	system   SystemOps
	logger   *slog.Logger
}

// New wires a dispatcher.
func New(shell Shell, projects ProjectOps, drops DropletOps, system SystemOps, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		shell:    shell,
		projects: projects,
		droplets: drops,
		system:   system,
		logger:   logger.With("component", "dispatch"),
	}
}

// Handle routes one envelope. channel names the transport the envelope
// arrived over and is carried into the audit trail.
func (d *Dispatcher) Handle(ctx context.Context, channel string, cmd command.Command) command.Result {
	if !command.ValidType(cmd.Type) {
		return command.Failf(command.KindInvalidCommandType,
			"unknown command type %q", cmd.Type)
	}
	if !command.ValidAction(cmd.Type, cmd.Action) {
		return command.Failf(command.KindInvalidAction,
			"action %q is not valid for type %q (allowed: %s)",
			cmd.Action, cmd.Type, strings.Join(command.Actions(cmd.Type), ", "))
	}

	actor := command.Actor{Caller: cmd.CallerID, Channel: channel}
	d.logger.Debug("dispatching command",
		"type", cmd.Type, "action", cmd.Action, "caller", cmd.CallerID, "channel", channel)

	switch cmd.Type {
	case command.TypeShell:
		return d.handleShell(ctx, actor, cmd)
	case command.TypeProject:
		return d.handleProject(ctx, actor, cmd)
	case command.TypeDroplet:
		return d.handleDroplet(ctx, cmd)
	case command.TypeSystem:
		return d.handleSystem(ctx, cmd)
	}
	return command.Failf(command.KindInvalidCommandType, "unhandled command type %q", cmd.Type)
}

func (d *Dispatcher) handleShell(ctx context.Context, actor command.Actor, cmd command.Command) command.Result {
	p, err := cmd.ShellParams()
	if err != nil {
		return command.Fail(err)
	}
	return d.shell.Execute(ctx, gateway.Request{
		Caller:      actor.Caller,
		Channel:     actor.Channel,
		CommandType: command.TypeShell,
		Action:      cmd.Action,
		Raw:         p.Command,
		Dir:         p.WorkingDir,
	})
}

func (d *Dispatcher) handleProject(ctx context.Context, actor command.Actor, cmd command.Command) command.Result {
	p, err := cmd.ProjectParams()
	if err != nil {
		return command.Fail(err)
	}
	switch cmd.Action {
	case "status":
		return d.projects.Status(ctx, actor, p.Project)
	case "restart":
		return d.projects.Restart(ctx, actor, p.Project)
	case "logs":
		return d.projects.Logs(ctx, actor, p.Project, p.Lines)
	case "update":
		return d.projects.Update(ctx, actor, p.Project)
	case "config":
		return d.projects.Config(ctx, actor, p.Project)
	}
	return command.Failf(command.KindInvalidAction, "unhandled project action %q", cmd.Action)
}

func (d *Dispatcher) handleDroplet(ctx context.Context, cmd command.Command) command.Result {
	if d.droplets == nil {
		return command.Failf(command.KindExecutionError,
			"droplet support is not configured")
	}
	p, err := cmd.DropletParams()
	if err != nil {
		return command.Fail(err)
	}

	switch cmd.Action {
	case "list":
		list, err := d.droplets.List(ctx)
		if err != nil {
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("%d droplets", len(list)), map[string]any{
			"count":    len(list),
			"droplets": list,
		})

	case "create":
		if p.Name == "" || p.Region == "" || p.Size == "" || p.Image == "" {
			return command.Failf(command.KindInvalidArgument,
				"droplet create requires name, region, size and image")
		}
		d2, err := d.droplets.Create(ctx, droplets.CreateRequest{
			Name:   p.Name,
			Region: p.Region,
			Size:   p.Size,
			Image:  p.Image,
		})
		if err != nil {
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("droplet %q created", p.Name), map[string]any{
			"droplet": d2,
		})
	}

	// Remaining actions address one droplet by id.
	if p.DropletID <= 0 {
		return command.Failf(command.KindInvalidArgument,
			"droplet_id parameter required for action %q", cmd.Action)
	}

	switch cmd.Action {
	case "status":
		d2, err := d.droplets.Get(ctx, p.DropletID)
		if err != nil {
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("droplet %d is %s", d2.ID, d2.Status), map[string]any{
			"droplet": d2,
		})
	case "delete":
		if err := d.droplets.Delete(ctx, p.DropletID); err != nil {
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("droplet %d deleted", p.DropletID), map[string]any{
			"droplet_id": p.DropletID,
		})
	case "reboot", "power_on", "power_off":
		act, err := d.droplets.Act(ctx, p.DropletID, cmd.Action)
		if err != nil {
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("droplet %d: %s %s", p.DropletID, act.Type, act.Status),
			map[string]any{"action": act})
	}
	return command.Failf(command.KindInvalidAction, "unhandled droplet action %q", cmd.Action)
}

func (d *Dispatcher) handleSystem(ctx context.Context, cmd command.Command) command.Result {
	switch cmd.Action {
	case "status":
		snap, err := d.system.Status(ctx)
		if err != nil {
			return command.Fail(err)
		}
		return command.OK("system status", asMap(snap))

	case "process":
		p, err := cmd.ProcessParams()
		if err != nil {
			return command.Fail(err)
		}
		info, err := d.system.Process(ctx, p.PID)
		if err != nil {
			if errors.Is(err, sysmon.ErrNoProcess) {
				return command.Failf(command.KindInvalidArgument,
					"no process with pid %d", p.PID)
			}
			return command.Fail(err)
		}
		return command.OK(fmt.Sprintf("process %d (%s)", info.PID, info.Name), asMap(info))
	}
	return command.Failf(command.KindInvalidAction, "unhandled system action %q", cmd.Action)
}

// asMap flattens a typed payload into result data via its json shape.
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
