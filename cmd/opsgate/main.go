package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/opsgate/opsgate/internal/api"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/channels"
	"github.com/opsgate/opsgate/internal/chatops"
	"github.com/opsgate/opsgate/internal/cli"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/dispatch"
	"github.com/opsgate/opsgate/internal/droplets"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/llm"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/projects"
	"github.com/opsgate/opsgate/internal/scheduler"
	"github.com/opsgate/opsgate/internal/sysmon"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Policy     *policy.Registry
	Recorder   audit.Recorder
	Trail      audit.Querier
	Gateway    *gateway.Gateway
	Registry   *projects.Registry
	Projects   *projects.Manager
	Dispatcher *dispatch.Dispatcher
	Router     *llm.Router
	Assistant  *llm.Assistant
	Bot        *chatops.Bot
	MQTT       *channels.MQTTChannel
	HTTPChat   *channels.HTTPChannel
	WSChat     *channels.WSChannel
	APIServer  *api.Server
	Scheduler  *scheduler.Scheduler

	channelNames []string

	apiContext context.Context
	apiCancel  context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	// Check for subcommands (look through all args, not just first)
	configPath := "opsgate.json"
	var subCmd string
	var subCmdIdx int

	// First pass: find config flag
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: find subcommand (first non-flag, non-flag-value arg)
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]

		// Skip known flag patterns
		if arg == "--config" || arg == "-config" || arg == "--version" || arg == "-version" {
			if arg == "--config" || arg == "-config" {
				skipNext = true
			}
			continue
		}

		// This must be a subcommand or positional arg
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	// Handle subcommands
	if subCmd != "" {
		switch subCmd {
		case "init":
			return cli.InitCommand(os.Args[subCmdIdx+1:])
		case "validate":
			return cli.ValidateCommand(os.Args[subCmdIdx+1:], configPath)
		case "token":
			return cli.TokenCommand(os.Args[subCmdIdx+1:], configPath)
		case "hash":
			return cli.HashCommand(os.Args[subCmdIdx+1:])
		case "service":
			if err := runServiceCommand(os.Args[subCmdIdx+1:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			return 0
		case "version":
			printVersion()
			return 0
		case "help":
			if subCmdIdx+1 < len(os.Args) {
				cli.PrintCommandHelp("opsgate", os.Args[subCmdIdx+1])
			} else {
				cli.PrintHelp("opsgate")
			}
			return 0
		case "start":
			// Explicit start subcommand, falls through to normal server start below
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
			fmt.Fprintf(os.Stderr, "Available commands: %v\n", cli.CommandNames())
			return 1
		}
	}

	// No subcommand, or "start" - parse as normal server start
	fs := flag.NewFlagSet("opsgate", flag.ExitOnError)
	configPathFlag := fs.String("config", "opsgate.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	args := os.Args[1:]
	if subCmd == "start" {
		args = os.Args[subCmdIdx+1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Printf("Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		printVersion()
		return 0
	}

	// Use the config path from flag if provided
	if *configPathFlag != "opsgate.json" {
		configPath = *configPathFlag
	}

	// Setup application
	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	// Start services
	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	// Print banner
	printBanner(app)

	// Wait for shutdown
	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}

	return 0
}

func printVersion() {
	fmt.Printf("opsgate v%s (built %s)\n", version, buildTime)
	fmt.Println("Remote administration command gateway")
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{}

	// Setup logger (initially at Info level)
	app.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting opsgate",
		"version", version,
		"config", configPath,
	)

	// Load config
	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with config's log level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	app.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load the command allow-list. No policy, no gateway: refusing to
	// start beats starting with nothing allowed or everything allowed.
	reg, err := policy.Load(cfg.Gateway.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	app.Policy = reg
	app.Logger.Info("policy loaded",
		"path", cfg.Gateway.PolicyPath,
		"commands", len(reg.Commands()),
	)

	// Open the audit sink
	if err := openAudit(app, cfg); err != nil {
		return nil, fmt.Errorf("open audit: %w", err)
	}

	// Create the gateway, the only subprocess path in the daemon
	app.Gateway = gateway.New(reg, app.Recorder, gateway.Config{
		InstallRoot:  cfg.Gateway.InstallRoot,
		ShortTimeout: time.Duration(cfg.Gateway.ShortTimeoutSec) * time.Second,
		LongTimeout:  time.Duration(cfg.Gateway.LongTimeoutSec) * time.Second,
		MaxOutput:    cfg.Gateway.MaxOutputKB * 1024,
	}, app.Logger)

	// Load project registry
	if err := loadProjects(app, cfg); err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	app.Projects = projects.NewManager(app.Registry, app.Gateway, app.Recorder, app.Logger)

	// Droplet client, only when a token is configured
	var drops dispatch.DropletOps
	if cfg.Droplets.Enabled {
		if cfg.Droplets.APIToken == "" {
			return nil, fmt.Errorf("droplets enabled but no api token configured")
		}
		if cfg.Droplets.BaseURL != "" {
			drops = droplets.NewClientWith(cfg.Droplets.APIToken, cfg.Droplets.BaseURL, &http.Client{
				Timeout: 30 * time.Second,
			}, app.Logger)
		} else {
			drops = droplets.NewClient(cfg.Droplets.APIToken, app.Logger)
		}
		app.Logger.Info("droplet client enabled")
	}

	// Wire the dispatcher over gateway, projects, droplets and sysmon
	app.Dispatcher = dispatch.New(app.Gateway, app.Projects, drops, sysmon.New(app.Logger), app.Logger)

	// Model router and assistant
	registerProviders(app, cfg)

	// Chat bot and channels
	if err := registerChannels(app, cfg); err != nil {
		return nil, fmt.Errorf("register channels: %w", err)
	}

	// Scheduler
	if cfg.Scheduler.Enabled {
		app.Scheduler = scheduler.New(app.Dispatcher, app.Logger)
		if err := app.Scheduler.Load(schedulerJobs(cfg)); err != nil {
			return nil, fmt.Errorf("load scheduled jobs: %w", err)
		}
	}

	// Create API server
	app.APIServer = api.NewServer(api.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Version:  version,
		Handler:  app.Dispatcher,
		Projects: app.Registry,
		Trail:    app.Trail,
		Chat:     app.HTTPChat,
		WS:       app.WSChat,
		Channels: app.channelNames,
		Auth: api.AuthSettings{
			Username:       cfg.Auth.Username,
			PasswordBcrypt: cfg.Auth.PasswordBcrypt,
			JWTSecret:      cfg.Auth.JWTSecretBytes(),
			TokenTTL:       time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
		},
	}, app.Logger)

	return app, nil
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadConfigIfPresent loads a config file, returning (nil, nil) when the
// file does not exist.
func loadConfigIfPresent(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// openAudit opens the configured trail backend. The sqlite store also
// serves the read side of the /api/audit endpoint.
func openAudit(app *App, cfg *config.Config) error {
	switch cfg.Audit.Backend {
	case "sqlite":
		store, err := audit.OpenStore(cfg.Audit.Path)
		if err != nil {
			return err
		}
		app.Recorder = store
		app.Trail = store
	case "jsonl":
		sink, err := audit.OpenJSONL(cfg.Audit.Path)
		if err != nil {
			return err
		}
		app.Recorder = sink
	case "none", "":
		app.Logger.Warn("audit trail disabled")
		app.Recorder = audit.Nop{}
	default:
		return fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
	app.Logger.Info("audit sink ready", "backend", cfg.Audit.Backend)
	return nil
}

// loadProjects reads projects.toml. A missing file is not fatal: a fresh
// host has no projects yet, and `opsgate init` writes the template.
func loadProjects(app *App, cfg *config.Config) error {
	reg, err := projects.LoadRegistry(cfg.Projects.Path, app.Policy.SafeDirectories())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			app.Logger.Warn("no projects file, starting with empty registry", "path", cfg.Projects.Path)
			reg, err = projects.NewRegistry(nil, app.Policy.SafeDirectories())
			if err != nil {
				return err
			}
			app.Registry = reg
			return nil
		}
		return err
	}
	app.Registry = reg
	app.Logger.Info("projects loaded", "count", reg.Len())
	return nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// registerProviders builds the model router and the assistant. Without
// any providers the bot still works, it just answers free text with a
// usage hint instead of running the tool loop.
func registerProviders(app *App, cfg *config.Config) {
	app.Router = llm.NewRouter(app.Logger)

	for name, prov := range cfg.Models.Providers {
		switch name {
		case "anthropic":
			app.Router.Register(llm.NewAnthropicProvider(prov.APIKey, prov.BaseURL, prov.Models))
		default:
			// Everything else speaks the OpenAI chat shape
			app.Router.Register(llm.NewOpenAIProvider(name, prov.APIKey, prov.BaseURL, prov.Models))
		}
		app.Logger.Info("provider registered", "name", name, "models", len(prov.Models))
	}

	if len(cfg.Models.Providers) == 0 || cfg.Models.Default == "" {
		app.Logger.Info("no default model configured, assistant disabled")
		return
	}

	toolset := llm.NewToolset(app.Dispatcher, "assistant", "llm")
	loop := llm.NewLoop(app.Router, toolset, app.Logger)
	app.Assistant = llm.NewAssistant(loop, llm.AssistantConfig{
		Model:        cfg.Models.Default,
		Fallback:     cfg.Models.Fallback,
		SystemPrompt: cfg.Models.SystemPrompt,
	}, app.Logger)
}

// registerChannels wires the chat bot and the MQTT bridge. The HTTP and
// websocket channels always exist because the API server serves them.
func registerChannels(app *App, cfg *config.Config) error {
	app.Bot = chatops.NewBot(app.Dispatcher, app.Registry, app.Logger)
	if app.Assistant != nil {
		app.Bot.SetAssistant(app.Assistant)
	}

	app.HTTPChat = channels.NewHTTP(app.Logger)
	app.Bot.RegisterChannel(app.HTTPChat)
	app.channelNames = append(app.channelNames, app.HTTPChat.Name())

	app.WSChat = channels.NewWS(app.Logger)
	app.Bot.RegisterChannel(app.WSChat)
	app.channelNames = append(app.channelNames, app.WSChat.Name())

	if tg := cfg.Channels.Telegram; tg != nil && tg.Enabled {
		app.Logger.Info("enabling telegram channel")
		app.Bot.RegisterChannel(channels.NewTelegram(tg.BotToken, tg.AllowedUserIDs, app.Logger))
		app.channelNames = append(app.channelNames, "telegram")
	}

	if con := cfg.Channels.Console; con != nil && con.Enabled {
		app.Logger.Info("enabling console channel")
		app.Bot.RegisterChannel(channels.NewConsole(app.Logger))
		app.channelNames = append(app.channelNames, "console")
	}

	// MQTT speaks command envelopes straight to the dispatcher, so it is
	// a standalone bridge rather than a bot channel.
	if mq := cfg.Channels.MQTT; mq != nil && mq.Enabled {
		app.Logger.Info("enabling mqtt channel", "host", mq.Host, "port", mq.Port)
		app.MQTT = channels.NewMQTT(mq.Host, mq.Port, mq.Username, mq.Password, app.Dispatcher, app.Logger)
		app.channelNames = append(app.channelNames, app.MQTT.Name())
	}

	return nil
}

// schedulerJobs converts config job entries to scheduler jobs.
func schedulerJobs(cfg *config.Config) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(cfg.Scheduler.Jobs))
	for _, jc := range cfg.Scheduler.Jobs {
		jobs = append(jobs, scheduler.Job{
			ID:   jc.ID,
			Name: jc.Name,
			Schedule: scheduler.ScheduleConfig{
				Kind:       jc.Schedule.Kind,
				IntervalMs: jc.Schedule.IntervalMs,
				Expr:       jc.Schedule.Expr,
				Time:       jc.Schedule.Time,
				Timezone:   jc.Schedule.Timezone,
			},
			Command: scheduler.JobCommand{
				Type:       command.Type(jc.Command.Type),
				Action:     jc.Command.Action,
				Parameters: jc.Command.Parameters,
			},
			Enabled: jc.Enabled,
		})
	}
	return jobs
}

// startServices starts all services
func startServices(app *App) error {
	app.apiContext, app.apiCancel = context.WithCancel(context.Background())

	// Start chat bot and its channels
	if err := app.Bot.Start(app.apiContext); err != nil {
		return fmt.Errorf("start chat bot: %w", err)
	}

	// Start MQTT bridge
	if app.MQTT != nil {
		if err := app.MQTT.Start(app.apiContext); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
	}

	// Start scheduler
	if app.Scheduler != nil {
		if err := app.Scheduler.Start(app.apiContext); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// Start API server in background
	go func() {
		if err := app.APIServer.Start(app.apiContext); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  opsgate v%s — command gateway\n", version)
	fmt.Println("  ──────────────────────────────────")
	fmt.Printf("  API:      http://%s:%d\n", app.Config.Server.Host, app.Config.Server.Port)
	fmt.Printf("  Policy:   %d commands allowed\n", len(app.Policy.Commands()))
	fmt.Printf("  Projects: %d registered\n", app.Registry.Len())
	fmt.Printf("  Channels: %v\n", app.channelNames)
	if app.Config.Auth.Username == "" && len(app.Config.Auth.JWTSecretBytes()) == 0 {
		fmt.Println("  Auth:     DISABLED (development mode)")
	}
	fmt.Println()
}

// waitForShutdown waits for termination signal and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh

		// Handle platform-specific signals (SIGHUP, SIGUSR1 on Unix)
		if handlePlatformSignal(sig, app.Logger) {
			continue
		}

		// SIGINT or SIGTERM - proceed to shutdown
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	// Stop API server and everything sharing its context
	if app.apiCancel != nil {
		app.apiCancel()
	}

	if app.Scheduler != nil {
		app.Scheduler.Stop()
	}
	if app.MQTT != nil {
		if err := app.MQTT.Stop(); err != nil {
			app.Logger.Error("error stopping mqtt", "error", err)
		}
	}
	app.Bot.Stop()

	if err := app.Recorder.Close(); err != nil {
		app.Logger.Error("error closing audit sink", "error", err)
	}

	app.Logger.Info("opsgate stopped")
	return nil
}
