package cli

import (
	"fmt"
	"os"
)

// commandInfo describes a top-level subcommand.
type commandInfo struct {
	Name     string
	Args     string
	Short    string
	Long     string
	Examples []string
}

var commands = []commandInfo{
	{
		Name:  "start",
		Args:  "[--config <file>]",
		Short: "Start the opsgate daemon (default action)",
		Long: `Start the opsgate daemon.

Loads the command allow-list, the project registry, the audit sink,
chat channels, and the scheduler from the config file, then serves the
REST API on the configured port (default :8420).`,
		Examples: []string{
			"opsgate",
			"opsgate start",
			"opsgate start --config /etc/opsgate/opsgate.json",
		},
	},
	{
		Name:  "init",
		Args:  "[--force]",
		Short: "Write the default config, policy and project templates",
		Long: `Create opsgate.json, policy.yaml and projects.toml in the current
directory. The policy template carries the stock inspection and deploy
tool set confined to /var/www and /var/log; edit it before exposing
the daemon to real callers.`,
		Examples: []string{
			"opsgate init",
			"opsgate init --force",
			"opsgate init --config /etc/opsgate/opsgate.json",
		},
	},
	{
		Name:  "validate",
		Args:  "[--workdir <dir>] -- <command line>",
		Short: "Run a command line through the validator without executing it",
		Long: `Check a shell command line against the loaded allow-list and print
the decision: the rewritten line and argv on approval, the violated
rule on denial. Nothing is executed.

Exit status is 0 when the line is allowed and 1 when it is denied.`,
		Examples: []string{
			`opsgate validate -- ls -la`,
			`opsgate validate --workdir /var/www/blog -- git pull`,
			`opsgate validate -- "rm -rf /"`,
		},
	},
	{
		Name:  "token",
		Args:  "[--caller <id>] [--ttl <hours>]",
		Short: "Mint a bearer token for an API caller",
		Long: `Sign a JWT with the configured secret (auth.jwtSecret, or the
OPSGATE_JWT_SECRET environment variable). The caller id lands in the
audit trail for every command the token submits.`,
		Examples: []string{
			"opsgate token --caller alice",
			"opsgate token --caller deploy-bot --ttl 1",
		},
	},
	{
		Name:  "hash",
		Args:  "[password]",
		Short: "Bcrypt a password for the auth.passwordBcrypt config field",
		Long: `Hash a password for HTTP Basic authentication. Without an argument
the password is read from stdin, which keeps it out of shell history.`,
		Examples: []string{
			"opsgate hash",
			"opsgate hash 's3cret'",
		},
	},
	{
		Name:  "service",
		Args:  "<install|uninstall>",
		Short: "Manage the opsgate systemd service",
		Long: `Write or remove a systemd unit for the daemon. Run as root for a
system-wide service, or as a regular user for a user service.`,
		Examples: []string{
			"sudo opsgate service install",
			"opsgate service uninstall",
		},
	},
	{
		Name:  "version",
		Short: "Print version and build information",
		Examples: []string{
			"opsgate version",
			"opsgate --version",
		},
	},
}

// PrintHelp prints top-level help (opsgate help).
func PrintHelp(binaryName string) {
	fmt.Fprintf(os.Stdout, `opsgate — remote administration command gateway

USAGE:
  %s [command] [flags]

COMMANDS:
`, binaryName)

	for _, c := range commands {
		if c.Args != "" {
			fmt.Fprintf(os.Stdout, "  %-10s %-36s %s\n", c.Name, c.Args, c.Short)
		} else {
			fmt.Fprintf(os.Stdout, "  %-10s %-36s %s\n", c.Name, "", c.Short)
		}
	}

	fmt.Fprintf(os.Stdout, `
GLOBAL FLAGS:
  --config <file>   Path to config file (default: opsgate.json)
  --version         Print version information
  -h, --help        Show this help message

Run '%s help <command>' for detailed help on a specific command.
`, binaryName)
}

// PrintCommandHelp prints help for a specific subcommand.
func PrintCommandHelp(binaryName, cmdName string) {
	for _, c := range commands {
		if c.Name == cmdName {
			fmt.Fprintf(os.Stdout, "COMMAND: %s %s\n\n", binaryName, c.Name)
			if c.Args != "" {
				fmt.Fprintf(os.Stdout, "USAGE:\n  %s %s %s\n\n", binaryName, c.Name, c.Args)
			}
			if c.Long != "" {
				fmt.Fprintf(os.Stdout, "DESCRIPTION:\n  %s\n\n", c.Long)
			}
			if len(c.Examples) > 0 {
				fmt.Fprintln(os.Stdout, "EXAMPLES:")
				for _, ex := range c.Examples {
					fmt.Fprintf(os.Stdout, "  %s\n", ex)
				}
				fmt.Fprintln(os.Stdout)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\nRun '%s help' for a list of commands.\n", cmdName, binaryName)
	os.Exit(1)
}

// CommandNames returns all valid command names (used for error messages).
func CommandNames() []string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	return names
}
