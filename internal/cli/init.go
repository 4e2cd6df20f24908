package cli

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/policy"
)

// projectsTemplate is written fully commented out so a fresh install
// starts with an empty registry instead of a project that does not exist.
const projectsTemplate = `# opsgate project registry.
#
# Each project is a deployable unit the gateway may operate on. The
# working directory must live under one of the policy's safe directories;
# the process name is the pm2 identity used by status/restart/logs.
#
# [[projects]]
# name = "blog"
# working_directory = "/var/www/blog"
# process_name = "blog"
# config_file = "config/production.json"
`

// InitCommand handles the 'opsgate init' subcommand
func InitCommand(args []string) int {
	fs := flag.NewFlagSet("opsgate init", flag.ExitOnError)
	configPath := fs.String("config", "opsgate.json", "Output config file path")
	force := fs.Bool("force", false, "Overwrite existing files without asking")

	fs.Usage = func() {
		fmt.Println(`Usage: opsgate init [options]

Write the default opsgate configuration: opsgate.json, the policy.yaml
allow-list template, and the projects.toml registry template.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  opsgate init
  opsgate init --force
  opsgate init --config /etc/opsgate/opsgate.json`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.DefaultConfig()

	if !*force && !confirmOverwrite(*configPath) {
		fmt.Println("Aborted.")
		return 0
	}
	if err := cfg.Save(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		return 1
	}
	fmt.Printf("Config written to %s\n", *configPath)

	if err := writePolicy(cfg.Gateway.PolicyPath, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing policy: %v\n", err)
		return 1
	}

	if err := writeProjects(cfg.Projects.Path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing projects file: %v\n", err)
		return 1
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s — the stock allow-list is a starting point, not a policy\n", cfg.Gateway.PolicyPath)
	fmt.Printf("  2. Register your projects in %s\n", cfg.Projects.Path)
	fmt.Println("  3. opsgate hash          # bcrypt an admin password for the config")
	fmt.Println("  4. opsgate start         # start the daemon")
	fmt.Println()
	return 0
}

// confirmOverwrite asks before clobbering an existing file. A missing
// file needs no confirmation.
func confirmOverwrite(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return true
	}
	fmt.Printf("%s already exists. Overwrite? [y/N]: ", path)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func writePolicy(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("%s already exists, leaving it alone\n", path)
			return nil
		}
	}
	raw, err := policy.Default().Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0640); err != nil {
		return err
	}
	fmt.Printf("Policy template written to %s\n", path)
	return nil
}

func writeProjects(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("%s already exists, leaving it alone\n", path)
			return nil
		}
	}
	if err := os.WriteFile(path, []byte(projectsTemplate), 0640); err != nil {
		return err
	}
	fmt.Printf("Projects template written to %s\n", path)
	return nil
}
