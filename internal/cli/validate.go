package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/gateway"
	"github.com/opsgate/opsgate/internal/policy"
)

// ValidateCommand handles 'opsgate validate': run a command line through
// the allow-list validator and print the decision without executing it.
func ValidateCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("opsgate validate", flag.ExitOnError)
	workdir := fs.String("workdir", "", "Working directory the line would run in (default: gateway install root)")

	fs.Usage = func() {
		fmt.Println(`Usage: opsgate validate [--workdir <dir>] -- <command line>

Check a shell command line against the allow-list and print the
decision. Nothing is executed. Exit status 0 means the line would be
allowed, 1 means it would be denied.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  opsgate validate -- ls -la
  opsgate validate --workdir /var/www/blog -- git pull
  opsgate validate -- "cat /etc/passwd"`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	line := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if line == "" {
		fmt.Fprintln(os.Stderr, "Error: no command line given")
		fs.Usage()
		return 1
	}

	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	reg, err := policy.Load(cfg.Gateway.PolicyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading policy %s: %v\n", cfg.Gateway.PolicyPath, err)
		fmt.Fprintln(os.Stderr, "Run 'opsgate init' to write the template policy first.")
		return 1
	}

	dir := *workdir
	if dir == "" {
		dir = cfg.Gateway.InstallRoot
	}

	approval, err := gateway.NewValidator(reg).Validate(line, dir)
	if err != nil {
		var cmdErr *command.Error
		if errors.As(err, &cmdErr) {
			fmt.Printf("DENIED   %s\n", line)
			fmt.Printf("  kind:    %s\n", cmdErr.Kind)
			fmt.Printf("  reason:  %s\n", cmdErr.Message)
		} else {
			fmt.Printf("DENIED   %s\n", line)
			fmt.Printf("  reason:  %v\n", err)
		}
		return 1
	}

	fmt.Printf("ALLOWED  %s\n", line)
	if approval.Builtin {
		fmt.Printf("  builtin: directory change to %s\n", approval.Dir)
		return 0
	}
	fmt.Printf("  rewritten: %s\n", approval.Rewritten)
	fmt.Printf("  argv:      %q\n", approval.Argv)
	return 0
}
