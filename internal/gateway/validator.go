// Package gateway is the command validation and execution core: the
// component that decides whether a requested shell invocation may run,
// rewrites it to a non-spoofable form, confines its filesystem footprint,
// and executes it with bounded resources and an audit trail.
package gateway

import (
	"strings"

	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/policy"
)

// Approval is a positive validation outcome: the exact argv that will be
// executed and its rendered command line.
type Approval struct {
	// Rewritten is the command line with the base token replaced by the
	// allow-list's resolved absolute path. All other tokens are unchanged.
	Rewritten string
	// Argv is the rewritten token vector handed to the subprocess.
	Argv []string
	// Base is the allow-list name the command matched.
	Base string
	// Builtin marks a directory-change approval, which has no binary to
	// run; Dir carries its resolved target.
	Builtin bool
	Dir     string
}

// Validator decides, for a raw shell command line, whether it may run.
// It holds only the immutable allow-list, so validation is a pure function
// of its inputs: the same line and working directory always yield the same
// decision and the same rewritten text.
type Validator struct {
	registry *policy.Registry
}

// NewValidator builds a validator over a loaded allow-list.
func NewValidator(registry *policy.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate runs the full rule chain against one raw command line. workdir
// anchors relative path arguments; it must already be an absolute path.
// The first violated rule short-circuits: no token reaches a subprocess
// unless every rule passed for the whole line.
func (v *Validator) Validate(raw, workdir string) (*Approval, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, command.Errorf(command.KindEmptyCommand, "empty command")
	}

	tokens, err := Tokenize(raw)
	if err != nil {
		return nil, command.Errorf(command.KindMalformedCommand, "malformed command: %v", err)
	}
	if len(tokens) == 0 {
		return nil, command.Errorf(command.KindEmptyCommand, "empty command")
	}

	base, args := tokens[0], tokens[1:]
	entry, ok := v.registry.Resolve(base)
	if !ok {
		return nil, command.Errorf(command.KindCommandNotAllowed, "command not allowed: %s", base)
	}

	if entry.Mode == policy.ArgModeBuiltin {
		return v.validateDirChange(tokens, args, workdir)
	}

	if err := v.validateArguments(entry, args); err != nil {
		return nil, err
	}
	if err := v.validatePaths(entry, args, workdir); err != nil {
		return nil, err
	}

	// Rewrite by token replacement, never substring substitution: only the
	// base token becomes the resolved path, everything else is untouched.
	argv := make([]string, len(tokens))
	copy(argv, tokens)
	argv[0] = entry.Path

	return &Approval{
		Rewritten: rebuild(argv),
		Argv:      argv,
		Base:      base,
	}, nil
}

// validateArguments applies the per-command-type argument rules.
func (v *Validator) validateArguments(entry policy.Entry, args []string) error {
	switch entry.Mode {
	case policy.ArgModeSubcommand:
		// Tools with an action vocabulary: the first non-flag argument
		// selects the action and must be allowed.
		for _, arg := range args {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if !entry.AllowsArg(arg) {
				return command.Errorf(command.KindInvalidArgument,
					"argument not allowed for %s: %s", entry.Name, arg)
			}
			break
		}

	case policy.ArgModeFlags:
		// Flag-style tools: every flag token must be allowed.
		for _, arg := range args {
			if !strings.HasPrefix(arg, "-") {
				continue
			}
			if !entry.AllowsArg(arg) {
				return command.Errorf(command.KindInvalidArgument,
					"flag not allowed for %s: %s", entry.Name, arg)
			}
		}

	case policy.ArgModeReader:
		// Readers take arbitrary flags; rule 8 confines what they read.
	}
	return nil
}

// validatePaths confines the command's filesystem footprint: every token
// carrying a path separator must resolve into the safe or log trees, and a
// reader's final path argument must resolve into the log tree specifically.
func (v *Validator) validatePaths(entry policy.Entry, args []string, workdir string) error {
	safe := v.registry.SafeDirectories()
	logs := v.registry.LogDirectories()

	for _, arg := range args {
		if !strings.Contains(arg, "/") {
			continue
		}
		resolved, err := policy.ResolvePath(arg, workdir)
		if err != nil {
			return command.Errorf(command.KindPathNotAllowed, "path not allowed: %s", arg)
		}
		if !safe.Contains(resolved) && !logs.Contains(resolved) {
			return command.Errorf(command.KindPathNotAllowed, "path not allowed: %s", arg)
		}
	}

	if entry.Mode == policy.ArgModeReader {
		// Read access is stricter than presence in a safe tree: the target
		// of a content dump must live under a log root.
		if target, ok := finalPathArg(args); ok {
			resolved, err := policy.ResolvePath(target, workdir)
			if err != nil {
				return command.Errorf(command.KindLogAccessDenied, "log access denied: %s", target)
			}
			if !logs.Contains(resolved) {
				return command.Errorf(command.KindLogAccessDenied, "log access denied: %s", target)
			}
		}
	}
	return nil
}

// validateDirChange applies the directory-change rule: exactly one
// argument, resolved and contained in the safe tree. The builtin keeps its
// own name in the rewritten line since it has no external binary.
func (v *Validator) validateDirChange(tokens, args []string, workdir string) (*Approval, error) {
	if len(args) != 1 {
		return nil, command.Errorf(command.KindInvalidArgument,
			"directory change requires exactly one argument")
	}

	resolved, err := policy.ResolvePath(args[0], workdir)
	if err != nil {
		return nil, command.Errorf(command.KindDirectoryNotAllowed,
			"directory not allowed: %s", args[0])
	}
	if !v.registry.SafeDirectories().Contains(resolved) {
		return nil, command.Errorf(command.KindDirectoryNotAllowed,
			"directory not allowed: %s", args[0])
	}

	argv := make([]string, len(tokens))
	copy(argv, tokens)

	return &Approval{
		Rewritten: rebuild(argv),
		Argv:      argv,
		Base:      tokens[0],
		Builtin:   true,
		Dir:       resolved,
	}, nil
}

// finalPathArg returns the last non-flag token: the file a reader command
// would dump. Flag values must precede the path for the confinement check
// to see the right token, which matches how the stock reader entries are
// invoked (tail -n 50 /var/log/app.log).
func finalPathArg(args []string) (string, bool) {
	for i := len(args) - 1; i >= 0; i-- {
		if !strings.HasPrefix(args[i], "-") {
			return args[i], true
		}
	}
	return "", false
}
