// Package policy holds the allow-list that decides what may ever run on the
// host: the permitted executables with their resolved paths and argument
// vocabularies, plus the directory trees commands may touch. The registry is
// loaded once at process start and is immutable afterwards; changing it is a
// deployment, not a runtime mutation.
package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ArgMode selects which argument-validation branch applies to a command.
// Different tools have different trust models, so validation is
// per-command-type rather than uniform.
type ArgMode string

const (
	// ArgModeSubcommand: tools with a small action vocabulary (process and
	// package managers). The first non-flag argument must be allowed.
	ArgModeSubcommand ArgMode = "subcommand"
	// ArgModeFlags: tools taking flag-style arguments only (listing tools).
	// Every token beginning with "-" must be allowed.
	ArgModeFlags ArgMode = "flags"
	// ArgModeReader: file readers with no argument restrictions, always
	// confined to the log directories for their final path argument.
	ArgModeReader ArgMode = "reader"
	// ArgModeBuiltin: the shell's own directory change. No binary on disk;
	// its single argument is confined to the safe directories.
	ArgModeBuiltin ArgMode = "builtin"
)

func (m ArgMode) valid() bool {
	switch m {
	case ArgModeSubcommand, ArgModeFlags, ArgModeReader, ArgModeBuiltin:
		return true
	}
	return false
}

// Entry is one allow-list row: a permitted base command, the absolute path
// it is rewritten to, and the argument values it may be invoked with.
type Entry struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path,omitempty"`
	Mode ArgMode  `yaml:"mode,omitempty"`
	Args []string `yaml:"args,omitempty"`

	argSet map[string]struct{}
}

// AllowsArg reports whether arg is in the entry's argument vocabulary.
func (e Entry) AllowsArg(arg string) bool {
	_, ok := e.argSet[arg]
	return ok
}

// File is the on-disk policy document.
type File struct {
	Commands        []Entry  `yaml:"commands"`
	SafeDirectories []string `yaml:"safe_directories"`
	LogDirectories  []string `yaml:"log_directories"`
}

// Registry is the loaded allow-list. Read-only after construction, so
// concurrent readers need no locking.
type Registry struct {
	entries map[string]Entry
	safe    *DirSet
	logs    *DirSet
}

// Load reads and validates a YAML policy file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return New(f)
}

// New validates a policy document and builds the registry from it.
func New(f File) (*Registry, error) {
	entries := make(map[string]Entry, len(f.Commands))
	for i, e := range f.Commands {
		if e.Name == "" {
			return nil, fmt.Errorf("policy command %d: name required", i)
		}
		if _, dup := entries[e.Name]; dup {
			return nil, fmt.Errorf("policy command %q: duplicate entry", e.Name)
		}
		if e.Mode == "" {
			e.Mode = ArgModeFlags
		}
		if !e.Mode.valid() {
			return nil, fmt.Errorf("policy command %q: unknown mode %q", e.Name, e.Mode)
		}
		if e.Mode == ArgModeBuiltin {
			// Builtins have no binary to resolve; they keep their own name.
			e.Path = e.Name
		} else if !filepath.IsAbs(e.Path) {
			return nil, fmt.Errorf("policy command %q: resolved path %q is not absolute", e.Name, e.Path)
		}
		e.argSet = make(map[string]struct{}, len(e.Args))
		for _, a := range e.Args {
			e.argSet[a] = struct{}{}
		}
		entries[e.Name] = e
	}

	safe, err := NewDirSet(f.SafeDirectories)
	if err != nil {
		return nil, fmt.Errorf("safe directories: %w", err)
	}
	logs, err := NewDirSet(f.LogDirectories)
	if err != nil {
		return nil, fmt.Errorf("log directories: %w", err)
	}

	return &Registry{entries: entries, safe: safe, logs: logs}, nil
}

// Resolve looks up the allow-list entry for a base command.
func (r *Registry) Resolve(base string) (Entry, bool) {
	e, ok := r.entries[base]
	return e, ok
}

// IsArgumentAllowed reports whether arg is in base's allowed vocabulary.
// Unknown base commands allow nothing.
func (r *Registry) IsArgumentAllowed(base, arg string) bool {
	e, ok := r.entries[base]
	if !ok {
		return false
	}
	return e.AllowsArg(arg)
}

// SafeDirectories returns the trees commands may operate in.
func (r *Registry) SafeDirectories() *DirSet {
	return r.safe
}

// LogDirectories returns the trees file readers may read from.
func (r *Registry) LogDirectories() *DirSet {
	return r.logs
}

// Commands returns the allowed base command names, for display surfaces.
func (r *Registry) Commands() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Default returns the stock policy document: the inspection, deploy and
// process-manager tools the gateway ships with, confined to the standard
// web-root and log trees. Meant as the template written by `opsgate init`;
// production hosts are expected to edit it.
func Default() File {
	return File{
		Commands: []Entry{
			{Name: "ls", Path: "/bin/ls", Mode: ArgModeFlags, Args: []string{"-l", "-a", "-la", "-al", "-lh", "-lah", "-alh", "-h"}},
			{Name: "df", Path: "/bin/df", Mode: ArgModeFlags, Args: []string{"-h"}},
			{Name: "free", Path: "/usr/bin/free", Mode: ArgModeFlags, Args: []string{"-h", "-m"}},
			{Name: "uptime", Path: "/usr/bin/uptime", Mode: ArgModeFlags},
			{Name: "cat", Path: "/bin/cat", Mode: ArgModeReader},
			{Name: "head", Path: "/usr/bin/head", Mode: ArgModeReader},
			{Name: "tail", Path: "/usr/bin/tail", Mode: ArgModeReader},
			{Name: "git", Path: "/usr/bin/git", Mode: ArgModeSubcommand, Args: []string{"pull", "fetch", "status", "log", "diff"}},
			{Name: "npm", Path: "/usr/bin/npm", Mode: ArgModeSubcommand, Args: []string{"install", "ci", "run", "build"}},
			{Name: "pm2", Path: "/usr/bin/pm2", Mode: ArgModeSubcommand, Args: []string{"status", "restart", "logs", "list", "show"}},
			{Name: "cd", Mode: ArgModeBuiltin},
		},
		SafeDirectories: []string{"/var/www"},
		LogDirectories:  []string{"/var/log"},
	}
}

// Marshal renders a policy document as YAML, used by `opsgate init` to
// write the template file.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
