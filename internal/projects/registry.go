// Package projects manages the named deployable units the gateway may
// operate on: their working directories, process-manager identities, and
// the fixed operation set (status, restart, logs, update, config) each one
// supports.
package projects

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/opsgate/opsgate/internal/policy"
)

// Names and process names are spliced into command lines, so they must be
// single plain tokens.
const unsafeNameChars = " \t\r\n'\"\\`$;&|<>(){}"

// Definition is one registered project.
type Definition struct {
	Name       string `toml:"name"`
	Dir        string `toml:"working_directory"`
	Process    string `toml:"process_name"`
	ConfigFile string `toml:"config_file,omitempty"`
}

// registryFile is the on-disk projects.toml document.
type registryFile struct {
	Projects []Definition `toml:"projects"`
}

// Registry is the immutable set of project definitions, loaded once at
// process start.
type Registry struct {
	defs  map[string]Definition
	names []string
}

// LoadRegistry reads projects.toml and validates every definition against
// the safe directory set: a project whose working directory escapes the
// safe tree must fail at startup, not at update time.
func LoadRegistry(path string, safe *policy.DirSet) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projects file: %w", err)
	}

	var f registryFile
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse projects file: %w", err)
	}
	return NewRegistry(f.Projects, safe)
}

// NewRegistry validates definitions and builds the registry.
func NewRegistry(defs []Definition, safe *policy.DirSet) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	names := make([]string, 0, len(defs))

	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("project %d: name required", i)
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("project %q: duplicate definition", def.Name)
		}
		if def.Process == "" {
			return nil, fmt.Errorf("project %q: process_name required", def.Name)
		}
		if strings.ContainsAny(def.Name, unsafeNameChars) {
			return nil, fmt.Errorf("project %q: name contains shell metacharacters", def.Name)
		}
		if strings.ContainsAny(def.Process, unsafeNameChars) {
			return nil, fmt.Errorf("project %q: process_name contains shell metacharacters", def.Name)
		}

		resolved, err := policy.ResolvePath(def.Dir, "/")
		if err != nil {
			return nil, fmt.Errorf("project %q: working directory: %w", def.Name, err)
		}
		if !safe.Contains(resolved) {
			return nil, fmt.Errorf("project %q: working directory %q is outside the safe directories",
				def.Name, def.Dir)
		}
		def.Dir = resolved

		byName[def.Name] = def
		names = append(names, def.Name)
	}

	sort.Strings(names)
	return &Registry{defs: byName, names: names}, nil
}

// Get looks a project up by name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered project names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered projects.
func (r *Registry) Len() int {
	return len(r.defs)
}
