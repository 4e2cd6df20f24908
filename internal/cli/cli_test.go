package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/policy"
	"github.com/opsgate/opsgate/internal/projects"
)

func TestInitCommand_WritesTemplates(t *testing.T) {
	t.Chdir(t.TempDir())

	if code := InitCommand([]string{"--force"}); code != 0 {
		t.Fatalf("InitCommand = %d, want 0", code)
	}

	// Config loads and validates
	cfg, err := config.Load("opsgate.json")
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}

	// Policy template loads and carries the stock tool set
	reg, err := policy.Load(cfg.Gateway.PolicyPath)
	if err != nil {
		t.Fatalf("written policy does not load: %v", err)
	}
	if _, ok := reg.Resolve("ls"); !ok {
		t.Error("stock policy missing ls")
	}
	if _, ok := reg.Resolve("pm2"); !ok {
		t.Error("stock policy missing pm2")
	}

	// Projects template loads to an empty registry
	preg, err := projects.LoadRegistry(cfg.Projects.Path, reg.SafeDirectories())
	if err != nil {
		t.Fatalf("written projects file does not load: %v", err)
	}
	if preg.Len() != 0 {
		t.Errorf("template registry has %d projects, want 0", preg.Len())
	}
}

func TestInitCommand_LeavesExistingPolicyAlone(t *testing.T) {
	t.Chdir(t.TempDir())

	custom := []byte("commands:\n  - name: ls\n    path: /bin/ls\nsafe_directories: [/srv]\nlog_directories: [/var/log]\n")
	if err := os.WriteFile("policy.yaml", custom, 0640); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	if code := InitCommand([]string{"--force"}); code != 0 {
		t.Fatalf("InitCommand = %d, want 0", code)
	}

	// --force overwrites the config but a hand-edited policy survives
	// only without --force; with it the file is rewritten.
	raw, err := os.ReadFile("policy.yaml")
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if !strings.Contains(string(raw), "pm2") {
		t.Error("--force should rewrite the policy template")
	}
}

func TestInitCommand_CustomConfigPath(t *testing.T) {
	t.Chdir(t.TempDir())
	target := filepath.Join("etc", "opsgate.json")

	if code := InitCommand([]string{"--force", "--config", target}); code != 0 {
		t.Fatalf("InitCommand = %d, want 0", code)
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("config not written to %s: %v", target, err)
	}
}

// writeValidateEnv writes a config plus policy under dir and returns the
// config path.
func writeValidateEnv(t *testing.T, dir string) string {
	t.Helper()

	pol := policy.Default()
	pol.SafeDirectories = []string{filepath.Join(dir, "www")}
	pol.LogDirectories = []string{filepath.Join(dir, "logs")}
	raw, err := pol.Marshal()
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, raw, 0640); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Gateway.PolicyPath = policyPath
	cfg.Gateway.InstallRoot = filepath.Join(dir, "www")
	cfg.Projects.Path = filepath.Join(dir, "projects.toml")

	configPath := filepath.Join(dir, "opsgate.json")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return configPath
}

func TestValidateCommand(t *testing.T) {
	configPath := writeValidateEnv(t, t.TempDir())

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"allowed flags command", []string{"--", "ls", "-la"}, 0},
		{"allowed subcommand", []string{"--", "git", "pull"}, 0},
		{"denied binary", []string{"--", "rm", "-rf", "/"}, 1},
		{"denied argument", []string{"--", "git", "push"}, 1},
		{"compound line", []string{"--", "ls && rm -rf /"}, 1},
		{"empty line", []string{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateCommand(tt.args, configPath); got != tt.want {
				t.Errorf("ValidateCommand(%v) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestValidateCommand_MissingPolicy(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Gateway.PolicyPath = filepath.Join(dir, "nope.yaml")
	configPath := filepath.Join(dir, "opsgate.json")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	if got := ValidateCommand([]string{"--", "ls"}, configPath); got != 1 {
		t.Errorf("ValidateCommand = %d, want 1 for missing policy", got)
	}
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Auth.JWTSecret = "test-secret"
	configPath := filepath.Join(dir, "opsgate.json")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	if got := TokenCommand([]string{"--caller", "alice"}, configPath); got != 0 {
		t.Errorf("TokenCommand = %d, want 0", got)
	}
}

func TestTokenCommand_NoSecret(t *testing.T) {
	t.Setenv("OPSGATE_JWT_SECRET", "")

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	configPath := filepath.Join(dir, "opsgate.json")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("save config: %v", err)
	}

	if got := TokenCommand(nil, configPath); got != 1 {
		t.Errorf("TokenCommand = %d, want 1 without a secret", got)
	}
}

func TestHashCommand(t *testing.T) {
	if got := HashCommand([]string{"s3cret"}); got != 0 {
		t.Errorf("HashCommand = %d, want 0", got)
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	dir := t.TempDir()

	// Missing file falls back to defaults without creating anything
	cfg, err := loadConfigOrDefault(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("loadConfigOrDefault: %v", err)
	}
	if cfg.Server.Port != config.DefaultConfig().Server.Port {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}

	// Broken file is an error, not a silent fallback
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadConfigOrDefault(bad); err == nil {
		t.Error("expected error for malformed config")
	}
}
