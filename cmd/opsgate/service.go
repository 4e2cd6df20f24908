package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
)

const systemdUnitTemplate = `[Unit]
Description=opsgate remote administration gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.Group}}
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} start --config {{.ConfigPath}}
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=opsgate

# Security hardening
NoNewPrivileges=true
PrivateTmp=true
ProtectHome=read-only
ReadWritePaths={{.DataDir}} {{.InstallRoot}}

# Resource limits
LimitNOFILE=65536
LimitNPROC=4096

[Install]
WantedBy=multi-user.target
`

type systemdConfig struct {
	User        string
	Group       string
	WorkDir     string
	ExecPath    string
	ConfigPath  string
	DataDir     string
	InstallRoot string
}

// Service commands for systemd management
func runServiceCommand(args []string) error {
	if len(args) < 1 {
		printServiceHelp()
		return fmt.Errorf("service command required")
	}

	cmd := args[0]

	if cmd == "--help" || cmd == "-h" || cmd == "help" {
		printServiceHelp()
		return nil
	}

	switch cmd {
	case "install":
		return installSystemd()
	case "uninstall":
		return uninstallSystemd()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

func printServiceHelp() {
	fmt.Println(`Usage: opsgate service <install|uninstall>

Manage the opsgate systemd service.

Commands:
  install     Write a systemd unit file and reload systemd
  uninstall   Stop the service and remove the unit file`)
}

func installSystemd() error {
	fmt.Println("Installing systemd service...")

	// Get current user
	user := os.Getenv("USER")
	if user == "" {
		user = "opsgate"
	}

	// Get executable path
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	execPath, _ = filepath.Abs(execPath)

	// Get working directory
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	configPath := filepath.Join(workDir, "opsgate.json")
	dataDir := filepath.Join(workDir, "data")
	installRoot := "/var/www/opsgate"

	// Read paths from an existing config so the unit's writable set
	// matches what the daemon actually touches.
	if cfg, err := loadConfigIfPresent(configPath); err == nil && cfg != nil {
		if cfg.Server.DataDir != "" {
			dataDir = cfg.Server.DataDir
		}
		if cfg.Gateway.InstallRoot != "" {
			installRoot = cfg.Gateway.InstallRoot
		}
	}

	unit := systemdConfig{
		User:        user,
		Group:       user,
		WorkDir:     workDir,
		ExecPath:    execPath,
		ConfigPath:  configPath,
		DataDir:     dataDir,
		InstallRoot: installRoot,
	}

	// Generate unit file
	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	// Determine if user or system service
	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		// System-wide service
		unitPath = "/etc/systemd/system/opsgate.service"
	} else {
		// User service
		home, _ := os.UserHomeDir()
		unitDir := filepath.Join(home, ".config", "systemd", "user")
		os.MkdirAll(unitDir, 0755)
		unitPath = filepath.Join(unitDir, "opsgate.service")
	}

	// Write unit file
	f, err := os.Create(unitPath)
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, unit); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}

	fmt.Printf("Systemd unit installed: %s\n", unitPath)

	// Reload systemd
	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}

	if err := reloadCmd.Run(); err != nil {
		fmt.Printf("Warning: systemctl daemon-reload failed: %v\n", err)
	}

	// Print usage instructions
	fmt.Println("\nNext steps:")
	if isRoot {
		fmt.Println("   sudo systemctl enable opsgate")
		fmt.Println("   sudo systemctl start opsgate")
		fmt.Println("   sudo systemctl status opsgate")
	} else {
		fmt.Println("   systemctl --user enable opsgate")
		fmt.Println("   systemctl --user start opsgate")
		fmt.Println("   systemctl --user status opsgate")
	}

	return nil
}

func uninstallSystemd() error {
	fmt.Println("Uninstalling systemd service...")

	isRoot := os.Geteuid() == 0
	var unitPath string

	if isRoot {
		unitPath = "/etc/systemd/system/opsgate.service"
	} else {
		home, _ := os.UserHomeDir()
		unitPath = filepath.Join(home, ".config", "systemd", "user", "opsgate.service")
	}

	// Stop service first
	var stopCmd *exec.Cmd
	if isRoot {
		stopCmd = exec.Command("systemctl", "stop", "opsgate")
		exec.Command("systemctl", "disable", "opsgate").Run()
	} else {
		stopCmd = exec.Command("systemctl", "--user", "stop", "opsgate")
		exec.Command("systemctl", "--user", "disable", "opsgate").Run()
	}
	stopCmd.Run() // Ignore errors

	// Remove unit file
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	// Reload systemd
	var reloadCmd *exec.Cmd
	if isRoot {
		reloadCmd = exec.Command("systemctl", "daemon-reload")
	} else {
		reloadCmd = exec.Command("systemctl", "--user", "daemon-reload")
	}
	reloadCmd.Run()

	fmt.Println("Systemd service uninstalled")
	return nil
}
