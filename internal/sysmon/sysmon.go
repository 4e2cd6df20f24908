// Package sysmon reads host health from procfs: load, memory, disk,
// network counters, process count, and per-process detail. It never
// spawns a subprocess.
package sysmon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoProcess is returned when a pid does not exist.
var ErrNoProcess = errors.New("no such process")

// Load is the 1/5/15 minute load average triple.
type Load struct {
	Min1  float64 `json:"1min"`
	Min5  float64 `json:"5min"`
	Min15 float64 `json:"15min"`
}

// Memory reports physical memory in bytes.
type Memory struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"percent"`
}

// Disk reports filesystem usage for one mount point in bytes.
type Disk struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"percent"`
}

// Network aggregates interface counters, loopback excluded.
type Network struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrorsIn    uint64 `json:"errors_in"`
	ErrorsOut   uint64 `json:"errors_out"`
}

// Snapshot is one reading of overall host state.
type Snapshot struct {
	Hostname      string    `json:"hostname"`
	Load          Load      `json:"load_average"`
	Memory        Memory    `json:"memory"`
	Disk          Disk      `json:"disk"`
	Network       Network   `json:"network"`
	Processes     int       `json:"processes"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	BootTime      time.Time `json:"boot_time"`
}

// ProcessInfo is the per-pid detail from /proc/<pid>/status and cmdline.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	Name    string `json:"name"`
	State   string `json:"status"`
	Threads int    `json:"num_threads"`
	RSS     uint64 `json:"memory_rss"`
	Cmdline string `json:"cmdline"`
}

// Monitor reads from a procfs root, parameterized so tests can point it at
// a fixture tree.
type Monitor struct {
	proc     string
	diskPath string
	logger   *slog.Logger
}

// New creates a monitor over the real /proc, reporting disk usage for the
// root filesystem.
func New(logger *slog.Logger) *Monitor {
	return NewWithRoot("/proc", "/", logger)
}

// NewWithRoot creates a monitor over an alternate procfs root (for
// testing) and disk path.
func NewWithRoot(proc, diskPath string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		proc:     proc,
		diskPath: diskPath,
		logger:   logger.With("component", "sysmon"),
	}
}

// Status takes a full snapshot. Disk usage is best-effort: on platforms or
// paths where it cannot be read the field stays zero and a warning is
// logged.
func (m *Monitor) Status(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot

	raw, err := os.ReadFile(filepath.Join(m.proc, "loadavg"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read loadavg: %w", err)
	}
	if snap.Load, err = parseLoadAvg(string(raw)); err != nil {
		return Snapshot{}, err
	}

	raw, err = os.ReadFile(filepath.Join(m.proc, "meminfo"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read meminfo: %w", err)
	}
	if snap.Memory, err = parseMemInfo(raw); err != nil {
		return Snapshot{}, err
	}

	raw, err = os.ReadFile(filepath.Join(m.proc, "uptime"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read uptime: %w", err)
	}
	if snap.UptimeSeconds, err = parseUptime(string(raw)); err != nil {
		return Snapshot{}, err
	}
	snap.BootTime = time.Now().Add(-time.Duration(snap.UptimeSeconds * float64(time.Second))).UTC()

	if raw, err = os.ReadFile(filepath.Join(m.proc, "net", "dev")); err == nil {
		snap.Network = parseNetDev(raw)
	} else {
		m.logger.Warn("network counters unavailable", "error", err)
	}

	snap.Processes = m.countProcesses()

	if disk, err := diskUsage(m.diskPath); err == nil {
		snap.Disk = disk
	} else {
		m.logger.Warn("disk stats unavailable", "path", m.diskPath, "error", err)
		snap.Disk = Disk{Path: m.diskPath}
	}

	if host, err := os.Hostname(); err == nil {
		snap.Hostname = host
	}
	return snap, nil
}

// Process reads one process's state. Returns ErrNoProcess when the pid is
// not present.
func (m *Monitor) Process(ctx context.Context, pid int) (ProcessInfo, error) {
	if err := ctx.Err(); err != nil {
		return ProcessInfo{}, err
	}
	dir := filepath.Join(m.proc, strconv.Itoa(pid))

	raw, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ProcessInfo{}, fmt.Errorf("pid %d: %w", pid, ErrNoProcess)
		}
		return ProcessInfo{}, fmt.Errorf("read process status: %w", err)
	}

	info := parseProcStatus(raw)
	info.PID = pid
	info.Cmdline = readCmdline(filepath.Join(dir, "cmdline"))
	return info, nil
}

// countProcesses counts the numeric entries under the procfs root.
func (m *Monitor) countProcesses() int {
	entries, err := os.ReadDir(m.proc)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(entry.Name()); err == nil {
			n++
		}
	}
	return n
}

func parseLoadAvg(s string) (Load, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return Load{}, fmt.Errorf("malformed loadavg %q", s)
	}
	var load Load
	var err error
	if load.Min1, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return Load{}, fmt.Errorf("parse loadavg: %w", err)
	}
	if load.Min5, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return Load{}, fmt.Errorf("parse loadavg: %w", err)
	}
	if load.Min15, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return Load{}, fmt.Errorf("parse loadavg: %w", err)
	}
	return load, nil
}

// parseMemInfo reads the kB-denominated meminfo table. MemAvailable is
// present on any kernel from the last decade; when missing, free is used
// as the lower bound.
func parseMemInfo(data []byte) (Memory, error) {
	entries := make(map[string]uint64)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		value, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		entries[key] = value * 1024
	}
	if err := scanner.Err(); err != nil {
		return Memory{}, fmt.Errorf("scan meminfo: %w", err)
	}

	mem := Memory{
		Total:     entries["MemTotal"],
		Free:      entries["MemFree"],
		Available: entries["MemAvailable"],
	}
	if mem.Total == 0 {
		return Memory{}, fmt.Errorf("meminfo has no MemTotal")
	}
	if mem.Available == 0 {
		mem.Available = mem.Free
	}
	mem.Used = mem.Total - mem.Available
	mem.UsedPercent = float64(mem.Used) / float64(mem.Total) * 100
	return mem, nil
}

func parseUptime(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed uptime %q", s)
	}
	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse uptime: %w", err)
	}
	return seconds, nil
}

// parseNetDev sums /proc/net/dev counters across interfaces, skipping
// loopback. Column layout: iface: rx bytes/packets/errs/... then tx
// bytes/packets/errs at offsets 8-10.
func parseNetDev(data []byte) Network {
	var net Network
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:idx])
		if iface == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 11 {
			continue
		}
		net.BytesRecv += parseCounter(fields[0])
		net.PacketsRecv += parseCounter(fields[1])
		net.ErrorsIn += parseCounter(fields[2])
		net.BytesSent += parseCounter(fields[8])
		net.PacketsSent += parseCounter(fields[9])
		net.ErrorsOut += parseCounter(fields[10])
	}
	return net
}

func parseCounter(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// parseProcStatus extracts the fields the gateway reports from the
// line-oriented /proc/<pid>/status table.
func parseProcStatus(data []byte) ProcessInfo {
	var info ProcessInfo
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			info.Name = value
		case "State":
			info.State = value
		case "Threads":
			info.Threads, _ = strconv.Atoi(value)
		case "VmRSS":
			fields := strings.Fields(value)
			if len(fields) > 0 {
				kb, _ := strconv.ParseUint(fields[0], 10, 64)
				info.RSS = kb * 1024
			}
		}
	}
	return info
}

// readCmdline joins the NUL-separated argv. Kernel threads have an empty
// cmdline; that is not an error.
func readCmdline(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
}
