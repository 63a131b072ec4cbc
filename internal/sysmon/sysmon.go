// Package sysmon answers "is the machine busy right now?" for the auto
// execution mode, and how long the user has been idle for the ask mode.
package sysmon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	logx "autolauncher/pkg/logx"
)

// ErrUnsupported is returned by samplers that cannot read a metric here.
var ErrUnsupported = errors.New("sysmon: metric unsupported")

// IdleReason is the reason reported when nothing is busy.
const IdleReason = "System is idle"

// DefaultBlocklist holds games and IDEs whose presence means the user is
// occupied.
var DefaultBlocklist = []string{
	// games
	"cs2", "csgo_linux64", "dota2", "hl2_linux", "rocketleague", "minecraft-launcher",
	"factorio", "eldenring.exe", "cyberpunk2077.exe", "gta5.exe", "wine64-preloader",
	"gamescope", "steam_app", "lutris", "heroic",
	// IDEs
	"code", "codium", "idea", "pycharm", "goland", "webstorm", "clion",
	"sublime_text", "nvim-qt", "kdevelop",
}

type Config struct {
	CPUThreshold float64 // 50
	RAMThreshold float64 // 80
	GPUThreshold float64 // 50
	GPUEnabled   bool
	// Sample is the CPU measurement interval (default 500ms).
	Sample time.Duration
	// Blocklist is used when BlocklistFile is missing or empty.
	Blocklist     []string
	BlocklistFile string
}

func (c Config) withDefaults() Config {
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 50
	}
	if c.RAMThreshold <= 0 {
		c.RAMThreshold = 80
	}
	if c.GPUThreshold <= 0 {
		c.GPUThreshold = 50
	}
	if c.Sample <= 0 {
		c.Sample = 500 * time.Millisecond
	}
	return c
}

// Sampler reads host metrics.
type Sampler interface {
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	MemPercent(ctx context.Context) (float64, error)
	GPUPercent(ctx context.Context) (float64, error)
	ProcessNames(ctx context.Context) ([]string, error)
}

// IdleSource reports time since the last user input.
type IdleSource interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

type Monitor struct {
	cfg     Config
	sampler Sampler
	idle    IdleSource
	log     logx.Logger
}

func New(cfg Config, sampler Sampler, idle IdleSource, log logx.Logger) *Monitor {
	if sampler == nil {
		sampler = HostSampler{}
	}
	return &Monitor{cfg: cfg.withDefaults(), sampler: sampler, idle: idle, log: log}
}

// IsBusy checks CPU, RAM, GPU and the process blocklist. Individual probe
// failures count as "not busy" for that probe.
func (m *Monitor) IsBusy(ctx context.Context) (bool, string) {
	var reasons []string

	if v, err := m.sampler.CPUPercent(ctx, m.cfg.Sample); err != nil {
		m.log.Debug("cpu check failed", logx.Err(err))
	} else if v > m.cfg.CPUThreshold {
		reasons = append(reasons, fmt.Sprintf("CPU at %.0f%%", v))
	}
	if v, err := m.sampler.MemPercent(ctx); err != nil {
		m.log.Debug("ram check failed", logx.Err(err))
	} else if v > m.cfg.RAMThreshold {
		reasons = append(reasons, fmt.Sprintf("RAM at %.0f%%", v))
	}
	if m.cfg.GPUEnabled {
		if v, err := m.sampler.GPUPercent(ctx); err != nil {
			if !errors.Is(err, ErrUnsupported) {
				m.log.Debug("gpu check failed", logx.Err(err))
			}
		} else if v > m.cfg.GPUThreshold {
			reasons = append(reasons, fmt.Sprintf("GPU at %.0f%%", v))
		}
	}
	if r := m.blocklistReason(ctx); r != "" {
		reasons = append(reasons, r)
	}

	if len(reasons) == 0 {
		return false, IdleReason
	}
	return true, strings.Join(reasons, "; ")
}

func (m *Monitor) blocklistReason(ctx context.Context) string {
	names, err := m.sampler.ProcessNames(ctx)
	if err != nil {
		m.log.Debug("process check failed", logx.Err(err))
		return ""
	}
	block := m.Blocklist()
	seen := map[string]bool{}
	var running []string
	for _, n := range names {
		if !blocked(n, block) || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		running = append(running, n)
	}
	if len(running) == 0 {
		return ""
	}
	sort.Strings(running)
	if len(running) > 3 {
		running = running[:3]
	}
	return "Running: " + strings.Join(running, ", ")
}

// blocked compares against the kernel comm, which is cut to 15 bytes.
func blocked(name string, block map[string]bool) bool {
	n := strings.ToLower(name)
	if block[n] {
		return true
	}
	if len(n) == 15 {
		for b := range block {
			if len(b) > 15 && strings.HasPrefix(b, n) {
				return true
			}
		}
	}
	return false
}

// Blocklist resolves the active list: file, then config, then defaults.
// Entries are lower-cased.
func (m *Monitor) Blocklist() map[string]bool {
	var list []string
	if m.cfg.BlocklistFile != "" {
		l, err := LoadBlocklist(m.cfg.BlocklistFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn("blocklist file unreadable", logx.String("path", m.cfg.BlocklistFile), logx.Err(err))
		}
		list = l
	}
	if len(list) == 0 {
		list = m.cfg.Blocklist
	}
	if len(list) == 0 {
		list = DefaultBlocklist
	}
	out := make(map[string]bool, len(list))
	for _, n := range list {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			out[n] = true
		}
	}
	return out
}

// LoadBlocklist reads one process name per line ("#" starts a comment). A
// file whose first byte is '[' is read as a JSON array of names.
func LoadBlocklist(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return nil, fmt.Errorf("blocklist %s: %w", path, err)
		}
		return names, nil
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// IdleTime asks the configured idle source.
func (m *Monitor) IdleTime(ctx context.Context) (time.Duration, error) {
	if m.idle == nil {
		return 0, ErrUnsupported
	}
	return m.idle.IdleTime(ctx)
}
