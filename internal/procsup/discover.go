package procsup

import (
	"context"
	"strings"
	"time"

	logx "autolauncher/pkg/logx"
)

type DiscoverOptions struct {
	// Timeout bounds the whole pass; zero uses Config.DiscoveryTimeout.
	Timeout  time.Duration
	NameHint string
	// SearchStart is the earliest creation time for unhinted processes;
	// zero means now minus Config.SearchLead.
	SearchStart time.Time
}

// DiscoverSpawned polls the process table for processes created after
// SearchStart. Name-hint matches are preferred: once one is seen the pass
// ends early and unhinted processes are dropped from the result.
func (s *Supervisor) DiscoverSpawned(ctx context.Context, opt DiscoverOptions) []Proc {
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DiscoveryTimeout
	}
	started := time.Now()
	searchStart := opt.SearchStart
	if searchStart.IsZero() {
		searchStart = started.Add(-s.cfg.SearchLead)
	}
	hint := strings.ToLower(strings.TrimSpace(opt.NameHint))

	found := map[int32]Proc{}
	var order []int32
	targetFound := false

	tick := time.NewTicker(s.cfg.DiscoveryPoll)
	defer tick.Stop()
	for {
		ps, err := s.table.Processes(ctx)
		if err != nil {
			s.log.Debug("process table read failed", logx.Err(err))
		}
		now := time.Now()
		for _, p := range ps {
			if p.PID == s.self || p.Zombie {
				continue
			}
			if _, dup := found[p.PID]; dup {
				continue
			}
			switch {
			case hint != "" && matchesHint(p.Name, hint):
				// Matched by name even if created just before the launch.
				if now.Sub(p.Created) < s.cfg.HintMaxAge {
					found[p.PID] = p
					order = append(order, p.PID)
					targetFound = true
					s.log.Info("target process found", logx.String("name", p.Name), logx.Int32("pid", p.PID))
				}
			case p.Created.After(searchStart) && !s.isNoise(p.Name):
				found[p.PID] = p
				order = append(order, p.PID)
				s.log.Debug("new process detected", logx.String("name", p.Name), logx.Int32("pid", p.PID))
			}
		}

		elapsed := time.Since(started)
		if targetFound && elapsed > s.cfg.EarlyExitAfter {
			break
		}
		if elapsed >= timeout {
			break
		}
		select {
		case <-ctx.Done():
			return collect(found, order, hint, targetFound)
		case <-tick.C:
		}
	}

	out := collect(found, order, hint, targetFound)
	if len(out) == 0 {
		s.log.Warn("no relevant processes detected", logx.String("hint", opt.NameHint))
	}
	return out
}

func collect(found map[int32]Proc, order []int32, hint string, targetOnly bool) []Proc {
	out := make([]Proc, 0, len(order))
	for _, pid := range order {
		p := found[pid]
		if targetOnly && !matchesHint(p.Name, hint) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// commLen is the kernel's task comm limit; longer names are truncated in
// the process table.
const commLen = 15

func matchesHint(name, hint string) bool {
	if hint == "" {
		return false
	}
	n := strings.ToLower(name)
	h := strings.ToLower(hint)
	if strings.Contains(n, h) {
		return true
	}
	return len(n) == commLen && strings.HasPrefix(h, n)
}

func (s *Supervisor) isNoise(name string) bool {
	n := strings.ToLower(name)
	for _, bad := range s.cfg.Noise {
		b := strings.ToLower(bad)
		if n == b {
			return true
		}
		// kworker/0:1 and friends
		if strings.HasSuffix(b, "worker") && strings.HasPrefix(n, b) {
			return true
		}
	}
	return false
}
