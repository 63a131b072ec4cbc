package procsup

import (
	"context"
	"errors"
	"syscall"
	"time"

	logx "autolauncher/pkg/logx"
)

// TerminateTree stops pid and all of its descendants: children get SIGTERM
// first, then SIGKILL after ChildGrace; the root follows with its own
// grace period. Per-process failures are logged and never stop the rest.
func (s *Supervisor) TerminateTree(ctx context.Context, pid int32) error {
	ps, err := s.table.Processes(ctx)
	if err != nil {
		return err
	}
	snap := indexProcs(ps)
	kids := snap.descendants(pid)
	log := s.log.With(logx.Int32("root", pid))

	// Deepest first.
	for i := len(kids) - 1; i >= 0; i-- {
		s.signal(ctx, log, kids[i].PID, syscall.SIGTERM)
	}
	if len(kids) > 0 {
		left := s.waitGone(ctx, pidsOf(kids), s.cfg.ChildGrace)
		for _, c := range left {
			log.Warn("child ignored SIGTERM, killing", logx.Int32("pid", c))
			s.signal(ctx, log, c, syscall.SIGKILL)
		}
	}

	if !snap.alive(pid) {
		return nil
	}
	s.signal(ctx, log, pid, syscall.SIGTERM)
	if left := s.waitGone(ctx, []int32{pid}, s.cfg.RootGrace); len(left) > 0 {
		log.Warn("process ignored SIGTERM, killing")
		s.signal(ctx, log, pid, syscall.SIGKILL)
	}
	log.Info("process tree terminated", logx.Int("children", len(kids)))
	return nil
}

func (s *Supervisor) signal(ctx context.Context, log logx.Logger, pid int32, sig syscall.Signal) {
	err := s.table.Signal(ctx, pid, sig)
	if err == nil || errors.Is(err, errGone) {
		return
	}
	log.Warn("signal failed", logx.Int32("pid", pid), logx.String("signal", sig.String()), logx.Err(err))
}

// waitGone polls until all pids exit or grace elapses and returns the
// survivors.
func (s *Supervisor) waitGone(ctx context.Context, pids []int32, grace time.Duration) []int32 {
	deadline := time.Now().Add(grace)
	poll := 100 * time.Millisecond
	for {
		ps, err := s.table.Processes(ctx)
		if err != nil {
			return pids
		}
		snap := indexProcs(ps)
		var left []int32
		for _, pid := range pids {
			if snap.alive(pid) {
				left = append(left, pid)
			}
		}
		if len(left) == 0 || time.Now().After(deadline) {
			return left
		}
		select {
		case <-ctx.Done():
			return left
		case <-time.After(poll):
		}
	}
}

func pidsOf(ps []Proc) []int32 {
	out := make([]int32, len(ps))
	for i, p := range ps {
		out[i] = p.PID
	}
	return out
}
