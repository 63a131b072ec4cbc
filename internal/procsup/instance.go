package procsup

import (
	"context"
	"sort"
	"sync"
	"time"

	logx "autolauncher/pkg/logx"
)

// Instance is the supervised process set of one running task.
type Instance struct {
	sup       *Supervisor
	Hint      string
	StartedAt time.Time

	mu       sync.Mutex
	root     int32
	procs    map[int32]Proc
	exitCode int
	exited   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newInstance(s *Supervisor, hint string, started time.Time) *Instance {
	return &Instance{
		sup:       s,
		Hint:      hint,
		StartedAt: started,
		procs:     map[int32]Proc{},
		done:      make(chan struct{}),
	}
}

// Adopt builds an instance around processes found elsewhere (e.g. a
// manual discovery pass).
func (s *Supervisor) Adopt(hint string, procs ...Proc) *Instance {
	inst := newInstance(s, hint, time.Now())
	inst.add(procs...)
	return inst
}

func (i *Instance) add(ps ...Proc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range ps {
		if p.PID > 0 {
			i.procs[p.PID] = p
		}
	}
}

// Root is the pid the launch spawned directly (0 when adopted).
func (i *Instance) Root() int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.root
}

// PIDs returns the tracked pids in ascending order.
func (i *Instance) PIDs() []int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]int32, 0, len(i.procs))
	for pid := range i.procs {
		out = append(out, pid)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func (i *Instance) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.procs)
}

func (i *Instance) setExitCode(code int) {
	i.mu.Lock()
	i.exitCode = code
	i.exited = true
	i.mu.Unlock()
}

// ExitCode is the root process exit status; ok is false until the root
// has been reaped.
func (i *Instance) ExitCode() (code int, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode, i.exited
}

// Done is closed once the tracked set has been observed empty.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Finished reports whether Done is closed.
func (i *Instance) Finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *Instance) finish() { i.doneOnce.Do(func() { close(i.done) }) }

// Refresh drops exited members and adopts every live descendant of the
// remaining ones. It returns the new set size.
func (i *Instance) Refresh(ctx context.Context) int {
	ps, err := i.sup.table.Processes(ctx)
	if err != nil {
		i.sup.log.Debug("process table read failed", logx.Err(err))
		return i.Len()
	}
	snap := indexProcs(ps)

	i.mu.Lock()
	defer i.mu.Unlock()
	for pid, p := range i.procs {
		// Zombies and reused pids count as exited.
		if !snap.holds(p) {
			delete(i.procs, pid)
			continue
		}
		if p.Created.IsZero() {
			i.procs[pid] = snap.byPID[pid]
		}
	}
	for pid := range i.procs {
		for _, c := range snap.descendants(pid) {
			if _, ok := i.procs[c.PID]; ok {
				continue
			}
			i.procs[c.PID] = c
			i.sup.log.Info("adopted child process", logx.String("name", c.Name), logx.Int32("pid", c.PID), logx.Int32("parent", c.PPID))
		}
	}
	return len(i.procs)
}

// Wait blocks until the tracked set is empty or ctx ends, adopting new
// descendants every Config.AdoptInterval.
func (i *Instance) Wait(ctx context.Context) error {
	if i.Refresh(ctx) == 0 {
		i.finish()
		return nil
	}
	t := time.NewTicker(i.sup.cfg.AdoptInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.done:
			return nil
		case <-t.C:
			if i.Refresh(ctx) == 0 {
				i.sup.log.Info("all tracked processes finished", logx.String("hint", i.Hint))
				i.finish()
				return nil
			}
		}
	}
}

// Terminate stops every tracked tree. Only roots of the tracked set are
// signalled directly; their descendants go with TerminateTree.
func (i *Instance) Terminate(ctx context.Context) {
	ps, err := i.sup.table.Processes(ctx)
	if err != nil {
		i.sup.log.Warn("process table read failed", logx.String("hint", i.Hint), logx.Err(err))
	}
	snap := indexProcs(ps)
	i.mu.Lock()
	tracked := make(map[int32]Proc, len(i.procs))
	for pid, p := range i.procs {
		tracked[pid] = p
	}
	i.mu.Unlock()
	for _, pid := range i.PIDs() {
		p, ok := snap.byPID[pid]
		if ok && !snap.holds(tracked[pid]) {
			i.sup.log.Info("tracked pid reused, not signalling", logx.Int32("pid", pid), logx.String("name", p.Name))
			continue
		}
		if _, parent := tracked[p.PPID]; ok && parent {
			continue
		}
		if err := i.sup.TerminateTree(ctx, pid); err != nil {
			i.sup.log.Warn("terminate tree failed", logx.Int32("pid", pid), logx.Err(err))
		}
	}
	i.mu.Lock()
	for pid := range i.procs {
		delete(i.procs, pid)
	}
	i.mu.Unlock()
	i.finish()
}
