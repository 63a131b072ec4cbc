package procsup

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Proc is one process table row.
type Proc struct {
	PID     int32
	PPID    int32
	Name    string
	Created time.Time
	Zombie  bool
}

// ProcTable is the process table capability.
type ProcTable interface {
	Processes(ctx context.Context) ([]Proc, error)
	Signal(ctx context.Context, pid int32, sig syscall.Signal) error
}

// SystemTable reads the live table through gopsutil.
type SystemTable struct{}

func (SystemTable) Processes(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		row := Proc{PID: p.Pid, Name: name}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			row.PPID = ppid
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			row.Created = time.UnixMilli(ms)
		}
		if st, err := p.StatusWithContext(ctx); err == nil {
			for _, s := range st {
				if s == process.Zombie {
					row.Zombie = true
				}
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (SystemTable) Signal(ctx context.Context, pid int32, sig syscall.Signal) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return errGone
		}
		return err
	}
	if err := p.SendSignalWithContext(ctx, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return errGone
		}
		return err
	}
	return nil
}

var errGone = errors.New("process gone")

// snapshot indexes a table listing.
type snapshot struct {
	byPID    map[int32]Proc
	children map[int32][]int32
}

func indexProcs(ps []Proc) snapshot {
	s := snapshot{byPID: make(map[int32]Proc, len(ps)), children: map[int32][]int32{}}
	for _, p := range ps {
		s.byPID[p.PID] = p
		s.children[p.PPID] = append(s.children[p.PPID], p.PID)
	}
	return s
}

func (s snapshot) alive(pid int32) bool {
	p, ok := s.byPID[pid]
	return ok && !p.Zombie
}

// holds reports whether the tracked process p is still the one at its
// pid. A differing creation time means the pid was reused.
func (s snapshot) holds(p Proc) bool {
	cur, ok := s.byPID[p.PID]
	if !ok || cur.Zombie {
		return false
	}
	return p.Created.IsZero() || cur.Created.IsZero() || cur.Created.Equal(p.Created)
}

// descendants returns every live descendant of pid, parents before
// children.
func (s snapshot) descendants(pid int32) []Proc {
	var out []Proc
	seen := map[int32]bool{pid: true}
	queue := []int32{pid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range s.children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			if s.alive(c) {
				out = append(out, s.byPID[c])
			}
			queue = append(queue, c)
		}
	}
	return out
}
