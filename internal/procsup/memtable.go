package procsup

import (
	"context"
	"sync"
	"syscall"
)

// Signal records one delivered signal.
type Signal struct {
	PID int32
	Sig syscall.Signal
}

// MemTable is an in-memory ProcTable for tests and dry runs. SIGTERM
// removes a process unless it is marked stubborn; SIGKILL always does.
type MemTable struct {
	mu       sync.Mutex
	procs    map[int32]Proc
	stubborn map[int32]bool
	signals  []Signal
}

func NewMemTable(ps ...Proc) *MemTable {
	t := &MemTable{procs: map[int32]Proc{}, stubborn: map[int32]bool{}}
	for _, p := range ps {
		t.procs[p.PID] = p
	}
	return t
}

func (t *MemTable) Processes(context.Context) ([]Proc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Proc, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out, nil
}

func (t *MemTable) Signal(_ context.Context, pid int32, sig syscall.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, Signal{pid, sig})
	if _, ok := t.procs[pid]; !ok {
		return errGone
	}
	if sig == syscall.SIGKILL || !t.stubborn[pid] {
		delete(t.procs, pid)
	}
	return nil
}

func (t *MemTable) Put(p Proc) {
	t.mu.Lock()
	t.procs[p.PID] = p
	t.mu.Unlock()
}

func (t *MemTable) Remove(pid int32) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}

// Stubborn makes pid ignore SIGTERM.
func (t *MemTable) Stubborn(pid int32) {
	t.mu.Lock()
	t.stubborn[pid] = true
	t.mu.Unlock()
}

func (t *MemTable) Signals() []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Signal(nil), t.signals...)
}

func (t *MemTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
