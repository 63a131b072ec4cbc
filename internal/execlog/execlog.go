// Package execlog records the observable outcome of every task execution
// step (started, postponed, missed, auto-dismissed...).
//
// Entries are append-only. They are persisted through a Store, mirrored to
// the structured log and published on the event bus for UIs.
package execlog

import (
	"context"
	"sync"
	"time"

	"autolauncher/internal/eventbus"
	logx "autolauncher/pkg/logx"
)

type EventType string

const (
	Started           EventType = "STARTED"
	Finished          EventType = "FINISHED"
	Failed            EventType = "FAILED"
	Missed            EventType = "MISSED"
	Postponed         EventType = "POSTPONED"
	Executed          EventType = "EXECUTED"
	WakeScheduled     EventType = "WAKE_SCHEDULED"
	AutoDismissed     EventType = "AUTO_DISMISSED"
	RestartScheduled  EventType = "RESTART_SCHEDULED"
	StuckRestartDlg   EventType = "STUCK_RESTART_DLG"
	RecoveryScheduled EventType = "RECOVERY_SCHEDULED"
)

// SystemTaskID marks entries that do not belong to a user task (wake plan).
const SystemTaskID int64 = 0

type Entry struct {
	Seq      int64     `json:"seq,omitempty"`
	TaskID   int64     `json:"task_id"`
	TaskName string    `json:"task_name"`
	Type     EventType `json:"event_type"`
	Details  string    `json:"details"`
	RunID    string    `json:"run_id,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// Store persists entries.
type Store interface {
	AppendExecution(ctx context.Context, e Entry) error
}

// Sink is what engine components write to.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Recorder fans an entry out to the store, the log and the bus. Store
// failures are logged and never returned to the caller.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Time.IsZero() {
		e.Time = r.now()
	}
	fields := []logx.Field{
		logx.Int64("task_id", e.TaskID),
		logx.String("task", e.TaskName),
		logx.String("event", string(e.Type)),
		logx.String("details", e.Details),
	}
	if e.RunID != "" {
		fields = append(fields, logx.String("run_id", e.RunID))
	}
	switch e.Type {
	case Failed, Missed, StuckRestartDlg:
		r.log.Warn("execution event", fields...)
	default:
		r.log.Info("execution event", fields...)
	}

	if r.store != nil {
		if err := r.store.AppendExecution(ctx, e); err != nil {
			r.log.Error("execution log append failed", append(fields, logx.Err(err))...)
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.ExecutionLogged, Time: e.Time, Data: e})
	}
}

// Memory is a bounded in-memory Store and Sink. It backs the "none" storage
// driver and serves as a recording sink in tests.
type Memory struct {
	mu      sync.Mutex
	limit   int
	seq     int64
	entries []Entry
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 500
	}
	return &Memory{limit: limit}
}

func (m *Memory) AppendExecution(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.limit; over > 0 {
		m.entries = append([]Entry(nil), m.entries[over:]...)
	}
	return nil
}

func (m *Memory) Record(ctx context.Context, e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_ = m.AppendExecution(ctx, e)
}

// Entries returns a copy in append order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// OfType returns the entries with the given type, optionally for one task
// (taskID < 0 means any).
func (m *Memory) OfType(typ EventType, taskID int64) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Type == typ && (taskID < 0 || e.TaskID == taskID) {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to n newest entries, newest first.
func (m *Memory) Recent(_ context.Context, n int) ([]Entry, error) {
	all := m.Entries()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Entry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
