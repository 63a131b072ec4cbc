package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Engine event types. Data payloads are documented next to each type.
const (
	TaskStarted       = "task.started"        // TaskData
	TaskFinished      = "task.finished"       // TaskData
	TaskFailed        = "task.failed"         // TaskData
	TaskPostponed     = "task.postponed"      // TaskData
	PermissionRequest = "task.permission"     // PermissionData
	ExecutionLogged   = "execlog.entry"       // execlog.Entry
	WakePlanChanged   = "power.wake_plan"     // WakeData
	SystemResumed     = "power.resumed"       // WakeData
	ConfigReloaded    = "config.reload"       // nil
	SleepRequested    = "power.sleep_request" // TaskData
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks; a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type TaskData struct {
	TaskID   int64  `json:"task_id"`
	TaskName string `json:"task_name"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PermissionData asks the user whether a task may run now.
type PermissionData struct {
	TaskID   int64     `json:"task_id"`
	TaskName string    `json:"task_name"`
	Reason   string    `json:"reason"`
	Deadline time.Time `json:"deadline"`
}

type WakeData struct {
	At     time.Time `json:"at"`
	Armed  bool      `json:"armed"`
	Source string    `json:"source,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	filter map[string]struct{}
}

func (s *subscription) wants(typ string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[typ]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered listener. With no types every event is
// delivered.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the
			// write lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
