package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the dispatch engine. Fired triggers are short: they run
// the execution gate and the launch, then hand monitoring to goroutines
// of their own.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
	// Timeout bounds one job; 0 means none.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one dispatched unit of work.
//
// Jobs sharing a non-empty Key never overlap: a second one is refused
// while the first is queued or running.
type Job struct {
	ID   string
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Key        string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	Panics   uint64
	History  []HistoryItem
}

// keySet tracks keys that are queued or running.
type keySet struct {
	mu   sync.Mutex
	busy map[string]bool
}

func (k *keySet) tryAcquire(key string) bool {
	if key == "" {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.busy == nil {
		k.busy = map[string]bool{}
	}
	if k.busy[key] {
		return false
	}
	k.busy[key] = true
	return true
}

func (k *keySet) release(key string) {
	if key == "" {
		return
	}
	k.mu.Lock()
	delete(k.busy, key)
	k.mu.Unlock()
}
