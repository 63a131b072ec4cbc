// Package storage persists task records and the execution log.
//
// Backends:
//   - "sqlite": single database file (modernc.org/sqlite, pure Go)
//   - "file": JSON snapshot for tasks + JSONL execution log
//   - "none": in-memory, lost on exit
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

var ErrNotFound = errors.New("task not found")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence API used by the scheduler, the app and the CLI.
type Store interface {
	ListTasks(ctx context.Context) ([]task.Task, error)
	GetTask(ctx context.Context, id int64) (task.Task, error)
	UpsertTask(ctx context.Context, t task.Task) error
	DeleteTask(ctx context.Context, id int64) (bool, error)
	// SetPostponedUntil writes the only engine-owned task field. nil clears it.
	SetPostponedUntil(ctx context.Context, id int64, until *time.Time) error

	AppendExecution(ctx context.Context, e execlog.Entry) error
	RecentExecutions(ctx context.Context, limit int) ([]execlog.Entry, error)

	Close() error
}

// Open initializes the configured store. An empty driver or "none" returns
// an in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// memStore keeps everything in process memory.
type memStore struct {
	mu    sync.Mutex
	tasks map[int64]task.Task
	log   *execlog.Memory
}

func NewMemory() Store {
	return &memStore{tasks: map[int64]task.Task{}, log: execlog.NewMemory(1000)}
}

func (m *memStore) ListTasks(context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedTasks(m.tasks), nil
}

func (m *memStore) GetTask(_ context.Context, id int64) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *memStore) UpsertTask(_ context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	return ok, nil
}

func (m *memStore) SetPostponedUntil(_ context.Context, id int64, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.PostponedUntil = copyTime(until)
	m.tasks[id] = t
	return nil
}

func (m *memStore) AppendExecution(ctx context.Context, e execlog.Entry) error {
	return m.log.AppendExecution(ctx, e)
}

func (m *memStore) RecentExecutions(ctx context.Context, limit int) ([]execlog.Entry, error) {
	return m.log.Recent(ctx, limit)
}

func (m *memStore) Close() error { return nil }

func sortedTasks(m map[int64]task.Task) []task.Task {
	out := make([]task.Task, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
