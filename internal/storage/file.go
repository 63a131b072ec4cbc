package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

// fileStore keeps tasks in a JSON snapshot rewritten atomically on every
// mutation and the execution log as append-only JSON Lines.
//
// Files (prefix derived from cfg.Path without extension):
//   - <prefix>.tasks.json
//   - <prefix>.executions.jsonl
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	tasksPath string
	tasks     map[int64]task.Task
	execPath  string
	execFile  *os.File
	seq       int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	s := &fileStore{
		log:       log,
		tasksPath: prefix + ".tasks.json",
		tasks:     map[int64]task.Task{},
		execPath:  prefix + ".executions.jsonl",
	}
	if err := s.loadTasks(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.seq = countLines(s.execPath)
	f, err := os.OpenFile(s.execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.execFile = f
	return s, nil
}

func (s *fileStore) loadTasks() error {
	b, err := os.ReadFile(s.tasksPath)
	if err != nil {
		return err
	}
	var list []task.Task
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, t := range list {
		s.tasks[t.ID] = t
	}
	return nil
}

// saveLocked writes the snapshot through a temp file + rename.
func (s *fileStore) saveLocked() error {
	b, err := json.MarshalIndent(sortedTasks(s.tasks), "", "  ")
	if err != nil {
		return err
	}
	tmp := s.tasksPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.tasksPath)
}

func (s *fileStore) ListTasks(context.Context) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTasks(s.tasks), nil
}

func (s *fileStore) GetTask(_ context.Context, id int64) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *fileStore) UpsertTask(_ context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.tasks[t.ID]
	s.tasks[t.ID] = t
	if err := s.saveLocked(); err != nil {
		if had {
			s.tasks[t.ID] = prev
		} else {
			delete(s.tasks, t.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteTask(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	delete(s.tasks, id)
	if err := s.saveLocked(); err != nil {
		s.tasks[id] = prev
		return false, err
	}
	return true, nil
}

func (s *fileStore) SetPostponedUntil(_ context.Context, id int64, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	prev := t.PostponedUntil
	t.PostponedUntil = copyTime(until)
	s.tasks[id] = t
	if err := s.saveLocked(); err != nil {
		t.PostponedUntil = prev
		s.tasks[id] = t
		return err
	}
	return nil
}

func (s *fileStore) AppendExecution(_ context.Context, e execlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return errors.New("execution log closed")
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.seq++
	e.Seq = s.seq
	return json.NewEncoder(s.execFile).Encode(e)
}

// RecentExecutions scans the log keeping a ring of the last limit entries.
func (s *fileStore) RecentExecutions(_ context.Context, limit int) ([]execlog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.execPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]execlog.Entry, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e execlog.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if len(ring) == limit {
			copy(ring, ring[1:])
			ring = ring[:limit-1]
		}
		ring = append(ring, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]execlog.Entry, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return nil
	}
	err := s.execFile.Close()
	s.execFile = nil
	return err
}

func countLines(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n
}
