package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"autolauncher/internal/execlog"
	"autolauncher/internal/task"
	logx "autolauncher/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Keep the retention check cheap: prune once every pruneEvery appends.
const (
	pruneEvery       = 200
	maxExecutionRows = 20000
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	appends atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the daemon and the CLI serialize through busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const taskColumns = `id, name, target, args, work_dir, schedule_time, recurrence, enabled,
	wake_enabled, pre_wake_minutes, sleep_after, visual_fallback, mode, postponed_until`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t                         task.Task
		args, workDir, mode, post sql.NullString
		sched, rec                string
	)
	err := r.Scan(&t.ID, &t.Name, &t.Target, &args, &workDir, &sched, &rec, &t.Enabled,
		&t.WakeEnabled, &t.PreWakeMinutes, &t.SleepAfter, &t.VisualFallback, &mode, &post)
	if err != nil {
		return task.Task{}, err
	}
	if t.ScheduleTime, err = time.Parse(time.RFC3339Nano, sched); err != nil {
		return task.Task{}, fmt.Errorf("task %d: schedule_time: %w", t.ID, err)
	}
	t.Recurrence = task.Recurrence(rec)
	t.WorkDir = workDir.String
	t.Mode = task.Mode(mode.String)
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &t.Args); err != nil {
			return task.Task{}, fmt.Errorf("task %d: args: %w", t.ID, err)
		}
	}
	if post.Valid && post.String != "" {
		pu, err := time.Parse(time.RFC3339Nano, post.String)
		if err != nil {
			return task.Task{}, fmt.Errorf("task %d: postponed_until: %w", t.ID, err)
		}
		t.PostponedUntil = &pu
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) UpsertTask(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	var args any
	if len(t.Args) > 0 {
		b, err := json.Marshal(t.Args)
		if err != nil {
			return err
		}
		args = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, target=excluded.target, args=excluded.args, work_dir=excluded.work_dir,
			schedule_time=excluded.schedule_time, recurrence=excluded.recurrence, enabled=excluded.enabled,
			wake_enabled=excluded.wake_enabled, pre_wake_minutes=excluded.pre_wake_minutes,
			sleep_after=excluded.sleep_after, visual_fallback=excluded.visual_fallback, mode=excluded.mode,
			postponed_until=excluded.postponed_until`,
		t.ID, t.Name, t.Target, args, nullStr(t.WorkDir), t.ScheduleTime.Format(time.RFC3339Nano),
		string(t.Recurrence), t.Enabled, t.WakeEnabled, t.PreWakeMinutes, t.SleepAfter,
		t.VisualFallback, nullStr(string(t.Mode)), nullTime(t.PostponedUntil),
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetPostponedUntil(ctx context.Context, id int64, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET postponed_until = ? WHERE id = ?`, nullTime(until), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendExecution(ctx context.Context, e execlog.Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(at, task_id, task_name, event_type, details, run_id) VALUES(?,?,?,?,?,?)`,
		e.Time.Format(time.RFC3339Nano), e.TaskID, e.TaskName, string(e.Type), nullStr(e.Details), nullStr(e.RunID),
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%pruneEvery == 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM executions WHERE seq <= (SELECT MAX(seq) FROM executions) - ?`, maxExecutionRows); err != nil {
			s.log.Debug("execution log prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) RecentExecutions(ctx context.Context, limit int) ([]execlog.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at, task_id, task_name, event_type, details, run_id
		 FROM executions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []execlog.Entry
	for rows.Next() {
		var (
			e            execlog.Entry
			at, typ      string
			details, run sql.NullString
		)
		if err := rows.Scan(&e.Seq, &at, &e.TaskID, &e.TaskName, &typ, &details, &run); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		e.Type = execlog.EventType(typ)
		e.Details = details.String
		e.RunID = run.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
