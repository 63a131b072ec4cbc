package cli

// Tests here set the package-level cfgFile/jsonOut flags and must not run
// in parallel.

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"autolauncher/internal/execlog"
)

func withTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: file\n  path: data\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	prevCfg, prevJSON := cfgFile, jsonOut
	cfgFile, jsonOut = path, false
	t.Cleanup(func() { cfgFile, jsonOut = prevCfg, prevJSON })
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTaskAddListRemove(t *testing.T) {
	withTestConfig(t)

	out, err := run(t, newTaskAddCmd(), "--name", "Game", "--target", "/usr/bin/game", "--schedule", "07:00", "--recurrence", "daily", "--wake")
	if err != nil {
		t.Fatalf("add: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Saved task 1 (Game)") {
		t.Fatalf("add output = %q", out)
	}
	out, err = run(t, newTaskAddCmd(), "--target", "/opt/tool/run.sh", "--schedule", "21:30", "--recurrence", "weekly", "--weekday", "sat")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if !strings.Contains(out, "Saved task 2 (run.sh)") {
		t.Fatalf("second add output = %q", out)
	}

	out, err = run(t, newTaskListCmd())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"Game", "daily", "07:00:00", "run.sh", "Sat 21:30:00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}

	out, err = run(t, newTaskRemoveCmd(), "1")
	if err != nil || !strings.Contains(out, "Deleted task 1") {
		t.Fatalf("rm: %v (%s)", err, out)
	}
	if _, err := run(t, newTaskRemoveCmd(), "9"); err == nil || !strings.Contains(err.Error(), "no such task: 9") {
		t.Fatalf("rm missing: err = %v", err)
	}
	if _, err := run(t, newTaskRemoveCmd(), "x"); err == nil {
		t.Fatalf("rm with bad id should fail")
	}
}

func TestTaskAddRejectsBadSchedule(t *testing.T) {
	withTestConfig(t)

	if _, err := run(t, newTaskAddCmd(), "--target", "/x", "--schedule", "7pm"); err == nil {
		t.Fatalf("expected schedule error")
	}
	if _, err := run(t, newTaskAddCmd(), "--target", "/x", "--schedule", "07:00", "--mode", "sometimes"); err == nil {
		t.Fatalf("expected mode error")
	}
}

func TestNextShowsWakePlan(t *testing.T) {
	withTestConfig(t)

	at := time.Now().Add(3 * time.Hour).Truncate(time.Minute)
	_, err := run(t, newTaskAddCmd(), "--id", "5", "--target", "/x", "--recurrence", "once",
		"--schedule", at.Format("2006-01-02 15:04"), "--wake", "--pre-wake", "10")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	jsonOut = true
	out, err := run(t, newNextCmd())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var got nextOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got.Tasks) != 1 || !got.Tasks[0].Next.Equal(at) {
		t.Fatalf("tasks = %+v, want next %v", got.Tasks, at)
	}
	if got.WakeAt == nil || !got.WakeAt.Equal(at.Add(-10*time.Minute)) {
		t.Fatalf("WakeAt = %v, want %v", got.WakeAt, at.Add(-10*time.Minute))
	}
}

func TestFilterEntries(t *testing.T) {
	in := []execlog.Entry{
		{TaskID: 1, Type: execlog.Started},
		{TaskID: 2, Type: execlog.Failed},
		{TaskID: 1, Type: execlog.Failed},
		{TaskID: 1, Type: execlog.Failed},
	}
	got := filterEntries(in, 1, execlog.Failed, 1)
	if len(got) != 1 || got[0].TaskID != 1 || got[0].Type != execlog.Failed {
		t.Fatalf("filterEntries = %+v", got)
	}
	if n := len(filterEntries(in, 0, "", 10)); n != 4 {
		t.Fatalf("unfiltered = %d, want 4", n)
	}
}
