package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"error","time":"x","message":"launch failed","task_id":7,"comp":"scheduler"}`)
	got := formatAlert(line)
	want := "[ERROR] launch failed\n- comp=scheduler\n- task_id=7"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}

func TestFormatAlertNonJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlert = %q, want %q", got, "plain text")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "abcdefghijklmnop", n: 12, want: "abcdefghi..."},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "abc", n: 0, want: "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestAlertSinkForwardsOnlyAboveMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	})
	defer svc.Close()
	n := &recordingNotifier{}
	svc.SetNotifier(n)

	log.Info("not forwarded")
	log.Error("forwarded", String("task", "backup"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.snapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines := n.snapshot()
	if len(lines) != 1 {
		t.Fatalf("forwarded %d lines, want 1: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "[ERROR] forwarded") {
		t.Fatalf("alert = %q, want [ERROR] forwarded prefix", lines[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("dropped")
	l.With(Int("n", 1)).Error("dropped")
}
