package execlog

import (
	"context"
	"errors"
	"testing"

	"autolauncher/internal/eventbus"
	logx "autolauncher/pkg/logx"
)

type failingStore struct{ calls int }

func (f *failingStore) AppendExecution(context.Context, Entry) error {
	f.calls++
	return errors.New("disk full")
}

func TestRecorderPublishesAndPersists(t *testing.T) {
	t.Parallel()
	mem := NewMemory(10)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.ExecutionLogged)
	defer unsub()

	r := NewRecorder(mem, bus, logx.Nop())
	r.Record(context.Background(), Entry{TaskID: 4, TaskName: "sync", Type: Started, Details: "Program: /bin/sync"})

	got := mem.Entries()
	if len(got) != 1 || got[0].Type != Started || got[0].Time.IsZero() {
		t.Fatalf("entries = %+v, want one timestamped STARTED", got)
	}
	ev := <-ch
	if e, ok := ev.Data.(Entry); !ok || e.TaskID != 4 {
		t.Fatalf("event data = %#v, want Entry for task 4", ev.Data)
	}
}

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	t.Parallel()
	fs := &failingStore{}
	r := NewRecorder(fs, nil, logx.Nop())
	r.Record(context.Background(), Entry{Type: Failed})
	if fs.calls != 1 {
		t.Fatalf("store calls = %d, want 1", fs.calls)
	}
}

func TestMemoryBoundedAndRecent(t *testing.T) {
	t.Parallel()
	m := NewMemory(3)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		m.Record(ctx, Entry{TaskID: i, Type: Executed})
	}
	all := m.Entries()
	if len(all) != 3 || all[0].TaskID != 3 {
		t.Fatalf("entries = %+v, want tasks 3..5", all)
	}
	recent, _ := m.Recent(ctx, 2)
	if len(recent) != 2 || recent[0].TaskID != 5 || recent[1].TaskID != 4 {
		t.Fatalf("recent = %+v, want 5 then 4", recent)
	}
	if got := m.OfType(Executed, 4); len(got) != 1 {
		t.Fatalf("OfType = %d entries, want 1", len(got))
	}
}
