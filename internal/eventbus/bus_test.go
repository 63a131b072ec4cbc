package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, TaskFailed)
	defer unsubOnly()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFailed, Data: TaskData{TaskID: 3}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered buffered = %d, want 2", got)
	}
	if got := len(only); got != 1 {
		t.Fatalf("filtered buffered = %d, want 1", got)
	}
	ev := <-only
	if ev.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
	if d, ok := ev.Data.(TaskData); !ok || d.TaskID != 3 {
		t.Fatalf("Data = %#v, want TaskData{TaskID: 3}", ev.Data)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: TaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: TaskStarted})
}
