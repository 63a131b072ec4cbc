package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/task/scheduler"
	logx "autolauncher/pkg/logx"
)

const chat = 4242

type fakeAPI struct {
	mu    sync.Mutex
	sent  []string
	marks []*tele.ReplyMarkup
	edits []string
	err   error
}

func (f *fakeAPI) Send(_ tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	text := fmt.Sprint(what)
	f.sent = append(f.sent, text)
	var rm *tele.ReplyMarkup
	for _, o := range opts {
		if m, ok := o.(*tele.ReplyMarkup); ok {
			rm = m
		}
	}
	f.marks = append(f.marks, rm)
	return &tele.Message{ID: len(f.sent), Text: text, Chat: &tele.Chat{ID: chat}}, nil
}

func (f *fakeAPI) Edit(_ tele.Editable, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, fmt.Sprint(what))
	return &tele.Message{}, nil
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeResponder) HandleUserResponse(_ context.Context, id int64, resp scheduler.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%d:%s", id, resp))
	return r.err
}

func newTest(cfg Config) (*Notifier, *fakeAPI, *fakeResponder) {
	api := &fakeAPI{}
	resp := &fakeResponder{}
	cfg.ChatID = chat
	return newNotifier(cfg, api, nil, resp, logx.Nop()), api, resp
}

func TestPromptAndAnswer(t *testing.T) {
	t.Parallel()
	n, api, resp := newTest(Config{})
	deadline := time.Date(2026, 3, 1, 20, 30, 0, 0, time.Local)
	n.handleEvent(context.Background(), eventbus.Event{
		Type: eventbus.PermissionRequest,
		Data: eventbus.PermissionData{TaskID: 12, TaskName: "Game", Reason: "Scheduled time reached", Deadline: deadline},
	})

	if len(api.sent) != 1 || !strings.Contains(api.sent[0], `Task "Game" is due.`) || !strings.Contains(api.sent[0], "20:30") {
		t.Fatalf("sent = %q", api.sent)
	}
	rm := api.marks[0]
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 3 {
		t.Fatalf("keyboard = %+v", rm)
	}
	if got := rm.InlineKeyboard[0][0].Data; got != "perm:run:12" {
		t.Fatalf("run button data = %q", got)
	}

	if got := n.answer(context.Background(), chat, "perm:run:12"); got != "OK: run" {
		t.Fatalf("answer = %q", got)
	}
	if len(resp.calls) != 1 || resp.calls[0] != "12:run" {
		t.Fatalf("responder calls = %v", resp.calls)
	}
	if len(api.edits) != 1 || !strings.HasSuffix(api.edits[0], "Answer: run") {
		t.Fatalf("edits = %v", api.edits)
	}
}

func TestAnswerRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		chatID int64
		data   string
		err    error
		want   string
	}{
		{name: "other chat", chatID: 1, data: "perm:run:1", want: "Not authorized"},
		{name: "garbage", chatID: chat, data: "hello", want: "Unknown action"},
		{name: "bad response", chatID: chat, data: "perm:later:1", want: "Unknown action"},
		{name: "expired", chatID: chat, data: "perm:postpone:1", err: scheduler.ErrNotFound, want: "Request expired"},
		{name: "failed", chatID: chat, data: "perm:cancel:1", err: errors.New("disk full"), want: "Failed: disk full"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n, _, resp := newTest(Config{})
			resp.err = tt.err
			if got := n.answer(context.Background(), tt.chatID, tt.data); got != tt.want {
				t.Fatalf("answer = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntryFilter(t *testing.T) {
	t.Parallel()
	n, api, _ := newTest(Config{Events: []execlog.EventType{execlog.Failed}})
	for _, e := range []execlog.Entry{
		{TaskID: 1, TaskName: "Game", Type: execlog.Started, Details: "Program: /x"},
		{TaskID: 1, TaskName: "Game", Type: execlog.Failed, Details: "Error: boom"},
	} {
		n.handleEvent(context.Background(), eventbus.Event{Type: eventbus.ExecutionLogged, Data: e})
	}
	if len(api.sent) != 1 || api.sent[0] != "[FAILED] Game\nError: boom" {
		t.Fatalf("sent = %q", api.sent)
	}
}

func TestNotifyError(t *testing.T) {
	t.Parallel()
	n, api, _ := newTest(Config{})
	api.err = errors.New("network down")
	if err := n.Notify(context.Background(), "hello"); err == nil {
		t.Fatal("Notify swallowed the send error")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, nil, nil, logx.Nop()); err == nil {
		t.Fatal("New accepted an empty token")
	}
	if _, err := New(Config{Token: "x"}, nil, nil, logx.Nop()); err == nil {
		t.Fatal("New accepted an empty chat id")
	}
}

func TestParseCallback(t *testing.T) {
	t.Parallel()
	r, id, err := parseCallback(callbackData(scheduler.RespPostpone, "77"))
	if err != nil || r != scheduler.RespPostpone || id != 77 {
		t.Fatalf("parseCallback = %v %d %v", r, id, err)
	}
}
