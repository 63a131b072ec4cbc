// Package telegram delivers permission prompts and execution alerts to a
// single Telegram chat and feeds button answers back to the scheduler.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"autolauncher/internal/eventbus"
	"autolauncher/internal/execlog"
	"autolauncher/internal/task/scheduler"
	logx "autolauncher/pkg/logx"
	"autolauncher/pkg/tgui"
)

const callbackPrefix = "perm"

var DefaultEvents = []execlog.EventType{
	execlog.Failed,
	execlog.Missed,
	execlog.AutoDismissed,
	execlog.StuckRestartDlg,
}

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration // 10s
	// Events are the execution log types forwarded to the chat.
	Events []execlog.EventType
}

// Responder resolves permission requests. *scheduler.Service implements it.
type Responder interface {
	HandleUserResponse(ctx context.Context, id int64, r scheduler.Response) error
}

// sender is the part of *tele.Bot used for outgoing messages.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Notifier struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	resp   Responder
	api    sender
	bot    *tele.Bot
	events map[execlog.EventType]bool

	mu      sync.Mutex
	prompts map[int64]*tele.Message
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, resp Responder, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	n := newNotifier(cfg, b, bus, resp, log)
	n.bot = b
	return n, nil
}

func newNotifier(cfg Config, api sender, bus eventbus.Bus, resp Responder, log logx.Logger) *Notifier {
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	events := make(map[execlog.EventType]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = true
	}
	return &Notifier{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram")),
		bus:     bus,
		resp:    resp,
		api:     api,
		events:  events,
		prompts: map[int64]*tele.Message{},
	}
}

// Start begins long polling and forwarding bus events.
func (n *Notifier) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	if n.bot != nil {
		n.bot.Handle(tele.OnCallback, func(c tele.Context) error {
			cb := c.Callback()
			if cb == nil || c.Chat() == nil {
				return nil
			}
			text := n.answer(rctx, c.Chat().ID, cb.Data)
			return c.Respond(&tele.CallbackResponse{Text: text})
		})
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.log.Info("polling started")
			n.bot.Start() // blocks until Stop
		}()
		go func() {
			<-rctx.Done()
			n.bot.Stop()
		}()
	}

	if n.bus != nil {
		ch, unsub := n.bus.Subscribe(64, eventbus.PermissionRequest, eventbus.ExecutionLogged)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer unsub()
			for {
				select {
				case <-rctx.Done():
					return
				case ev := <-ch:
					n.handleEvent(rctx, ev)
				}
			}
		}()
	}
}

// Stop ends polling. It waits at most until ctx is done.
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.log.Info("polling stopped")
	case <-ctx.Done():
		n.log.Warn("telegram stop grace elapsed; continuing shutdown")
	}
}

// Notify sends a plain text message. It implements logx.Notifier.
func (n *Notifier) Notify(_ context.Context, text string) error {
	_, err := n.api.Send(tele.ChatID(n.cfg.ChatID), tgui.TruncRunes(text, tgui.MaxMessageLen))
	return err
}

func (n *Notifier) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case eventbus.PermissionData:
		n.prompt(data)
	case execlog.Entry:
		if !n.events[data.Type] {
			return
		}
		if err := n.Notify(ctx, formatEntry(data)); err != nil {
			n.log.Warn("alert not delivered", logx.Err(err))
		}
	}
}

func (n *Notifier) prompt(p eventbus.PermissionData) {
	id := strconv.FormatInt(p.TaskID, 10)
	rm := tgui.NewInline().Row(
		tgui.Btn("Run", callbackData(scheduler.RespRun, id)),
		tgui.Btn("Postpone", callbackData(scheduler.RespPostpone, id)),
		tgui.Btn("Cancel", callbackData(scheduler.RespCancel, id)),
	).Markup()
	msg, err := n.api.Send(tele.ChatID(n.cfg.ChatID), formatPrompt(p), rm)
	if err != nil {
		n.log.Warn("permission prompt not delivered", logx.Int64("task_id", p.TaskID), logx.Err(err))
		return
	}
	n.mu.Lock()
	n.prompts[p.TaskID] = msg
	n.mu.Unlock()
}

// answer handles a button press and returns the toast text.
func (n *Notifier) answer(ctx context.Context, chatID int64, data string) string {
	if chatID != n.cfg.ChatID {
		n.log.Warn("callback from unknown chat", logx.Int64("chat_id", chatID))
		return "Not authorized"
	}
	r, id, err := parseCallback(data)
	if err != nil {
		return "Unknown action"
	}
	n.mu.Lock()
	msg := n.prompts[id]
	delete(n.prompts, id)
	n.mu.Unlock()

	if err := n.resp.HandleUserResponse(ctx, id, r); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return "Request expired"
		}
		n.log.Warn("permission answer failed", logx.Int64("task_id", id), logx.Err(err))
		return "Failed: " + err.Error()
	}
	if msg != nil {
		if _, err := n.api.Edit(msg, fmt.Sprintf("%s\n\nAnswer: %s", msg.Text, r)); err != nil {
			n.log.Debug("prompt edit failed", logx.Err(err))
		}
	}
	return "OK: " + string(r)
}

// callbackData frames a prompt answer. Task ids and response names are
// short enough that the length limit cannot trip.
func callbackData(r scheduler.Response, id string) string {
	data, _ := tgui.Data(callbackPrefix, string(r), id)
	return data
}

func parseCallback(data string) (scheduler.Response, int64, error) {
	scope, action, payload, err := tgui.Split(data)
	if err != nil || scope != callbackPrefix {
		return "", 0, fmt.Errorf("bad callback %q", data)
	}
	r, err := scheduler.ParseResponse(action)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad task id in %q", data)
	}
	return r, id, nil
}

func formatPrompt(p eventbus.PermissionData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %q is due.\n", p.TaskName)
	if p.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", p.Reason)
	}
	if !p.Deadline.IsZero() {
		fmt.Fprintf(&b, "Postponed automatically at %s if unanswered.", p.Deadline.Format("15:04"))
	}
	return strings.TrimSpace(b.String())
}

func formatEntry(e execlog.Entry) string {
	name := e.TaskName
	if name == "" {
		name = "system"
	}
	return fmt.Sprintf("[%s] %s\n%s", e.Type, name, e.Details)
}
