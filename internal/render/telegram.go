package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"countdown/internal/countdown"
	"countdown/pkg/logx"
	"countdown/pkg/tgui"
)

const (
	DefaultEditsPerMinute = 20
	DefaultRetryMax       = 3
	DefaultSendTimeout    = 10 * time.Second
)

// ErrMessageGone reports that the message to edit no longer exists.
var ErrMessageGone = errors.New("telegram: message to edit not found")

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Title    string

	EditsPerMinute int
	RetryMax       int
	Timeout        time.Duration
}

// Messenger is the slice of the Bot API the sink needs.
type Messenger interface {
	Send(ctx context.Context, chatID int64, threadID int, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
}

// Telegram keeps one message per countdown cycle and edits it in place when
// the display changes. A rollover posts a fresh message.
type Telegram struct {
	cfg     TelegramConfig
	log     logx.Logger
	client  Messenger
	limiter *rate.Limiter

	// newBackOff is swapped in tests.
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	messageID int
	cycle     uint64
	lastText  string
}

// NewTelegram builds the sink on top of a telebot client. The bot runs in
// offline mode; it never polls for updates.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return NewTelegramWith(&botMessenger{bot: b}, cfg, log), nil
}

// NewTelegramWith builds the sink on an arbitrary Messenger.
func NewTelegramWith(client Messenger, cfg TelegramConfig, log logx.Logger) *Telegram {
	if cfg.EditsPerMinute <= 0 {
		cfg.EditsPerMinute = DefaultEditsPerMinute
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSendTimeout
	}
	if cfg.Title == "" {
		cfg.Title = DefaultTitle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	every := time.Minute / time.Duration(cfg.EditsPerMinute)
	return &Telegram{
		cfg:     cfg,
		log:     log.With(logx.String("sink", "telegram"), logx.Int64("chat_id", cfg.ChatID)),
		client:  client,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Render(ctx context.Context, f countdown.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := FormatMessage(t.cfg.Title, f)

	if t.messageID == 0 || f.Rollover || f.Cycle != t.cycle {
		if f.Rollover && t.messageID != 0 {
			t.log.Info("countdown rolled over; posting new message", logx.Uint64("cycle", f.Cycle))
		}
		id, err := t.send(ctx, text)
		if err != nil {
			return err
		}
		t.messageID = id
		t.cycle = f.Cycle
		t.lastText = text
		return nil
	}

	if text == t.lastText {
		return nil
	}
	if !t.limiter.Allow() {
		// Next tick retries with the then-current text.
		t.log.Debug("telegram edit rate limited")
		return nil
	}
	err := t.edit(ctx, text)
	if errors.Is(err, ErrMessageGone) {
		t.log.Warn("countdown message vanished; posting a new one")
		id, serr := t.send(ctx, text)
		if serr != nil {
			return serr
		}
		t.messageID = id
		err = nil
	}
	if err != nil {
		return err
	}
	t.lastText = text
	return nil
}

// MessageID reports the message currently being edited (0 before the first send).
func (t *Telegram) MessageID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageID
}

func (t *Telegram) send(ctx context.Context, text string) (int, error) {
	return backoff.Retry(ctx, func() (int, error) {
		cctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
		id, err := t.client.Send(cctx, t.cfg.ChatID, t.cfg.ThreadID, text)
		return id, classify(err)
	}, t.retryOptions("send")...)
}

func (t *Telegram) edit(ctx context.Context, text string) error {
	msgID := t.messageID
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		cctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
		return struct{}{}, classify(t.client.Edit(cctx, t.cfg.ChatID, msgID, text))
	}, t.retryOptions("edit")...)
	return err
}

func (t *Telegram) retryOptions(op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(t.newBackOff()),
		backoff.WithMaxTries(uint(t.cfg.RetryMax)),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.log.Warn("telegram call failed; retrying", logx.String("op", op), logx.Err(err), logx.Duration("next", next))
		}),
	}
}

// classify marks client errors as permanent so they are not retried, and turns
// flood control into an explicit retry delay.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMessageGone) {
		return backoff.Permanent(err)
	}
	if secs := retryAfter(err); secs > 0 {
		return backoff.RetryAfter(secs)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// retryAfter extracts the flood-control delay from "retry after N" errors.
func retryAfter(err error) int {
	desc := strings.ToLower(err.Error())
	i := strings.Index(desc, "retry after ")
	if i < 0 {
		return 0
	}
	var secs int
	if _, serr := fmt.Sscanf(desc[i+len("retry after "):], "%d", &secs); serr != nil {
		return 0
	}
	return secs
}

// FormatMessage renders the HTML message body for a frame.
func FormatMessage(title string, f countdown.Frame) string {
	var head tgui.H
	if f.Rollover {
		head = "🎉 " + tgui.B("New month!")
	}
	d := f.Display
	if f.Expired {
		d = countdown.ZeroDisplay
	}
	slots := tgui.Join(" ",
		tgui.B(d.Days), tgui.Esc("days"),
		tgui.B(d.Hours), tgui.Esc("hours"),
		tgui.B(d.Minutes), tgui.Esc("minutes"),
	)
	foot := tgui.Esc("until " + f.Target.UTC().Format("2006-01-02 15:04 UTC"))
	if f.Expired {
		foot = tgui.Esc("countdown expired")
	}
	return tgui.Lines(head, "⏳ "+tgui.Esc(title), slots, foot).String()
}

type botMessenger struct {
	bot *tele.Bot
}

func (m *botMessenger) Send(_ context.Context, chatID int64, threadID int, text string) (int, error) {
	msg, err := m.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (m *botMessenger) Edit(_ context.Context, chatID int64, messageID int, text string) error {
	msg := &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
	_, err := m.bot.Edit(msg, text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
	if err == nil {
		return nil
	}
	desc := strings.ToLower(err.Error())
	switch {
	case strings.Contains(desc, "message is not modified"):
		return nil
	case strings.Contains(desc, "message to edit not found"):
		return fmt.Errorf("%w: %v", ErrMessageGone, err)
	}
	return err
}
