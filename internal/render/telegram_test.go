package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"countdown/internal/countdown"
	"countdown/pkg/logx"
)

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int
	sends    []string
	edits    []int
	sendErrs []error
	editErrs []error
}

func (m *fakeMessenger) Send(_ context.Context, _ int64, _ int, text string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	m.nextID++
	m.sends = append(m.sends, text)
	return m.nextID, nil
}

func (m *fakeMessenger) Edit(_ context.Context, _ int64, id int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.editErrs) > 0 {
		err := m.editErrs[0]
		m.editErrs = m.editErrs[1:]
		if err != nil {
			return err
		}
	}
	m.edits = append(m.edits, id)
	return nil
}

func newTestTelegram(m Messenger, editsPerMinute int) *Telegram {
	tg := NewTelegramWith(m, TelegramConfig{ChatID: 42, EditsPerMinute: editsPerMinute}, logx.Nop())
	tg.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return tg
}

func TestTelegramSendsThenEdits(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	tg := newTestTelegram(m, 600)
	ctx := context.Background()

	fs := frames(0, 20*time.Second, time.Minute)
	for _, f := range fs {
		if err := tg.Render(ctx, f); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}

	// 0s: send, +20s: 16d 13h 59m edit, +1m: same text, no call.
	if len(m.sends) != 1 || len(m.edits) != 1 {
		t.Fatalf("sends=%d edits=%d, want 1/1", len(m.sends), len(m.edits))
	}
	if m.edits[0] != 1 || tg.MessageID() != 1 {
		t.Fatalf("edited message %d (current %d), want 1", m.edits[0], tg.MessageID())
	}
}

func TestTelegramRolloverPostsNewMessage(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	tg := newTestTelegram(m, 600)
	ctx := context.Background()

	s := countdown.NewScheduler(nil)
	first := s.Tick(scenarioNow)
	if err := tg.Render(ctx, first); err != nil {
		t.Fatalf("Render: %v", err)
	}
	rolled := s.Tick(first.Target)
	if !rolled.Rollover {
		t.Fatalf("expected rollover frame")
	}
	if err := tg.Render(ctx, rolled); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(m.sends) != 2 || len(m.edits) != 0 {
		t.Fatalf("sends=%d edits=%d, want 2/0", len(m.sends), len(m.edits))
	}
	if !strings.Contains(m.sends[1], "New month!") {
		t.Fatalf("rollover message: %q", m.sends[1])
	}
	if tg.MessageID() != 2 {
		t.Fatalf("MessageID=%d, want 2", tg.MessageID())
	}
}

func TestTelegramEditsAreRateLimited(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{}
	tg := newTestTelegram(m, 1)
	ctx := context.Background()

	fs := frames(0, time.Minute, 2*time.Minute, 3*time.Minute)
	for _, f := range fs {
		if err := tg.Render(ctx, f); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	if len(m.sends) != 1 || len(m.edits) != 1 {
		t.Fatalf("sends=%d edits=%d, want 1 send and a single edit within the minute", len(m.sends), len(m.edits))
	}
}

func TestTelegramRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	transient := errors.New("connection reset")
	m := &fakeMessenger{sendErrs: []error{transient, transient}}
	tg := newTestTelegram(m, 600)

	if err := tg.Render(context.Background(), frames(0)[0]); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(m.sends) != 1 {
		t.Fatalf("sends=%d, want 1 after retries", len(m.sends))
	}

	m.sendErrs = []error{transient, transient, transient}
	tg2 := newTestTelegram(m, 600)
	if err := tg2.Render(context.Background(), frames(0)[0]); !errors.Is(err, transient) {
		t.Fatalf("err=%v, want transient error after max tries", err)
	}
}

func TestTelegramResendsWhenMessageGone(t *testing.T) {
	t.Parallel()

	m := &fakeMessenger{editErrs: []error{fmt.Errorf("%w: deleted", ErrMessageGone)}}
	tg := newTestTelegram(m, 600)
	ctx := context.Background()

	for _, f := range frames(0, time.Minute) {
		if err := tg.Render(ctx, f); err != nil {
			t.Fatalf("Render: %v", err)
		}
	}
	if len(m.sends) != 2 || len(m.edits) != 0 {
		t.Fatalf("sends=%d edits=%d, want 2/0", len(m.sends), len(m.edits))
	}
	if tg.MessageID() != 2 {
		t.Fatalf("MessageID=%d, want 2", tg.MessageID())
	}
}

func TestRetryAfterParsing(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"telegram: Too Many Requests: retry after 35 (429)": 35,
		"telegram: bad request":                              0,
		"retry after soon":                                   0,
	}
	for msg, want := range cases {
		if got := retryAfter(errors.New(msg)); got != want {
			t.Errorf("retryAfter(%q)=%d, want %d", msg, got, want)
		}
	}
}
