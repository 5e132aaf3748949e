package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"countdown/internal/countdown"
	"countdown/pkg/logx"
)

const (
	DefaultTransition = 150 * time.Millisecond
	DefaultTitle      = "Next month in"

	slotWidth = 10
)

var slotLabels = [...]string{"DAYS", "HOURS", "MINUTES"}

type TerminalConfig struct {
	Title string
	// Transition is how long a changed slot stays highlighted before the
	// value is committed in the normal style.
	Transition time.Duration
}

var (
	styleDigits    = tcell.StyleDefault.Foreground(tcell.ColorGreen).Bold(true)
	styleHighlight = tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true).Reverse(true)
	styleLabel     = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleTitle     = tcell.StyleDefault.Bold(true)
	styleExpired   = tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)
)

// Terminal draws the countdown full screen. A changed slot is drawn highlighted
// with its new value, then redrawn in the normal style once the transition has
// elapsed. q, Esc or Ctrl-C close the view; the countdown keeps running.
type Terminal struct {
	cfg    TerminalConfig
	log    logx.Logger
	screen tcell.Screen

	mu        sync.Mutex
	closed    bool
	last      countdown.Frame
	hasLast   bool
	highlight countdown.SlotMask
	commit    *time.Timer
	gen       uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTerminal takes over the controlling terminal.
func NewTerminal(cfg TerminalConfig, log logx.Logger) (*Terminal, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("terminal: %w", err)
	}
	return NewTerminalWithScreen(screen, cfg, log)
}

// NewTerminalWithScreen initializes screen and starts the event loop.
func NewTerminalWithScreen(screen tcell.Screen, cfg TerminalConfig, log logx.Logger) (*Terminal, error) {
	if screen == nil {
		return nil, fmt.Errorf("terminal: nil screen")
	}
	if err := screen.Init(); err != nil {
		return nil, fmt.Errorf("terminal: init screen: %w", err)
	}
	if cfg.Transition <= 0 {
		cfg.Transition = DefaultTransition
	}
	if cfg.Title == "" {
		cfg.Title = DefaultTitle
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	screen.HideCursor()
	screen.Clear()
	screen.Show()

	t := &Terminal{
		cfg:    cfg,
		log:    log.With(logx.String("sink", "terminal")),
		screen: screen,
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.pollLoop()
	return t, nil
}

func (t *Terminal) Name() string { return "terminal" }

// Done is closed once the view has been closed by the user or by Close.
func (t *Terminal) Done() <-chan struct{} { return t.done }

func (t *Terminal) Render(_ context.Context, f countdown.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSinkClosed
	}

	changed := f.Changed
	if f.Rollover || f.Expired {
		changed = countdown.AllSlots
	}
	t.last = f
	t.hasLast = true
	t.highlight = changed
	t.gen++
	if t.commit != nil {
		t.commit.Stop()
		t.commit = nil
	}
	if changed.Any() {
		gen := t.gen
		t.commit = time.AfterFunc(t.cfg.Transition, func() { t.commitValue(gen) })
	}
	t.drawLocked()
	return nil
}

func (t *Terminal) commitValue(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || gen != t.gen {
		return
	}
	t.highlight = 0
	t.commit = nil
	t.drawLocked()
}

func (t *Terminal) Close(ctx context.Context) error {
	t.shutdown()
	ch := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Terminal) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.commit != nil {
			t.commit.Stop()
			t.commit = nil
		}
		t.mu.Unlock()
		t.screen.Fini()
		close(t.done)
	})
}

func (t *Terminal) pollLoop() {
	defer t.wg.Done()
	for {
		ev := t.screen.PollEvent()
		if ev == nil {
			return
		}
		switch ev := ev.(type) {
		case *tcell.EventKey:
			if ev.Key() == tcell.KeyEscape || ev.Key() == tcell.KeyCtrlC ||
				(ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q')) {
				t.log.Info("terminal view closed")
				t.shutdown()
				return
			}
		case *tcell.EventResize:
			t.mu.Lock()
			if !t.closed {
				t.screen.Sync()
				t.drawLocked()
			}
			t.mu.Unlock()
		}
	}
}

// slotOrigin returns the top-left cell of slot i's digits.
func (t *Terminal) slotOrigin(i int) (int, int) {
	w, h := t.screen.Size()
	x := (w-slotWidth*len(countdown.Slots))/2 + i*slotWidth + (slotWidth-2)/2
	y := h / 2
	if x < 0 {
		x = i * slotWidth
	}
	return x, y
}

func (t *Terminal) drawLocked() {
	t.screen.Clear()
	w, h := t.screen.Size()
	t.drawCentered(w, h/2-3, t.cfg.Title, styleTitle)

	if !t.hasLast {
		t.screen.Show()
		return
	}
	f := t.last
	for i, slot := range countdown.Slots {
		x, y := t.slotOrigin(i)
		st := styleDigits
		if f.Expired {
			st = styleExpired
		} else if t.highlight.Has(slot) {
			st = styleHighlight
		}
		t.drawText(x, y, f.Display.Slot(slot), st)

		label := slotLabels[i]
		t.drawText(x+1-len(label)/2, y+2, label, styleLabel)
	}

	footer := "until " + f.Target.UTC().Format("2006-01-02 15:04 UTC")
	if f.Expired {
		footer = "countdown expired"
	}
	t.drawCentered(w, h/2+4, footer, styleLabel)
	t.drawCentered(w, h-1, "q to close", styleLabel)
	t.screen.Show()
}

func (t *Terminal) drawCentered(w, y int, s string, st tcell.Style) {
	x := (w - len(s)) / 2
	if x < 0 {
		x = 0
	}
	t.drawText(x, y, s, st)
}

func (t *Terminal) drawText(x, y int, s string, st tcell.Style) {
	for i, r := range s {
		t.screen.SetContent(x+i, y, r, nil, st)
	}
}
