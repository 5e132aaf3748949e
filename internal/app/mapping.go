package app

import (
	"fmt"
	"strings"
	"time"

	"countdown/internal/config"
	"countdown/internal/countdown"
	"countdown/internal/observability/httpserver"
	"countdown/internal/render"
	"countdown/internal/storage"
	"countdown/internal/task/scheduler"
	logx "countdown/pkg/logx"
)

const defaultTerminalLogPath = logx.DefaultFilePath

// mapLogging converts the logging section. The terminal sink owns the screen,
// so console output is redirected to a file while it is enabled.
func mapLogging(cfg *config.Config) (logx.Config, bool) {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if !cfg.Render.Terminal.Enabled || !lc.Console {
		return lc, false
	}
	lc.Console = false
	if !lc.File.Enabled {
		lc.File.Enabled = true
		if strings.TrimSpace(lc.File.Path) == "" {
			lc.File.Path = defaultTerminalLogPath
		}
	}
	return lc, true
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		DefaultTimeout: timeout,
	}, nil
}

func mapCountdown(cfg *config.Config) (countdown.Config, error) {
	c := cfg.Countdown
	refresh := strings.TrimSpace(c.Refresh)
	if refresh == "" {
		refresh = countdown.DefaultRefresh
	}
	if _, err := scheduler.ValidateSchedule(refresh); err != nil {
		return countdown.Config{}, fmt.Errorf("countdown.refresh: %w", err)
	}
	tickTimeout, err := config.ParseDurationField("countdown.tick_timeout", c.TickTimeout)
	if err != nil {
		return countdown.Config{}, err
	}
	span, err := config.ParseDurationOrDefault("countdown.fixed_span", c.FixedSpan, countdown.DefaultFixedSpan)
	if err != nil {
		return countdown.Config{}, err
	}
	var loc *time.Location
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return countdown.Config{}, fmt.Errorf("countdown.timezone: invalid %q: %w", tz, err)
		}
	}
	return countdown.Config{
		Enabled: c.CountdownEnabled(),
		Policy: countdown.PolicyConfig{
			Name:      strings.TrimSpace(c.Policy),
			Offset:    countdown.Offset(c.Offset()),
			Location:  loc,
			FixedSpan: span,
		},
		Refresh:     refresh,
		TickTimeout: tickTimeout,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTP(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = httpserver.DefaultAddr
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		CORSOrigins:   h.CORSOrigins,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapTerminal(cfg *config.Config) (render.TerminalConfig, error) {
	t := cfg.Render.Terminal
	transition, err := config.ParseDurationOrDefault("render.terminal.transition", t.Transition, render.DefaultTransition)
	if err != nil {
		return render.TerminalConfig{}, err
	}
	return render.TerminalConfig{Title: t.Title, Transition: transition}, nil
}

func mapTelegram(cfg *config.Config) (render.TelegramConfig, error) {
	t := cfg.Render.Telegram
	timeout, err := config.ParseDurationOrDefault("render.telegram.timeout", t.Timeout, render.DefaultSendTimeout)
	if err != nil {
		return render.TelegramConfig{}, err
	}
	return render.TelegramConfig{
		Token:          strings.TrimSpace(t.Token),
		ChatID:         t.ChatID,
		ThreadID:       t.ThreadID,
		Title:          t.Title,
		EditsPerMinute: t.EditsPerMinute,
		RetryMax:       t.RetryMax,
		Timeout:        timeout,
	}, nil
}

// validateMapping runs every mapping so a hot reload is rejected before commit
// when a value only the runtime types can check is wrong.
func validateMapping(cfg *config.Config) error {
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapCountdown(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	if _, err := mapTerminal(cfg); err != nil {
		return err
	}
	_, err := mapTelegram(cfg)
	return err
}
