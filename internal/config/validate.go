package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"time"

	"countdown/internal/task/scheduler"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultOffsetMinutes = 600
	DefaultHTTPAddr      = "127.0.0.1:8080"
	minRefresh           = time.Second
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	// Report JSON paths ("countdown.policy") instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CountdownEnabled reports whether the countdown runs (default true).
func (c CountdownConfig) CountdownEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Offset returns offset_minutes, defaulting to Brisbane.
func (c CountdownConfig) Offset() int {
	if c.OffsetMinutes == nil {
		return DefaultOffsetMinutes
	}
	return *c.OffsetMinutes
}

// Validate checks struct tags and the semantic rules tags cannot express.
// It returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := structValidator.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	errs = append(errs, validateCountdown(cfg.Countdown)...)
	errs = append(errs, validateScheduler(cfg.Scheduler)...)
	errs = append(errs, validateRender(cfg.Render)...)
	errs = append(errs, validateStorage(cfg.Storage)...)
	errs = append(errs, validateHTTP(cfg.HTTP)...)
	return errors.Join(errs...)
}

// Validator adapts Validate to the manager's reload hook.
func Validator(_ context.Context, cfg *Config) error { return Validate(cfg) }

func fieldError(fe validator.FieldError) error {
	ns := fe.Namespace()
	// Drop the root type name.
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	switch fe.Tag() {
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s], got %v", ns, fe.Param(), fe.Value())
	case "min":
		return fmt.Errorf("%s: must be >= %s", ns, fe.Param())
	case "max":
		return fmt.Errorf("%s: must be <= %s", ns, fe.Param())
	case "required_if":
		return fmt.Errorf("%s: required when enabled", ns)
	default:
		return fmt.Errorf("%s: failed %q validation", ns, fe.Tag())
	}
}

func validateCountdown(c CountdownConfig) []error {
	var errs []error
	if raw := strings.TrimSpace(c.Refresh); raw != "" {
		ps, err := scheduler.ValidateSchedule(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("countdown.refresh: %w", err))
		case ps.Kind == scheduler.SpecInterval && ps.Every < minRefresh:
			errs = append(errs, fmt.Errorf("countdown.refresh: must be >= %s", minRefresh))
		}
	}
	if _, err := ParseDurationField("countdown.tick_timeout", c.TickTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("countdown.fixed_span", c.FixedSpan); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("countdown.timezone: %w", err))
		}
	}
	return errs
}

func validateScheduler(c SchedulerConfig) []error {
	var errs []error
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.default_timeout", c.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateRender(c RenderConfig) []error {
	var errs []error
	if _, err := ParseDurationField("render.terminal.transition", c.Terminal.Transition); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("render.telegram.timeout", c.Telegram.Timeout); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateStorage(c *StorageConfig) []error {
	if c == nil {
		return nil
	}
	var errs []error
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver != "" && driver != "none" && strings.TrimSpace(c.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path: required for driver %q", driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateHTTP(c HTTPConfig) []error {
	var errs []error
	for path, raw := range map[string]string{
		"http.read_timeout":  c.ReadTimeout,
		"http.write_timeout": c.WriteTimeout,
		"http.idle_timeout":  c.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if !c.Enabled {
		return errs
	}
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultHTTPAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return append(errs, fmt.Errorf("http.addr: %w", err))
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(c.Token) == "" && !c.AllowInsecure {
		errs = append(errs, fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr))
	}
	return errs
}

// IsLoopbackHost reports whether host only accepts local connections. An empty
// host binds every interface.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
