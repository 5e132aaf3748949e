package config

import (
	"hash/fnv"
	"slices"
	"strings"

	logx "countdown/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (tokens) are reported only as set or
// unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oc, nc := oldCfg.Countdown, newCfg.Countdown
	if oc.CountdownEnabled() != nc.CountdownEnabled() ||
		oc.Policy != nc.Policy ||
		oc.Offset() != nc.Offset() ||
		trimNE(oc.Timezone, nc.Timezone) ||
		trimNE(oc.FixedSpan, nc.FixedSpan) ||
		trimNE(oc.Refresh, nc.Refresh) ||
		trimNE(oc.TickTimeout, nc.TickTimeout) {
		changed = append(changed, "countdown")
		attrs = append(attrs,
			logx.Bool("countdown.enabled", nc.CountdownEnabled()),
			logx.String("countdown.policy", nc.Policy),
			logx.Int("countdown.offset_minutes", nc.Offset()),
			logx.String("countdown.refresh", strings.TrimSpace(nc.Refresh)),
		)
		if oc.Offset() != nc.Offset() {
			attrs = append(attrs, logx.Bool("countdown.restart_required", true))
		}
	}

	if trimNE(oldCfg.Scheduler.Timezone, newCfg.Scheduler.Timezone) ||
		trimNE(oldCfg.Scheduler.DefaultTimeout, newCfg.Scheduler.DefaultTimeout) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
		)
	}

	nr := newCfg.Render
	nt := nr.Telegram
	if oldCfg.Render != nr {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.Bool("render.log", nr.Log.Enabled),
			logx.Bool("render.terminal", nr.Terminal.Enabled),
			logx.Bool("render.telegram", nt.Enabled),
			logx.Bool("render.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.String("storage.path", nst.Path),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if oh.Enabled != nh.Enabled || trimNE(oh.Addr, nh.Addr) || oh.AllowInsecure != nh.AllowInsecure ||
		oh.Pprof != nh.Pprof || !slices.Equal(oh.CORSOrigins, nh.CORSOrigins) ||
		trimNE(oh.ReadTimeout, nh.ReadTimeout) ||
		trimNE(oh.WriteTimeout, nh.WriteTimeout) || trimNE(oh.IdleTimeout, nh.IdleTimeout) ||
		strings.TrimSpace(oh.Token) != strings.TrimSpace(nh.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	return changed, attrs
}

func trimNE(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
