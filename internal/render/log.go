package render

import (
	"context"
	"strings"

	"countdown/internal/countdown"
	"countdown/pkg/logx"
)

// LogSink writes frames to the structured log. Changed frames are logged at
// info, unchanged refreshes at debug.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSink{log: log.With(logx.String("sink", "log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Render(_ context.Context, f countdown.Frame) error {
	fields := []logx.Field{
		logx.String("days", f.Display.Days),
		logx.String("hours", f.Display.Hours),
		logx.String("minutes", f.Display.Minutes),
		logx.Time("target", f.Target),
		logx.Uint64("cycle", f.Cycle),
	}
	switch {
	case f.Expired:
		s.log.Info("countdown expired", fields...)
	case f.Rollover:
		fields = append(fields, logx.Time("previous_target", f.PreviousTarget))
		s.log.Info("countdown rolled over", fields...)
	case f.Changed.Any():
		fields = append(fields, logx.String("changed", strings.Join(f.Changed.Names(), ",")))
		s.log.Info("countdown", fields...)
	default:
		s.log.Debug("countdown unchanged", fields...)
	}
	return nil
}
