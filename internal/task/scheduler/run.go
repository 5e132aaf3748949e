package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"countdown/internal/eventbus"
	logx "countdown/pkg/logx"
)

const errWarnThrottle = 5 * time.Second

// run executes a job synchronously with its timeout and records the outcome.
func (s *Service) run(name string, timeout time.Duration, job Job) {
	s.mu.Lock()
	parent := s.runCtx
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return
	}

	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job(ctx)
	}()
	took := time.Since(start)

	s.noteRun(name, start, took, err)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTriggerFired,
			Time: start,
			Data: eventbus.TriggerFired{Name: name, Took: took, Err: errString(err)},
		})
	}
	if err != nil {
		s.reportJobError(name, err)
		return
	}
	s.log.Trace("job done", logx.String("name", name), logx.Duration("took", took))
}

func (s *Service) noteRun(name string, at time.Time, took time.Duration, err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st := s.statsLocked(name)
	st.runs++
	st.lastRun = at
	st.lastDur = took
	if err != nil {
		st.fails++
		st.lastErr = err.Error()
	}
}

func (s *Service) noteSkip(name string) {
	s.statsMu.Lock()
	s.statsLocked(name).skipped++
	s.statsMu.Unlock()
	s.log.Debug("trigger skipped; previous run still in flight", logx.String("name", name))
}

func (s *Service) statsLocked(name string) *runStats {
	st := s.stats[name]
	if st == nil {
		st = &runStats{}
		s.stats[name] = st
	}
	return st
}

func (s *Service) reportJobError(name string, err error) {
	// Cancellation during Stop is expected.
	if errors.Is(err, context.Canceled) {
		s.log.Debug("job canceled", logx.String("name", name))
		return
	}

	now := time.Now()
	s.errMu.Lock()
	last := s.lastErrWarn[name]
	if !last.IsZero() && now.Sub(last) < errWarnThrottle {
		s.errMu.Unlock()
		return
	}
	s.lastErrWarn[name] = now
	s.errMu.Unlock()

	s.log.Warn("job failed", logx.String("name", name), logx.Err(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
