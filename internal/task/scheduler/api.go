package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "countdown/pkg/logx"
)

var ErrNameRequired = errors.New("name required")

// AddSchedule parses schedule and registers either a cron or an interval trigger.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 0 1 * *", "@monthly", "@every 1m"
//   - Interval duration: "1m", "2h30m"
//   - Interval HH:MM: "00:01" (1 minute), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.addDef(name, "cron", spec, timeout, job)
}

// AddInterval fires every `every`, first at now+every.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return s.addDef(name, "interval", "@every "+every.String(), timeout, job)
}

func (s *Service) addDef(name, kind, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if job == nil {
		return "", fmt.Errorf("%s: job required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so repeated registrations (e.g. on reload) never duplicate.
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)

	d := scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		busy:    &atomic.Bool{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: registered when Start runs.
		return name, nil
	}
	err := s.addCronLocked(&s.defs[len(s.defs)-1])
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	args := []logx.Field{logx.String("name", name), logx.String("id", d.id), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return name, nil
}

// AddOnce fires job once at `at`. A past instant fires immediately. Registering
// the same name again replaces the pending trigger.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", fmt.Errorf("%s: job required", name)
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	d := s.once[name]
	if d == nil {
		d = &onceDef{}
		s.once[name] = d
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Bump the version so a stale callback from a replaced timer is ignored.
	d.ver++
	d.at = at
	d.timeout = timeout
	d.job = job
	if running {
		s.armOnceLocked(name, d)
	}
	s.tmu.Unlock()

	s.log.Debug("one-shot registered", logx.String("name", name), logx.Time("at", at), logx.Bool("armed", running))
	return name, nil
}

// Remove unschedules every trigger with the given name. It reports whether
// something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked drops every def named name and unregisters it from cron.
// Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, busy := d.name, d.timeout, d.job, d.busy
	eid, err := s.c.AddFunc(d.spec, func() {
		if !busy.CompareAndSwap(false, true) {
			s.noteSkip(name)
			return
		}
		defer busy.Store(false)
		s.run(name, timeout, job)
	})
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

// armOnceLocked starts the timer for d. Call with s.tmu held.
func (s *Service) armOnceLocked(name string, d *onceDef) {
	delay := time.Until(d.at)
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	d.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		job, timeout := cur.job, cur.timeout
		s.tmu.Unlock()

		s.run(name, timeout, job)
	})
}

// rearmOnceLocked recreates timers from the pending one-shot definitions.
func (s *Service) rearmOnceLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
		}
		s.armOnceLocked(name, d)
	}
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if n <= 0 || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
