package countdown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"countdown/internal/eventbus"
	"countdown/internal/task/scheduler"
	logx "countdown/pkg/logx"
)

const (
	// RefreshTrigger is the name of the periodic refresh trigger.
	RefreshTrigger = "countdown.refresh"
	// RolloverTrigger is the name of the one-shot trigger armed at the target.
	RolloverTrigger = "countdown.rollover"

	// DefaultRefresh is the refresh schedule when none is configured.
	DefaultRefresh     = "1m"
	defaultTickTimeout = 10 * time.Second
)

// Renderer consumes frames. Implementations live in internal/render.
type Renderer interface {
	Name() string
	Render(ctx context.Context, f Frame) error
}

// Triggers schedules the refresh work. Schedules use the trigger service's
// syntax: a duration ("1m"), HH:MM ("00:01") or a cron expression.
type Triggers interface {
	AddSchedule(name, schedule string, timeout time.Duration, job scheduler.Job) (string, error)
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.Job) (string, error)
	Remove(name string) bool
}

// Recorder keeps an audit trail of target recomputations.
type Recorder interface {
	RecordRollover(ctx context.Context, f Frame) error
}

// Observer receives per-tick measurements (metrics).
type Observer interface {
	ObserveFrame(f Frame)
	ObserveSinkError(sink string)
}

type Config struct {
	Enabled     bool
	Policy      PolicyConfig
	Refresh     string
	TickTimeout time.Duration
}

func (c Config) refresh() string {
	if r := strings.TrimSpace(c.Refresh); r != "" {
		return r
	}
	return DefaultRefresh
}

func (c Config) timeout() time.Duration {
	if c.TickTimeout <= 0 {
		return defaultTickTimeout
	}
	return c.TickTimeout
}

// Deps are the collaborators of a Service. Only Triggers is required; Clock
// defaults to SystemClock.
type Deps struct {
	Log      logx.Logger
	Clock    Clock
	Triggers Triggers
	Bus      eventbus.Bus
	Recorder Recorder
	Observer Observer
}

// Service drives a Scheduler from triggers and pushes frames to renderers.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sinks   []Renderer
	running bool

	// tickMu serializes ticks; the scheduler has a single writer.
	tickMu   sync.Mutex
	armedFor time.Time
	expired  bool

	log      logx.Logger
	clock    Clock
	triggers Triggers
	bus      eventbus.Bus
	recorder Recorder
	observer Observer

	sched *Scheduler

	ticks      atomic.Uint64
	rollovers  atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewService builds the policy from cfg. Without a policy name it counts down
// to the next Brisbane month.
func NewService(cfg Config, deps Deps, sinks ...Renderer) (*Service, error) {
	if deps.Triggers == nil {
		return nil, fmt.Errorf("countdown: triggers required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	policy, err := NewPolicy(cfg.Policy, clock.Now())
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:      cfg,
		sinks:    append([]Renderer(nil), sinks...),
		log:      log,
		clock:    clock,
		triggers: deps.Triggers,
		bus:      deps.Bus,
		recorder: deps.Recorder,
		observer: deps.Observer,
		sched:    NewScheduler(policy),
	}, nil
}

// Start renders the first frame and registers the refresh triggers. It is a
// no-op when the countdown is disabled or no renderer is configured.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	nsinks := len(s.sinks)
	if !cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("countdown disabled")
		return nil
	}
	if nsinks == 0 {
		s.mu.Unlock()
		s.log.Info("no render sink configured; countdown not started")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	f := s.tick(ctx, false)

	if _, err := s.triggers.AddSchedule(RefreshTrigger, cfg.refresh(), cfg.timeout(), s.refreshJob); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.tickMu.Lock()
		if !s.armedFor.IsZero() {
			s.triggers.Remove(RolloverTrigger)
			s.armedFor = time.Time{}
		}
		s.tickMu.Unlock()
		return fmt.Errorf("register refresh trigger: %w", err)
	}

	s.log.Info("countdown started",
		logx.String("policy", f.Policy),
		logx.Time("target", f.Target),
		logx.String("display", f.Display.String()),
		logx.String("refresh", cfg.refresh()),
		logx.Int("sinks", nsinks),
	)
	return nil
}

// Stop removes the triggers. Renderers are owned by the caller.
func (s *Service) Stop(context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.triggers.Remove(RefreshTrigger)
	s.triggers.Remove(RolloverTrigger)

	s.tickMu.Lock()
	s.armedFor = time.Time{}
	s.tickMu.Unlock()
	s.log.Info("countdown stopped", logx.Uint64("ticks", s.ticks.Load()))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Apply swaps the runtime config. The fixed offset is a config-time constant:
// changing it on a running service only logs that a restart is required.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	old := s.cfg
	running := s.running
	if running && old.Policy.Offset != cfg.Policy.Offset {
		s.log.Warn("offset change requires restart; keeping running offset",
			logx.String("running", old.Policy.Offset.String()),
			logx.String("configured", cfg.Policy.Offset.String()),
		)
		cfg.Policy.Offset = old.Policy.Offset
	}
	s.cfg = cfg
	s.mu.Unlock()

	if !samePolicy(old.Policy, cfg.Policy) {
		policy, err := NewPolicy(cfg.Policy, s.clock.Now())
		if err != nil {
			s.log.Error("policy rejected; keeping current", logx.Err(err))
		} else {
			s.tickMu.Lock()
			s.sched.Reset(policy, s.clock.Now())
			s.armedFor = time.Time{}
			s.expired = false
			s.tickMu.Unlock()
			s.log.Info("countdown policy changed", logx.String("policy", policy.Name()))
			if running {
				s.tick(ctx, false)
			}
		}
	}

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		if err := s.Start(ctx); err != nil {
			s.log.Error("countdown start failed", logx.Err(err))
		}
	case running && old.refresh() != cfg.refresh():
		if _, err := s.triggers.AddSchedule(RefreshTrigger, cfg.refresh(), cfg.timeout(), s.refreshJob); err != nil {
			s.log.Error("refresh trigger update failed", logx.Err(err))
		} else {
			s.log.Info("refresh schedule changed", logx.String("refresh", cfg.refresh()))
		}
	}
}

func samePolicy(a, b PolicyConfig) bool {
	if a.Name != b.Name || a.Offset != b.Offset || a.FixedSpan != b.FixedSpan {
		return false
	}
	return locName(a.Location) == locName(b.Location)
}

func locName(l *time.Location) string {
	if l == nil {
		return ""
	}
	return l.String()
}

// SetSinks replaces the renderers used by subsequent ticks.
func (s *Service) SetSinks(sinks ...Renderer) {
	s.mu.Lock()
	s.sinks = append([]Renderer(nil), sinks...)
	s.mu.Unlock()
}

// Refresh evaluates the countdown now, outside of the trigger schedule.
func (s *Service) Refresh(ctx context.Context) Frame {
	return s.tick(ctx, false)
}

func (s *Service) refreshJob(ctx context.Context) error {
	s.tick(ctx, false)
	return nil
}

func (s *Service) rolloverJob(ctx context.Context) error {
	s.tick(ctx, true)
	return nil
}

// tick evaluates one frame and fans it out. fromRollover marks a run of the
// one-shot trigger, which has been consumed and may need re-arming.
func (s *Service) tick(ctx context.Context, fromRollover bool) Frame {
	if ctx == nil {
		ctx = context.Background()
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if fromRollover {
		s.armedFor = time.Time{}
	}

	f := s.sched.Tick(s.clock.Now())
	s.ticks.Add(1)

	s.render(ctx, f)
	s.publish(f)
	if f.Rollover {
		s.rollovers.Add(1)
		s.log.Info("rollover",
			logx.Time("previous", f.PreviousTarget),
			logx.Time("next", f.Target),
			logx.Uint64("cycle", f.Cycle),
		)
		s.record(ctx, f)
	}
	if s.observer != nil {
		s.observer.ObserveFrame(f)
	}
	s.armRolloverLocked(f)
	return f
}

func (s *Service) render(ctx context.Context, f Frame) {
	s.mu.Lock()
	sinks := s.sinks
	s.mu.Unlock()
	for _, sink := range sinks {
		if err := sink.Render(ctx, f); err != nil {
			s.sinkErrors.Add(1)
			if s.observer != nil {
				s.observer.ObserveSinkError(sink.Name())
			}
			s.log.Warn("render failed", logx.String("sink", sink.Name()), logx.Err(err))
		}
	}
}

func (s *Service) publish(f Frame) {
	if s.bus == nil {
		return
	}
	tick := eventbus.Tick{
		Days:    f.Display.Days,
		Hours:   f.Display.Hours,
		Minutes: f.Display.Minutes,
		Target:  f.Target,
		Cycle:   f.Cycle,
		Changed: f.Changed.Names(),
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Time: f.At, Data: tick})
	if f.Changed.Any() {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeChanged, Time: f.At, Data: tick})
	}
	if f.Rollover {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRollover, Time: f.At, Data: eventbus.Rollover{
			Policy:   f.Policy,
			Cycle:    f.Cycle,
			Previous: f.PreviousTarget,
			Next:     f.Target,
		}})
	}
	if f.Expired && !s.expired {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeExpired, Time: f.At, Data: tick})
	}
}

func (s *Service) record(ctx context.Context, f Frame) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordRollover(ctx, f); err != nil {
		s.log.Warn("rollover record failed", logx.Err(err))
	}
}

// armRolloverLocked keeps a one-shot trigger on the current target so a
// rollover shows up without waiting for the next refresh. Call with tickMu held.
func (s *Service) armRolloverLocked(f Frame) {
	if f.Expired {
		if !s.expired {
			s.expired = true
			s.log.Info("countdown expired", logx.Time("target", f.Target))
		}
		if !s.armedFor.IsZero() {
			s.triggers.Remove(RolloverTrigger)
			s.armedFor = time.Time{}
		}
		return
	}
	s.expired = false
	if s.armedFor.Equal(f.Target) || !s.Running() {
		return
	}
	if _, err := s.triggers.AddOnce(RolloverTrigger, f.Target, s.timeout(), s.rolloverJob); err != nil {
		s.log.Warn("rollover trigger failed", logx.Err(err))
		return
	}
	s.armedFor = f.Target
	s.log.Debug("rollover trigger armed", logx.Time("at", f.Target))
}

func (s *Service) timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.timeout()
}

// Status is a point-in-time view for status endpoints.
type Status struct {
	Running    bool          `json:"running"`
	Policy     string        `json:"policy"`
	Offset     string        `json:"offset,omitempty"`
	Refresh    string        `json:"refresh"`
	Sinks      []string      `json:"sinks"`
	Ticks      uint64        `json:"ticks"`
	Rollovers  uint64        `json:"rollovers"`
	SinkErrors uint64        `json:"sink_errors"`
	Frame      *Frame        `json:"frame,omitempty"`
}

func (s *Service) Snapshot() Status {
	s.mu.Lock()
	st := Status{
		Running: s.running,
		Refresh: s.cfg.refresh(),
		Sinks:   make([]string, 0, len(s.sinks)),
	}
	for _, sink := range s.sinks {
		st.Sinks = append(st.Sinks, sink.Name())
	}
	s.mu.Unlock()

	policy := s.sched.Policy()
	st.Policy = policy.Name()
	if mp, ok := policy.(MonthlyPolicy); ok {
		st.Offset = mp.Offset.String()
	}
	st.Ticks = s.ticks.Load()
	st.Rollovers = s.rollovers.Load()
	st.SinkErrors = s.sinkErrors.Load()
	if f, ok := s.sched.Last(); ok {
		st.Frame = &f
	}
	return st
}
