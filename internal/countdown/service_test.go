package countdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"countdown/internal/eventbus"
	"countdown/internal/task/scheduler"
)

type fakeTriggers struct {
	mu        sync.Mutex
	schedules map[string]string
	jobs      map[string]scheduler.Job
	once      map[string]time.Time
	// scheduleErr fails AddSchedule.
	scheduleErr error
}

func newFakeTriggers() *fakeTriggers {
	return &fakeTriggers{
		schedules: map[string]string{},
		jobs:      map[string]scheduler.Job{},
		once:      map[string]time.Time{},
	}
}

func (f *fakeTriggers) AddSchedule(name, schedule string, _ time.Duration, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return "", f.scheduleErr
	}
	f.schedules[name] = schedule
	f.jobs[name] = job
	return name, nil
}

func (f *fakeTriggers) schedule(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules[name]
}

func (f *fakeTriggers) AddOnce(name string, at time.Time, _ time.Duration, job scheduler.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once[name] = at
	f.jobs[name] = job
	return name, nil
}

func (f *fakeTriggers) Remove(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, a := f.schedules[name]
	_, b := f.once[name]
	delete(f.schedules, name)
	delete(f.once, name)
	delete(f.jobs, name)
	return a || b
}

// fire runs a registered job the way the trigger service would. One-shots are
// consumed.
func (f *fakeTriggers) fire(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	job := f.jobs[name]
	if _, ok := f.once[name]; ok {
		delete(f.once, name)
		delete(f.jobs, name)
	}
	f.mu.Unlock()
	if job == nil {
		t.Fatalf("trigger %q not registered", name)
	}
	if err := job(context.Background()); err != nil {
		t.Fatalf("job %q: %v", name, err)
	}
}

func (f *fakeTriggers) onceAt(name string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.once[name]
	return at, ok
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Render(_ context.Context, f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return r.err
}

func (r *recordingSink) last() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type recorderFunc func(ctx context.Context, f Frame) error

func (fn recorderFunc) RecordRollover(ctx context.Context, f Frame) error { return fn(ctx, f) }

type countingObserver struct {
	mu         sync.Mutex
	frames     int
	sinkErrors map[string]int
}

func (o *countingObserver) ObserveFrame(Frame) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveSinkError(sink string) {
	o.mu.Lock()
	if o.sinkErrors == nil {
		o.sinkErrors = map[string]int{}
	}
	o.sinkErrors[sink]++
	o.mu.Unlock()
}

func monthlyConfig() Config {
	return Config{Enabled: true, Policy: PolicyConfig{Name: PolicyMonthly, Offset: Brisbane}}
}

func TestServiceStartRendersImmediately(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 15, 0, 0, 0))
	trig := newFakeTriggers()
	sink := &recordingSink{}

	svc, err := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())

	if sink.count() != 1 {
		t.Fatalf("frames after start = %d, want 1", sink.count())
	}
	if got := sink.last().Display; got != (Display{Days: "16", Hours: "14", Minutes: "00"}) {
		t.Fatalf("display = %+v", got)
	}
	if got := trig.schedule(RefreshTrigger); got != DefaultRefresh {
		t.Fatalf("refresh schedule = %q, want %q", got, DefaultRefresh)
	}
	at, ok := trig.onceAt(RolloverTrigger)
	if !ok || !at.Equal(utc(2024, time.January, 31, 14, 0, 0)) {
		t.Fatalf("rollover trigger at %v (armed=%v)", at, ok)
	}

	clock.Advance(time.Minute)
	trig.fire(t, RefreshTrigger)
	if got := sink.last(); got.Display.Minutes != "59" || !got.Changed.Has(SlotMinutes) {
		t.Fatalf("after refresh: %+v", got)
	}
}

func TestServiceWithoutSinksDoesNotStart(t *testing.T) {
	t.Parallel()
	trig := newFakeTriggers()
	svc, err := NewService(monthlyConfig(), Deps{Triggers: trig})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if svc.Running() || len(trig.jobs) != 0 {
		t.Fatal("service without sinks must stay idle")
	}
}

func TestServiceRolloverTrigger(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 31, 13, 59, 0))
	trig := newFakeTriggers()
	sink := &recordingSink{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeRollover)
	defer unsub()

	var recorded []Frame
	rec := recorderFunc(func(_ context.Context, f Frame) error {
		recorded = append(recorded, f)
		return nil
	})

	svc, err := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig, Bus: bus, Recorder: rec}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())

	clock.Set(utc(2024, time.January, 31, 14, 0, 0))
	trig.fire(t, RolloverTrigger)

	f := sink.last()
	if !f.Rollover || f.Cycle != 2 {
		t.Fatalf("expected rollover frame, got %+v", f)
	}
	if len(recorded) != 1 || !recorded[0].PreviousTarget.Equal(utc(2024, time.January, 31, 14, 0, 0)) {
		t.Fatalf("recorded = %+v", recorded)
	}
	select {
	case e := <-events:
		if r := e.Data.(eventbus.Rollover); r.Cycle != 2 {
			t.Fatalf("rollover event = %+v", r)
		}
	default:
		t.Fatal("no rollover event published")
	}

	at, ok := trig.onceAt(RolloverTrigger)
	if !ok || !at.Equal(utc(2024, time.February, 29, 14, 0, 0)) {
		t.Fatalf("rollover trigger not re-armed: %v %v", at, ok)
	}
}

func TestServiceRearmsAfterEarlyOneShot(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 31, 13, 0, 0))
	trig := newFakeTriggers()
	sink := &recordingSink{}
	svc, _ := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig}, sink)
	_ = svc.Start(context.Background())
	defer svc.Stop(context.Background())

	// The host clock lags the timer: no rollover yet, trigger must come back.
	trig.fire(t, RolloverTrigger)
	if sink.last().Rollover {
		t.Fatal("unexpected rollover")
	}
	if _, ok := trig.onceAt(RolloverTrigger); !ok {
		t.Fatal("one-shot not re-armed")
	}
}

func TestServiceSinkErrorsDoNotStopCountdown(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 15, 0, 0, 0))
	trig := newFakeTriggers()
	bad := &recordingSink{err: errors.New("offline")}
	obs := &countingObserver{}

	svc, _ := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig, Observer: obs}, bad)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())
	trig.fire(t, RefreshTrigger)

	st := svc.Snapshot()
	if !st.Running || st.Ticks != 2 || st.SinkErrors != 2 {
		t.Fatalf("status = %+v", st)
	}
	if obs.frames != 2 || obs.sinkErrors["recording"] != 2 {
		t.Fatalf("observer = %+v", obs)
	}
	if st.Offset != "UTC+10:00" || st.Frame == nil || st.Frame.Display.Days != "16" {
		t.Fatalf("status = %+v", st)
	}
}

func TestServiceFixedPolicyExpires(t *testing.T) {
	t.Parallel()
	start := utc(2024, time.June, 1, 0, 0, 0)
	clock := NewFrozenClock(start)
	trig := newFakeTriggers()
	sink := &recordingSink{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeExpired)
	defer unsub()

	cfg := Config{Enabled: true, Policy: PolicyConfig{Name: PolicyFixed, FixedSpan: 2 * time.Minute}}
	svc, err := NewService(cfg, Deps{Clock: clock, Triggers: trig, Bus: bus}, sink)
	if err != nil {
		t.Fatal(err)
	}
	_ = svc.Start(context.Background())
	defer svc.Stop(context.Background())

	clock.Advance(2 * time.Minute)
	trig.fire(t, RolloverTrigger)
	if f := sink.last(); !f.Expired || f.Display != ZeroDisplay {
		t.Fatalf("frame = %+v", f)
	}
	trig.fire(t, RefreshTrigger)
	if len(events) != 1 {
		t.Fatalf("expired events = %d, want 1", len(events))
	}
	if _, ok := trig.onceAt(RolloverTrigger); ok {
		t.Fatal("expired countdown must not keep a one-shot")
	}
}

func TestServiceApply(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 15, 0, 0, 0))
	trig := newFakeTriggers()
	sink := &recordingSink{}
	svc, _ := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig}, sink)
	_ = svc.Start(context.Background())
	defer svc.Stop(context.Background())

	// Offset changes need a restart.
	cfg := monthlyConfig()
	cfg.Policy.Offset = 0
	cfg.Refresh = "*/5 * * * *"
	svc.Apply(context.Background(), cfg)
	if st := svc.Snapshot(); st.Offset != "UTC+10:00" || st.Refresh != "*/5 * * * *" {
		t.Fatalf("status after apply = %+v", st)
	}
	if got := trig.schedule(RefreshTrigger); got != "*/5 * * * *" {
		t.Fatalf("refresh trigger = %q", got)
	}

	// A policy switch repaints immediately.
	n := sink.count()
	cfg.Policy.Name = PolicyFixed
	cfg.Policy.FixedSpan = time.Hour
	svc.Apply(context.Background(), cfg)
	if sink.count() != n+1 {
		t.Fatal("policy change did not render")
	}
	if f := sink.last(); f.Policy != PolicyFixed || f.Changed != AllSlots {
		t.Fatalf("frame = %+v", f)
	}

	cfg.Enabled = false
	svc.Apply(context.Background(), cfg)
	if svc.Running() || len(trig.jobs) != 0 {
		t.Fatal("disabling must stop the service")
	}
}

func TestServiceStartFailureClearsRolloverTrigger(t *testing.T) {
	t.Parallel()
	clock := NewFrozenClock(utc(2024, time.January, 15, 0, 0, 0))
	trig := newFakeTriggers()
	trig.scheduleErr = errors.New("bad schedule")
	sink := &recordingSink{}

	svc, err := NewService(monthlyConfig(), Deps{Clock: clock, Triggers: trig}, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded without a refresh trigger")
	}
	if svc.Running() {
		t.Fatal("service reports running after a failed start")
	}
	if at, ok := trig.onceAt(RolloverTrigger); ok {
		t.Fatalf("rollover trigger left armed at %v", at)
	}

	// A later start arms the rollover trigger again.
	trig.mu.Lock()
	trig.scheduleErr = nil
	trig.mu.Unlock()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer svc.Stop(context.Background())
	if _, ok := trig.onceAt(RolloverTrigger); !ok {
		t.Fatal("rollover trigger not armed after restart")
	}
}
