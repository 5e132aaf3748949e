package countdown

import (
	"testing"
	"time"
)

func TestSchedulerFirstFrameMarksAllSlots(t *testing.T) {
	t.Parallel()
	s := NewScheduler(nil)
	now := utc(2024, time.January, 15, 0, 0, 0)

	f := s.Tick(now)
	if f.Changed != AllSlots || f.Rollover || f.Expired || f.Cycle != 1 {
		t.Fatalf("first frame = %+v", f)
	}
	if f.Display != (Display{Days: "16", Hours: "14", Minutes: "00"}) {
		t.Fatalf("display = %+v", f.Display)
	}

	f = s.Tick(now.Add(10 * time.Second))
	// 16d14h00m -> 16d13h59m
	if f.Changed.Has(SlotDays) || !f.Changed.Has(SlotHours) || !f.Changed.Has(SlotMinutes) {
		t.Fatalf("changed = %v", f.Changed.Names())
	}
	if f.Previous.Minutes != "00" || f.Display.Minutes != "59" {
		t.Fatalf("previous=%+v display=%+v", f.Previous, f.Display)
	}

	f = s.Tick(now.Add(40 * time.Second))
	if f.Changed.Any() {
		t.Fatalf("no slot should change within the same minute: %v", f.Changed.Names())
	}

	f = s.Tick(now.Add(70 * time.Second))
	if names := f.Changed.Names(); len(names) != 1 || names[0] != "minutes" {
		t.Fatalf("changed = %v, want [minutes]", names)
	}
}

func TestSchedulerRecomputesOnRollover(t *testing.T) {
	t.Parallel()
	s := NewScheduler(MonthlyPolicy{Offset: Brisbane})
	first := s.Init(utc(2024, time.January, 15, 0, 0, 0))

	f := s.Tick(first)
	if !f.Rollover || !f.PreviousTarget.Equal(first) {
		t.Fatalf("expected rollover at target, got %+v", f)
	}
	if want := utc(2024, time.February, 29, 14, 0, 0); !f.Target.Equal(want) {
		t.Fatalf("new target = %v, want %v", f.Target, want)
	}
	if f.Cycle != 2 {
		t.Fatalf("cycle = %d, want 2", f.Cycle)
	}
	if f.Remaining.Days != 29 || f.Expired {
		t.Fatalf("frame = %+v", f)
	}
	if !s.Target().Equal(f.Target) {
		t.Fatal("scheduler did not keep the new target")
	}
}

func TestSchedulerFixedPolicyExpires(t *testing.T) {
	t.Parallel()
	start := utc(2024, time.June, 1, 0, 0, 0)
	s := NewScheduler(FixedPolicy{Start: start, Span: time.Hour})

	f := s.Tick(start)
	if f.Display != (Display{Days: "00", Hours: "01", Minutes: "00"}) {
		t.Fatalf("display = %+v", f.Display)
	}

	f = s.Tick(start.Add(2 * time.Hour))
	if !f.Expired || f.Rollover || f.Display != ZeroDisplay {
		t.Fatalf("expected expired zero frame, got %+v", f)
	}
	if f.Cycle != 1 {
		t.Fatalf("expiry must not count as a cycle: %d", f.Cycle)
	}

	f = s.Tick(start.Add(3 * time.Hour))
	if !f.Expired || f.Changed.Any() {
		t.Fatalf("expired countdown must stay put: %+v", f)
	}
}

func TestSchedulerReset(t *testing.T) {
	t.Parallel()
	now := utc(2024, time.January, 15, 0, 0, 0)
	s := NewScheduler(MonthlyPolicy{Offset: Brisbane})
	s.Tick(now)

	s.Reset(MonthlyPolicy{Offset: 0}, now)
	f := s.Tick(now)
	if f.Changed != AllSlots {
		t.Fatalf("reset must repaint every slot, got %v", f.Changed.Names())
	}
	if want := utc(2024, time.February, 1, 0, 0, 0); !f.Target.Equal(want) {
		t.Fatalf("target = %v, want %v", f.Target, want)
	}
	if f.Policy != PolicyMonthly || f.Cycle != 1 {
		t.Fatalf("frame = %+v", f)
	}

	s.Reset(nil, now)
	if s.Policy() == nil {
		t.Fatal("nil policy must be ignored")
	}
}

func TestFrozenClock(t *testing.T) {
	t.Parallel()
	c := NewFrozenClock(utc(2024, time.January, 1, 0, 0, 0))
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(utc(2024, time.January, 1, 0, 1, 30)) {
		t.Fatalf("Now = %v", got)
	}
	c.Set(time.Time{})
	if !c.Now().IsZero() {
		t.Fatal("Set did not take effect")
	}
}
