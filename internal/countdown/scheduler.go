package countdown

import (
	"sync"
	"time"
)

type Slot int

const (
	SlotDays Slot = iota
	SlotHours
	SlotMinutes
)

// Slots lists the display slots in render order.
var Slots = [...]Slot{SlotDays, SlotHours, SlotMinutes}

func (s Slot) String() string {
	switch s {
	case SlotDays:
		return "days"
	case SlotHours:
		return "hours"
	case SlotMinutes:
		return "minutes"
	default:
		return "unknown"
	}
}

// SlotMask is a set of slots whose value changed since the previous frame.
type SlotMask uint8

func (m SlotMask) Has(s Slot) bool { return m&(1<<uint(s)) != 0 }
func (m SlotMask) Any() bool       { return m != 0 }

func (m SlotMask) with(s Slot) SlotMask { return m | 1<<uint(s) }

// Names lists the changed slots in render order.
func (m SlotMask) Names() []string {
	var out []string
	for _, s := range Slots {
		if m.Has(s) {
			out = append(out, s.String())
		}
	}
	return out
}

// AllSlots marks every slot as changed (first frame).
const AllSlots = SlotMask(1<<SlotDays | 1<<SlotHours | 1<<SlotMinutes)

func diffDisplays(prev, next Display) SlotMask {
	var m SlotMask
	for _, s := range Slots {
		if prev.Slot(s) != next.Slot(s) {
			m = m.with(s)
		}
	}
	return m
}

// Frame is the outcome of a single tick. Sinks receive one per tick.
type Frame struct {
	At        time.Time `json:"at"`
	Policy    string    `json:"policy"`
	Target    time.Time `json:"target"`
	Cycle     uint64    `json:"cycle"`
	Remaining Remaining `json:"remaining"`
	Display   Display   `json:"display"`
	Previous  Display   `json:"-"`
	Changed   SlotMask  `json:"-"`

	// Rollover is set on the tick that found the previous target reached and
	// armed a new one; PreviousTarget holds the old value.
	Rollover       bool      `json:"rollover"`
	PreviousTarget time.Time `json:"previous_target,omitempty"`

	// Expired is set when recomputation cannot yield a future target
	// (single-shot policies). The display is then pinned to zeros.
	Expired bool `json:"expired"`
}

// Scheduler owns the countdown target. Tick and Reset are its only mutators.
type Scheduler struct {
	mu sync.Mutex

	policy Policy
	target time.Time
	cycle  uint64
	armed  bool

	last    Frame
	hasLast bool
}

func NewScheduler(policy Policy) *Scheduler {
	if policy == nil {
		policy = MonthlyPolicy{Offset: Brisbane}
	}
	return &Scheduler{policy: policy}
}

// Init computes the first target. It is implied by the first Tick.
func (s *Scheduler) Init(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(now)
	return s.target
}

func (s *Scheduler) armLocked(now time.Time) {
	s.target = s.policy.Next(now)
	s.cycle = 1
	s.armed = true
}

// Tick derives the remaining time at now. If the target has been reached it is
// recomputed first, so a frame never carries a negative or zero remaining time
// for a live countdown.
func (s *Scheduler) Tick(now time.Time) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed {
		s.armLocked(now)
	}

	f := Frame{At: now, Policy: s.policy.Name()}

	rem, ok := RemainingUntil(s.target, now)
	if !ok {
		prev := s.target
		next := s.policy.Next(now)
		if !next.Equal(prev) {
			s.target = next
			s.cycle++
			f.Rollover = true
			f.PreviousTarget = prev
		}
		rem, ok = RemainingUntil(s.target, now)
	}

	f.Target = s.target
	f.Cycle = s.cycle
	if ok {
		f.Remaining = rem
		f.Display = rem.Display()
	} else {
		f.Expired = true
		f.Display = ZeroDisplay
	}

	if s.hasLast {
		f.Previous = s.last.Display
		f.Changed = diffDisplays(f.Previous, f.Display)
	} else {
		f.Changed = AllSlots
	}

	s.last = f
	s.hasLast = true
	return f
}

// Reset swaps the policy and re-arms from now. The next frame reports every slot
// as changed.
func (s *Scheduler) Reset(policy Policy, now time.Time) {
	if policy == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
	s.armLocked(now)
	s.hasLast = false
}

// Target returns the current target (zero before Init/Tick).
func (s *Scheduler) Target() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// Last returns the most recent frame.
func (s *Scheduler) Last() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}
