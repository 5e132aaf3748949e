// Package eventbus fans countdown events out to in-process subscribers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event and
// the drop is counted.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// TypeTick is published for every evaluated frame.
	TypeTick = "countdown.tick"
	// TypeChanged is published when at least one display slot changed.
	TypeChanged = "countdown.changed"
	// TypeRollover is published when the target was recomputed.
	TypeRollover = "countdown.rollover"
	// TypeExpired is published once when a single-shot target has passed.
	TypeExpired = "countdown.expired"
	// TypeTriggerFired is published by the trigger service after each job run.
	TypeTriggerFired = "trigger.fired"
	// TypeConfigApplied is published after a config reload was applied.
	TypeConfigApplied = "config.applied"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Tick carries the rendered slots of one frame.
type Tick struct {
	Days    string    `json:"days"`
	Hours   string    `json:"hours"`
	Minutes string    `json:"minutes"`
	Target  time.Time `json:"target"`
	Cycle   uint64    `json:"cycle"`
	Changed []string  `json:"changed,omitempty"`
}

type Rollover struct {
	Policy   string    `json:"policy"`
	Cycle    uint64    `json:"cycle"`
	Previous time.Time `json:"previous"`
	Next     time.Time `json:"next"`
}

type TriggerFired struct {
	Name string        `json:"name"`
	Took time.Duration `json:"took"`
	Err  string        `json:"err,omitempty"`
}

type ConfigApplied struct {
	Summary string `json:"summary"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber. With no types every event is
	// delivered; otherwise only the listed types are.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber
	// was full.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.ch, e)
	}
}

// deliver tolerates a channel closed by a concurrent unsubscribe.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
