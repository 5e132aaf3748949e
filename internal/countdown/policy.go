package countdown

import (
	"fmt"
	"strings"
	"time"
)

// Policy decides where the countdown points next.
//
// The observed variants are not equivalent: a monthly policy always yields a
// future instant, while the fixed policy is single-shot and expires.
type Policy interface {
	Name() string
	// Next returns the next target relative to now.
	Next(now time.Time) time.Time
}

const (
	PolicyMonthly      = "monthly"
	PolicyMonthlyLocal = "monthly_local"
	PolicyFixed        = "fixed"
)

// DefaultFixedSpan is the launch countdown of the fixed variant: 13d 4h 17m.
const DefaultFixedSpan = 13*24*time.Hour + 4*time.Hour + 17*time.Minute

// MonthlyPolicy rolls over at midnight on the 1st in a fixed-offset zone.
type MonthlyPolicy struct {
	Offset Offset
}

func (p MonthlyPolicy) Name() string { return PolicyMonthly }

func (p MonthlyPolicy) Next(now time.Time) time.Time { return NextRollover(now, p.Offset) }

// LocalMonthlyPolicy rolls over at midnight on the 1st in a named location
// (the host zone by default). time.Date handles DST gaps at midnight.
type LocalMonthlyPolicy struct {
	Location *time.Location
}

func (p LocalMonthlyPolicy) Name() string { return PolicyMonthlyLocal }

func (p LocalMonthlyPolicy) Next(now time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	wall := now.In(loc)
	return time.Date(wall.Year(), wall.Month()+1, 1, 0, 0, 0, 0, loc)
}

// FixedPolicy points at Start+Span forever. Once that instant passes the
// countdown is expired.
type FixedPolicy struct {
	Start time.Time
	Span  time.Duration
}

func (p FixedPolicy) Name() string { return PolicyFixed }

func (p FixedPolicy) Next(time.Time) time.Time { return p.Start.Add(p.Span) }

// PolicyConfig selects and parameterizes a Policy.
type PolicyConfig struct {
	Name      string
	Offset    Offset
	Location  *time.Location
	FixedSpan time.Duration
}

// NewPolicy builds the configured policy. start anchors the fixed policy.
func NewPolicy(cfg PolicyConfig, start time.Time) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", PolicyMonthly:
		return MonthlyPolicy{Offset: cfg.Offset}, nil
	case PolicyMonthlyLocal:
		return LocalMonthlyPolicy{Location: cfg.Location}, nil
	case PolicyFixed:
		span := cfg.FixedSpan
		if span <= 0 {
			span = DefaultFixedSpan
		}
		return FixedPolicy{Start: start, Span: span}, nil
	default:
		return nil, fmt.Errorf("unknown countdown policy %q (use %s, %s or %s)", cfg.Name, PolicyMonthly, PolicyMonthlyLocal, PolicyFixed)
	}
}
