package countdown

import (
	"fmt"
	"time"
)

const (
	msPerMinute = int64(60_000)
	msPerHour   = int64(3_600_000)
	msPerDay    = int64(86_400_000)
)

// Offset is a fixed UTC offset in whole minutes. Daylight saving is not modeled.
type Offset int

// Brisbane is UTC+10:00 all year round.
const Brisbane Offset = 600

func (o Offset) Duration() time.Duration { return time.Duration(o) * time.Minute }

// Location returns a fixed zone for presenting instants in the target timezone.
func (o Offset) Location() *time.Location {
	return time.FixedZone(o.String(), int(o)*60)
}

// String renders the offset as "UTC+10:00".
func (o Offset) String() string {
	sign := '+'
	m := int(o)
	if m < 0 {
		sign = '-'
		m = -m
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, m/60, m%60)
}

// NextRollover returns the instant of 00:00:00.000 on day 1 of the month after
// the one now falls in, as observed at offset.
//
// The wall clock in the target zone is obtained by shifting now forward by the
// offset; the resulting midnight (built in UTC) is shifted back by the same
// offset. Applying the offset in both directions keeps the result free of
// off-by-offset drift.
func NextRollover(now time.Time, offset Offset) time.Time {
	wall := now.UTC().Add(offset.Duration())
	year, month := wall.Year(), wall.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	midnight := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return midnight.Add(-offset.Duration())
}

// Remaining is target-now decomposed into whole days, hours within the day and
// minutes within the hour. Seconds are truncated.
type Remaining struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Millis reconstructs the duration the decomposition accounts for.
func (r Remaining) Millis() int64 {
	return int64(r.Days)*msPerDay + int64(r.Hours)*msPerHour + int64(r.Minutes)*msPerMinute
}

// Display renders the three slots as two-digit zero-padded strings.
func (r Remaining) Display() Display {
	return Display{
		Days:    pad2(r.Days),
		Hours:   pad2(r.Hours),
		Minutes: pad2(r.Minutes),
	}
}

// RemainingUntil decomposes target-now. It reports false when the target has been
// reached or passed (the rollover occurred); the caller must recompute the target
// and try again. A diff of exactly zero counts as a rollover, never as a zero
// duration.
func RemainingUntil(target, now time.Time) (Remaining, bool) {
	diff := target.UnixMilli() - now.UnixMilli()
	if diff <= 0 {
		return Remaining{}, false
	}
	return Remaining{
		Days:    int(diff / msPerDay),
		Hours:   int(diff % msPerDay / msPerHour),
		Minutes: int(diff % msPerHour / msPerMinute),
	}, true
}

// Display is what a render sink shows: three two-digit slots.
type Display struct {
	Days    string `json:"days"`
	Hours   string `json:"hours"`
	Minutes string `json:"minutes"`
}

// ZeroDisplay is shown once a single-shot countdown has expired.
var ZeroDisplay = Display{Days: "00", Hours: "00", Minutes: "00"}

func (d Display) IsZero() bool { return d == Display{} }

func (d Display) String() string {
	return d.Days + "d " + d.Hours + "h " + d.Minutes + "m"
}

// Slot returns the value of a single slot.
func (d Display) Slot(s Slot) string {
	switch s {
	case SlotDays:
		return d.Days
	case SlotHours:
		return d.Hours
	case SlotMinutes:
		return d.Minutes
	default:
		return ""
	}
}

func pad2(v int) string {
	if v < 0 {
		v = 0
	}
	return fmt.Sprintf("%02d", v)
}
