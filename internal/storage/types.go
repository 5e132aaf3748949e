package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Rollover records a target recomputation.
type Rollover struct {
	ID             string    `json:"id"`
	Policy         string    `json:"policy"`
	Cycle          uint64    `json:"cycle"`
	PreviousTarget time.Time `json:"previous_target"`
	NextTarget     time.Time `json:"next_target"`
	ObservedAt     time.Time `json:"observed_at"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
