package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"countdown/internal/eventbus"
	logx "countdown/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	// Timezone is an IANA name used to evaluate cron expressions, e.g.
	// "Australia/Brisbane". Empty means the host zone.
	Timezone string
	// DefaultTimeout bounds a single job run when the trigger has no timeout of
	// its own. 0 disables it.
	DefaultTimeout time.Duration
}

// Job is the unit of work bound to a trigger.
type Job func(ctx context.Context) error

type scheduleDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	busy    *atomic.Bool
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runCtx is canceled by Stop so in-flight jobs unwind.
	runCtx    context.Context
	runCancel context.CancelFunc

	// Error throttling, keyed by trigger name.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time

	// One-shot triggers. Definitions survive Stop and are re-armed by Start.
	tmu  sync.Mutex
	once map[string]*onceDef

	statsMu sync.Mutex
	stats   map[string]*runStats
}

type runStats struct {
	runs    uint64
	skipped uint64
	fails   uint64
	lastRun time.Time
	lastErr string
	lastDur time.Duration
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	Fails   uint64        `json:"fails"`
	LastErr string        `json:"last_err,omitempty"`
}

type OnceInfo struct {
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Armed bool      `json:"armed"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	Once      []OnceInfo     `json:"once"`
}
