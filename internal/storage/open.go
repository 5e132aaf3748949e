package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"countdown/internal/countdown"
	logx "countdown/pkg/logx"

	"github.com/google/uuid"
)

type Store interface {
	AppendRollover(ctx context.Context, r Rollover) error
	// ListRollovers returns up to limit records, newest first.
	ListRollovers(ctx context.Context, limit int) ([]Rollover, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// Recorder adapts a Store to the countdown service's rollover hook.
type Recorder struct {
	store Store
	now   func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

func (r *Recorder) RecordRollover(ctx context.Context, f countdown.Frame) error {
	if r == nil || r.store == nil {
		return ErrDisabled
	}
	return r.store.AppendRollover(ctx, Rollover{
		ID:             uuid.NewString(),
		Policy:         f.Policy,
		Cycle:          f.Cycle,
		PreviousTarget: f.PreviousTarget.UTC(),
		NextTarget:     f.Target.UTC(),
		ObservedAt:     r.now().UTC(),
	})
}
