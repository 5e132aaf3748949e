package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "countdown/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRollover(ctx context.Context, r Rollover) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollovers(id, policy, cycle, previous_target, next_target, observed_at)
		 VALUES(?,?,?,?,?,?)`,
		r.ID, r.Policy, int64(r.Cycle),
		r.PreviousTarget.UnixMilli(), r.NextTarget.UnixMilli(), r.ObservedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListRollovers(ctx context.Context, limit int) ([]Rollover, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, policy, cycle, previous_target, next_target, observed_at
		 FROM rollovers ORDER BY observed_at DESC, rowid DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rollover
	for rows.Next() {
		var (
			r             Rollover
			cycle         int64
			prev, next, o int64
		)
		if err := rows.Scan(&r.ID, &r.Policy, &cycle, &prev, &next, &o); err != nil {
			return nil, err
		}
		r.Cycle = uint64(cycle)
		r.PreviousTarget = time.UnixMilli(prev).UTC()
		r.NextTarget = time.UnixMilli(next).UTC()
		r.ObservedAt = time.UnixMilli(o).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
