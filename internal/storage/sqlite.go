package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"ocibot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
	keepRows   int64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 500, keepRows: 20000}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, r AttemptRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(at, account_id, domain, attempt, class, resource_id, reason)
		 VALUES(?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.AccountID, nullStr(r.Domain),
		r.Attempt, r.Class, nullStr(r.ResourceID), nullStr(r.Reason),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.pruneAttempts(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) PutWorkerState(ctx context.Context, ws WorkerState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(ws.AccountID) == "" {
		return nil
	}
	if ws.UpdatedAt.IsZero() {
		ws.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_state(account_id, state, attempts, interval_ms, last_error, resource_id, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   state=excluded.state, attempts=excluded.attempts, interval_ms=excluded.interval_ms,
		   last_error=excluded.last_error, resource_id=excluded.resource_id, updated_at=excluded.updated_at`,
		ws.AccountID, ws.State, ws.Attempts, ws.Interval.Milliseconds(),
		nullStr(ws.LastError), nullStr(ws.ResourceID), ws.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) WorkerStates(ctx context.Context) ([]WorkerState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, state, attempts, interval_ms, last_error, resource_id, updated_at
		 FROM worker_state ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerState
	for rows.Next() {
		var (
			ws         WorkerState
			intervalMS int64
			lastErr    sql.NullString
			resourceID sql.NullString
			updatedAt  string
		)
		if err := rows.Scan(&ws.AccountID, &ws.State, &ws.Attempts, &intervalMS, &lastErr, &resourceID, &updatedAt); err != nil {
			return nil, err
		}
		ws.Interval = time.Duration(intervalMS) * time.Millisecond
		ws.LastError = lastErr.String
		ws.ResourceID = resourceID.String
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			ws.UpdatedAt = t
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// pruneAttempts keeps the attempts table bounded.
func (s *sqliteStore) pruneAttempts(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE id <= (SELECT MAX(id) FROM attempts) - ?`, s.keepRows)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
