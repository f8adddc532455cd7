//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "signbot/pkg/logx"
)

// dedupPruneEvery is how many dedup upserts pass between expiry sweeps.
const dedupPruneEvery = 500

const auditDDL = `
CREATE TABLE IF NOT EXISTS audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	site TEXT NOT NULL,
	kind TEXT NOT NULL,
	success INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	error_kind TEXT,
	took_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
CREATE INDEX IF NOT EXISTS idx_audit_site ON audit(site, at);
`

const dedupDDL = `
CREATE TABLE IF NOT EXISTS dedup (
	key TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	writes atomic.Uint64
}

func newSQLiteStore(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite happy; the daemon's write rate is tiny.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma rejected", logx.String("pragma", p), logx.Err(err))
		}
	}

	for _, ddl := range []string{auditDDL, dedupDDL} {
		if _, err := db.ExecContext(context.Background(), ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, site, kind, success, attempts, message, error_kind, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Site, e.Kind, boolInt(e.Success), e.Attempts,
		orNull(e.Message), orNull(e.ErrorKind), e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentAudits(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, site, kind, success, attempts, COALESCE(message,''), COALESCE(error_kind,''), took_ms
		 FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAudit(rows *sql.Rows) (AuditEntry, error) {
	var (
		e       AuditEntry
		at      string
		success int
	)
	if err := rows.Scan(&at, &e.Site, &e.Kind, &success, &e.Attempts, &e.Message, &e.ErrorKind, &e.TookMS); err != nil {
		return AuditEntry{}, err
	}
	e.Success = success != 0
	if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
		e.At = t
	}
	return e, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.writes.Add(1)%dedupPruneEvery == 0 {
		s.pruneExpired()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	switch err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// pruneExpired sweeps dead dedup rows on a short leash; a lost sweep
// only delays cleanup until the next one.
func (s *sqliteStore) pruneExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); err != nil {
		s.log.Debug("dedup prune failed", logx.Err(err))
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orNull(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
