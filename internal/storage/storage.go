// Package storage persists the daemon's audit trail and the notifier's
// dedup ledger. Two drivers exist: a flat-file backend with no extra
// dependencies, and an optional SQLite backend compiled in with the
// sqlite build tag. Persistence is opt-in; Open returns a nil Store
// when it is switched off, and callers treat a nil Store as "keep
// nothing".
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "signbot/pkg/logx"
)

// ErrDisabled is returned by driver methods after the backing handle is
// gone (closed store, stub build).
var ErrDisabled = errors.New("storage disabled")

// maxRecent bounds the audit tail kept for the admin API. Both drivers
// honor it so a status page never pulls unbounded history.
const maxRecent = 200

// Audit kinds, one per operation class.
const (
	KindSign      = "sign"
	KindKeepalive = "keepalive"
	KindSync      = "sync"
)

// AuditEntry is one finished operation against a site. The field set is
// the on-disk schema for both drivers, so additions must keep old rows
// readable.
type AuditEntry struct {
	At        time.Time
	Site      string // site key
	Kind      string // sign | keepalive | sync
	Success   bool
	Attempts  int
	Message   string
	ErrorKind string // classification label; empty on success
	TookMS    int64
}

// Config selects and locates the backend. An empty or "none" Driver
// disables persistence.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 picks the driver default
}

// Store is everything the daemon needs from persistence.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudits returns up to limit entries, newest first.
	RecentAudits(ctx context.Context, limit int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open builds the configured store, or (nil, nil) when persistence is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return newFileStore(cfg, log)
	case "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
