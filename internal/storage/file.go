package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "signbot/pkg/logx"
)

// compactThreshold is how many dedup writes pass between snapshot
// compactions of the journal.
const compactThreshold = 1000

// fileStore is the default backend. It derives three files from the
// configured path, sharing its name minus the extension:
//
//	<prefix>.audit.jsonl          append-only audit log
//	<prefix>.dedup.journal.jsonl  append-only dedup writes
//	<prefix>.dedup.snapshot.json  compacted dedup map
//
// Audits and dedup state never touch each other, so each side carries
// its own lock.
type fileStore struct {
	audits *auditLog
	dedup  *dedupJournal
}

func newFileStore(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))

	audits, err := openAuditLog(prefix + ".audit.jsonl")
	if err != nil {
		return nil, err
	}
	dedup, err := openDedupJournal(prefix+".dedup.snapshot.json", prefix+".dedup.journal.jsonl", log)
	if err != nil {
		_ = audits.close()
		return nil, err
	}
	return &fileStore{audits: audits, dedup: dedup}, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	return s.audits.append(e)
}

func (s *fileStore) RecentAudits(_ context.Context, limit int) ([]AuditEntry, error) {
	return s.audits.recent(limit), nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	ms, ok := s.dedup.get(strings.TrimSpace(key))
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) Close() error {
	return errors.Join(s.audits.close(), s.dedup.close())
}

// auditLog appends entries to a JSON Lines file and mirrors the newest
// maxRecent of them in memory, so status reads never scan the log.
type auditLog struct {
	mu   sync.Mutex
	f    *os.File
	tail []AuditEntry // oldest first
}

func openAuditLog(path string) (*auditLog, error) {
	var tail []AuditEntry
	_ = eachLine(path, func(line []byte) {
		var e AuditEntry
		if json.Unmarshal(line, &e) == nil {
			tail = appendBounded(tail, e, maxRecent)
		}
	})
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &auditLog{f: f, tail: tail}, nil
}

func (a *auditLog) append(e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return ErrDisabled
	}
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		return err
	}
	a.tail = appendBounded(a.tail, e, maxRecent)
	return nil
}

func (a *auditLog) recent(limit int) []AuditEntry {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.tail); n < limit {
		limit = n
	}
	out := slices.Clone(a.tail[len(a.tail)-limit:])
	slices.Reverse(out)
	return out
}

func (a *auditLog) close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// dedupJournal holds notification dedup keys with their expiry, written
// through to an append-only journal. Every compactThreshold writes the
// live map is snapshotted and the journal starts over, keeping the pair
// small across restarts.
type dedupJournal struct {
	log      logx.Logger
	snapPath string

	mu      sync.Mutex
	journal *os.File
	keys    map[string]int64 // unix milli expiry
	writes  int
}

type dedupLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openDedupJournal(snapPath, journalPath string, log logx.Logger) (*dedupJournal, error) {
	keys := map[string]int64{}
	if raw, err := os.ReadFile(snapPath); err == nil {
		_ = json.Unmarshal(raw, &keys)
	}
	_ = eachLine(journalPath, func(line []byte) {
		var rec dedupLine
		if json.Unmarshal(line, &rec) == nil && rec.Key != "" {
			keys[rec.Key] = rec.Until
		}
	})
	dropExpired(keys, time.Now().UnixMilli())

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &dedupJournal{log: log, snapPath: snapPath, journal: f, keys: keys}, nil
}

func (d *dedupJournal) put(key string, untilMS int64) error {
	line, err := json.Marshal(dedupLine{Key: key, Until: untilMS})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return ErrDisabled
	}
	if _, err := d.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	d.keys[key] = untilMS
	d.writes++
	if d.writes >= compactThreshold {
		d.writes = 0
		if err := d.compactLocked(); err != nil {
			d.log.Debug("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (d *dedupJournal) get(key string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, ok := d.keys[key]
	return ms, ok
}

// compactLocked writes the pruned map to the snapshot and resets the
// journal. The snapshot lands via temp file and rename so a crash
// leaves either the old or the new one, never a torn file.
func (d *dedupJournal) compactLocked() error {
	dropExpired(d.keys, time.Now().UnixMilli())
	raw, err := json.Marshal(d.keys)
	if err != nil {
		return err
	}
	tmp := d.snapPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, d.snapPath); err != nil {
		return err
	}
	if err := d.journal.Truncate(0); err != nil {
		return err
	}
	_, err = d.journal.Seek(0, io.SeekEnd)
	return err
}

func (d *dedupJournal) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal == nil {
		return nil
	}
	err := d.journal.Close()
	d.journal = nil
	return err
}

func appendBounded(tail []AuditEntry, e AuditEntry, keep int) []AuditEntry {
	tail = append(tail, e)
	if len(tail) > keep {
		tail = tail[len(tail)-keep:]
	}
	return tail
}

func dropExpired(keys map[string]int64, nowMS int64) {
	for k, until := range keys {
		if until < nowMS {
			delete(keys, k)
		}
	}
}

// eachLine feeds every line of path to fn. A missing file is fine; a
// torn trailing line is dropped by the caller's decode check.
func eachLine(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
