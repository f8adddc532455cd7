package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"signbot/internal/storage"
)

const (
	dedupLookupTimeout  = 25 * time.Millisecond
	dedupPersistTimeout = 250 * time.Millisecond
)

// dedupKey identifies one (channel, message) pair; identical content to
// the same channel hashes to the same key.
func dedupKey(channel string, m Message) string {
	h := fnv.New64a()
	for _, part := range []string{channel, m.SiteName, m.Title, m.Text} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{'|'})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

type dedupRecord struct {
	key   string
	until time.Time
}

// dedupCache holds suppress-until times in memory. The persistent copy
// in storage only backs it up across restarts.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: map[string]time.Time{}}
}

func (c *dedupCache) suppressed(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// note records key's window, drops expired entries, and when over the
// cap evicts the soonest-expiring keys first.
func (c *dedupCache) note(key string, until, now time.Time, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	if maxEntries <= 0 {
		return
	}
	over := len(c.until) - maxEntries
	if over <= 0 {
		return
	}
	type entry struct {
		k string
		u time.Time
	}
	all := make([]entry, 0, len(c.until))
	for k, u := range c.until {
		all = append(all, entry{k, u})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].u.Before(all[j].u) })
	for _, e := range all[:over] {
		delete(c.until, e.k)
	}
}

// allowOnce decides whether a message may go out, recording the new
// window when it does. The storage lookup is best-effort with a tight
// deadline; a slow or broken store never delays a notification.
func (s *Service) allowOnce(ctx context.Context, key string, window time.Duration, maxKeys int, persist bool, st storage.Store, pq chan dedupRecord) bool {
	now := time.Now()
	if s.seen.suppressed(key, now) {
		return false
	}

	if persist && st != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := st.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.note(key, until, now, maxKeys)
			return false
		}
	}

	until := now.Add(window)
	s.seen.note(key, until, now, maxKeys)
	if persist && st != nil && pq != nil {
		select {
		case pq <- dedupRecord{key: key, until: until}:
		default:
		}
	}
	return true
}

// persistLoop writes new windows to storage in the background so the
// send path never waits on disk.
func (s *Service) persistLoop(ctx context.Context, records <-chan dedupRecord, st storage.Store) {
	if ctx == nil {
		ctx = context.Background()
	}
	if records == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupPersistTimeout)
			_ = st.PutDedup(wctx, r.key, r.until)
			cancel()
		}
	}
}
