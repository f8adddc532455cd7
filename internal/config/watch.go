package config

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "signbot/pkg/logx"
)

const (
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	// debounceDelay absorbs the event bursts editors produce when they
	// write through temp files.
	debounceDelay = 250 * time.Millisecond

	validateTimeout = 5 * time.Second
)

// Watcher reacts to external edits of the document file and fans the
// re-decoded document out to subscribers (the app applies ambient config
// from it: log sinks, tick intervals, servers).
//
// The daemon's own saves are recognized by content hash and skipped, so
// routine state writes don't churn subscribers.
type Watcher struct {
	store *Store
	log   logx.Logger

	validator func(ctx context.Context, doc *Document) error

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Document

	mu            sync.Mutex
	lastPublished uint64
}

func NewWatcher(store *Store, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{store: store, log: log}
}

// SetValidator installs a validation hook run before publishing.
// Rejected documents are logged and dropped; the previous state stays live.
func (w *Watcher) SetValidator(fn func(ctx context.Context, doc *Document) error) {
	w.validator = fn
}

func (w *Watcher) Subscribe(buffer int) chan *Document {
	ch := make(chan *Document, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

func (w *Watcher) Unsubscribe(ch chan *Document) {
	if ch == nil {
		return
	}
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for i, s := range w.subs {
		if s == ch {
			w.subs = slices.Delete(w.subs, i, i+1)
			close(ch)
			return
		}
	}
}

func (w *Watcher) publish(doc *Document) {
	// Sends stay under subsMu so Unsubscribe cannot close a channel
	// mid-send.
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		if ch == nil || offerNewest(ch, doc) {
			continue
		}
		w.log.Debug("config update lost on a stalled subscriber",
			logx.Int("queue_cap", cap(ch)))
	}
}

// offerNewest delivers doc without blocking. A full buffer loses its
// oldest entry first; subscribers always want the latest document.
func offerNewest(ch chan *Document, doc *Document) bool {
	select {
	case ch <- doc:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- doc:
		return true
	default:
		return false
	}
}

// reload is the debounced reaction to a file event: read, hash-skip,
// decode, validate, publish.
func (w *Watcher) reload(ctx context.Context) {
	path := w.store.Path()

	raw, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("config reload read failed", logx.String("path", path), logx.Err(err))
		return
	}

	h := hashBytes(raw)
	if h != 0 {
		if h == w.store.LastSaveHash() {
			// Our own save; nothing external changed.
			w.log.Debug("ignoring event for our own save", logx.String("path", path))
			return
		}
		if h == w.lastSent() {
			w.log.Debug("config content unchanged", logx.String("path", path))
			return
		}
	}

	doc, err := w.store.Load()
	if err != nil {
		w.log.Warn("config reload parse failed", logx.String("path", path), logx.Err(err))
		return
	}
	if err := w.validate(ctx, doc); err != nil {
		w.log.Warn("config rejected", logx.String("path", path), logx.Err(err))
		return
	}

	w.mu.Lock()
	w.lastPublished = h
	w.mu.Unlock()

	w.publish(doc)
	w.log.Debug("config published", logx.String("path", path), logx.String("hash", fmt.Sprintf("%x", h)))
}

func (w *Watcher) lastSent() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPublished
}

func (w *Watcher) validate(ctx context.Context, doc *Document) error {
	if w.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return w.validator(vctx, doc)
}

// Watch runs the fsnotify loop until ctx is cancelled. Some platforms
// and editors leave fsnotify in a dead state (closed channels, no more
// events); when that happens the watcher is rebuilt from scratch with a
// jittered backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	path := w.store.Path()
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	backoff := watchBackoffMin
	for ctx.Err() == nil {
		fw, err := watchDir(dir)
		if err != nil {
			w.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !sleepJittered(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, watchBackoffMax)
			continue
		}

		backoff = watchBackoffMin
		w.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		reason := w.pump(ctx, fw, file)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}

		w.log.Warn("config watcher died; rebuilding",
			logx.String("dir", dir), logx.String("reason", reason))
		if !sleepJittered(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
	return nil
}

func watchDir(dir string) (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// pump drains one fsnotify instance until it breaks, and says why.
func (w *Watcher) pump(ctx context.Context, fw *fsnotify.Watcher, file string) string {
	var deb debouncer
	queueReload := func() { deb.after(debounceDelay, func() { w.reload(ctx) }) }

	for {
		select {
		case <-ctx.Done():
			return "context cancelled"
		case ev, ok := <-fw.Events:
			if !ok {
				return "event channel closed"
			}
			// Compare by basename; editors and atomic writers report the
			// path in varying forms.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				queueReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return "error channel closed"
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			// Overflow means events were missed; one forced reload covers
			// whatever they were. The exact error constant varies across
			// fsnotify versions, so match on text.
			if strings.Contains(msg, "overflow") {
				w.log.Warn("config watch overflowed, reloading", logx.Err(err))
				queueReload()
				continue
			}
			w.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(msg, "closed") {
				return "watcher reported closed"
			}
		}
	}
}

// debouncer coalesces bursts of calls into one deferred fn.
type debouncer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) after(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(delay, fn)
}

func sleepJittered(ctx context.Context, d time.Duration) bool {
	wait := d + time.Duration(rand.Int63n(int64(d/2+1)))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
