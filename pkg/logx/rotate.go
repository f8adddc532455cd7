package logx

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// dailyWriter appends JSON lines to <dir>/<name>_YYYYMMDD.log, switching
// files on the first write of a new day. Old files beyond maxDays are
// removed on rotation; pruning failures are ignored (logging must not
// depend on cleanup succeeding).
type dailyWriter struct {
	mu      sync.Mutex
	dir     string
	name    string
	maxDays int

	day string
	f   *os.File
}

func newDailyWriter(dir, name string, maxDays int) *dailyWriter {
	if maxDays <= 0 {
		maxDays = 30
	}
	return &dailyWriter{dir: dir, name: name, maxDays: maxDays}
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("20060102")
	if w.f == nil || day != w.day {
		if err := w.rotateLocked(day); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *dailyWriter) rotateLocked(day string) error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, w.name+"_"+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.day = day
	w.pruneLocked()
	return nil
}

func (w *dailyWriter) pruneLocked() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	prefix := w.name + "_"
	var names []string
	for _, ent := range entries {
		n := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".log") {
			continue
		}
		names = append(names, n)
	}
	if len(names) <= w.maxDays {
		return
	}
	// Date suffix sorts lexicographically; oldest first.
	sort.Strings(names)
	for _, n := range names[:len(names)-w.maxDays] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}
