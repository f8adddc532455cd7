package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "signbot/pkg/logx"
)

// IOError wraps a failed document read or write. Load failures at startup
// are fatal; runtime callers log and surface them without touching state.
type IOError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("config %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store owns the document file. One mutex serializes every operation, so
// concurrent loads and saves from any goroutine observe a consistent file
// and saves never interleave.
type Store struct {
	path string
	log  logx.Logger

	mu sync.Mutex

	// lastSave is the content hash of the most recent successful save,
	// used by the watcher to tell the daemon's own writes apart from
	// external edits. Guarded by mu.
	lastSave uint64
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// LastSaveHash returns the content hash of the most recent save
// (zero before the first one).
func (s *Store) LastSaveHash() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}

// Load reads and decodes the document. Every call returns a fresh copy;
// callers own the result and may mutate it freely.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save atomically replaces the document file: the new content is written
// to a temp file in the same directory and renamed over the target, so no
// reader ever observes a partial document. On any failure the previous
// file is left untouched and the temp file is removed.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

// Update runs fn on a freshly loaded document and saves the result, all
// under one lock hold. This is the read-modify-write primitive every
// component uses to persist state; fn returning an error abandons the
// write. The saved document is returned for callers that want the
// post-update view.
func (s *Store) Update(fn func(doc *Document) error) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := s.saveLocked(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) loadLocked() (*Document, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &IOError{Op: "load", Path: s.path, Err: err}
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &IOError{Op: "load", Path: s.path, Err: err}
	}
	return &doc, nil
}

func (s *Store) saveLocked(doc *Document) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return &IOError{Op: "save", Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	tmp, err := os.CreateTemp(dir, "."+base+"-*.tmp")
	if err != nil {
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	// Until the rename lands, any exit path must remove the temp file.
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &IOError{Op: "save", Path: s.path, Err: err}
	}
	tmpName = "" // renamed; nothing left to clean up

	s.lastSave = hashBytes(b)
	return nil
}

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
