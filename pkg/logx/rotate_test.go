package logx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDailyWriterRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()

	// Pre-seed five old day files; keep 3 means the two oldest go.
	for _, day := range []string{"20240101", "20240102", "20240103", "20240104", "20240105"} {
		path := filepath.Join(dir, "app_"+day+".log")
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", day, err)
		}
	}

	w := newDailyWriter(dir, "app", 3)
	if _, err := w.Write([]byte(`{"msg":"hello"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	defer func() { _ = w.Close() }()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if got := len(entries); got != 3 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("want 3 files after prune, got %d: %v", got, names)
	}
	for _, e := range entries {
		if e.Name() == "app_20240101.log" || e.Name() == "app_20240102.log" {
			t.Fatalf("oldest file %s survived pruning", e.Name())
		}
	}
}

func TestDailyWriterUnrelatedFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other_20240101.log")
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := newDailyWriter(dir, "app", 1)
	if _, err := w.Write([]byte("{}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := os.Stat(other); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warning", LevelWarn},
		{" error ", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.in, LevelInfo); got != tt.want {
				t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
