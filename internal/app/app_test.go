package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signbot/internal/config"
	"signbot/pkg/logx"
)

func writeConfig(t *testing.T, doc *config.Document) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.NewStore(path, logx.Nop()).Save(doc); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path
}

func testDoc() *config.Document {
	return &config.Document{
		Daemon: config.DaemonConfig{SignTick: "1h", KeepaliveTick: "1h"},
		Sites: []config.SiteConfig{
			{Name: "alpha", Module: "discuz", Enabled: true, URL: "https://alpha.example/", RunTime: "09:00:00"},
			{Name: "beta", Module: "discuz", Enabled: false},
		},
	}
}

func TestNewBuildsFromDocument(t *testing.T) {
	t.Parallel()

	a, err := New(writeConfig(t, testDoc()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.browser.Close()
		_ = a.logs.Close()
	})

	if a.dmn == nil || a.admin == nil || a.pprof == nil || a.notif == nil || a.watcher == nil {
		t.Fatalf("component missing after New")
	}
	if a.store != nil {
		t.Fatalf("storage should stay disabled when no driver is configured")
	}

	// Before Start there is no supervisor; Done reports closed and Err is nil.
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done should read closed before Start")
	}
	if a.Err() != nil {
		t.Fatalf("Err before Start = %v", a.Err())
	}
}

func TestNewRejectsBrokenDocument(t *testing.T) {
	t.Parallel()

	doc := testDoc()
	doc.Sites[0].Module = "nosuch"
	if _, err := New(writeConfig(t, doc)); err == nil || !strings.Contains(err.Error(), "nosuch") {
		t.Fatalf("want unknown module error, got %v", err)
	}
}

func TestValidateDocument(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Document)
		wantErr string
	}{
		{"valid", func(*config.Document) {}, ""},
		{"unknown module", func(d *config.Document) { d.Sites[0].Module = "nosuch" }, "nosuch"},
		{"unknown module on disabled site passes", func(d *config.Document) { d.Sites[1].Module = "nosuch" }, ""},
		{"duplicate key", func(d *config.Document) { d.Sites[1].Name = "alpha" }, "already used"},
		{"bad cron", func(d *config.Document) { d.Sites[0].Cron = "not a cron" }, "invalid cron"},
		{"bad notify duration", func(d *config.Document) { d.Notify.RetryBase = "soon" }, "notify.retry_base"},
		{"bad storage busy timeout", func(d *config.Document) { d.Storage.BusyTimeout = "fast" }, "storage.busy_timeout"},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := testDoc()
			tt.mutate(doc)
			err := validateDocument(doc, logx.Nop())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	doc := testDoc()
	doc.Storage = config.StorageConfig{Driver: "sqlite", Path: "data/audit.db"}
	sc, err := mapStorageConfig(doc)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "data/audit.db" {
		t.Fatalf("unexpected mapping: %+v", sc)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("BusyTimeout default = %v, want 1s", sc.BusyTimeout)
	}

	doc.Storage.BusyTimeout = "250ms"
	sc, err = mapStorageConfig(doc)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.BusyTimeout != 250*time.Millisecond {
		t.Fatalf("BusyTimeout = %v, want 250ms", sc.BusyTimeout)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	a, err := New(writeConfig(t, testDoc()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-a.Done():
		t.Fatalf("app stopped right after Start: %v", a.Err())
	default:
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after Stop")
	}
}
