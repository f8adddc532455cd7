package executor

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signbot/internal/config"
	logx "signbot/pkg/logx"
)

type notifyCall struct {
	site    string
	success bool
	text    string
}

type captureNotifier struct {
	calls []notifyCall
}

func (c *captureNotifier) NotifySignResult(site string, success bool, text string) {
	c.calls = append(c.calls, notifyCall{site, success, text})
}

func newRecorderStore(t *testing.T) *config.Store {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"), logx.Nop())
	err := store.Save(&config.Document{
		Sites: []config.SiteConfig{{Name: "alpha", Module: "discuz", Enabled: true}},
	})
	if err != nil {
		t.Fatalf("seed save: %v", err)
	}
	return store
}

func TestRecordSuccessWritesAllThreeFields(t *testing.T) {
	t.Parallel()
	store := newRecorderStore(t)
	notify := &captureNotifier{}
	rec := NewRecorder(store, notify, logx.Nop())
	now := time.Date(2026, 8, 25, 9, 5, 0, 0, time.Local)

	err := rec.Record(Outcome{SiteKey: "alpha", Success: true, Message: "签到成功"}, now)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	site := doc.Site("alpha")
	if site.LastSignStatus != config.StatusSuccess {
		t.Fatalf("status = %q", site.LastSignStatus)
	}
	if site.LastSignMessage != "签到成功" {
		t.Fatalf("message = %q", site.LastSignMessage)
	}
	got, ok := config.ParseTime(site.LastSignTime)
	if !ok || !got.Equal(now) {
		t.Fatalf("last_sign_time = %q", site.LastSignTime)
	}

	if len(notify.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notify.calls))
	}
	call := notify.calls[0]
	if call.site != "alpha" || !call.success || call.text != "签到成功" {
		t.Fatalf("notification = %+v", call)
	}
}

func TestRecordFailureAsksForManualCheck(t *testing.T) {
	t.Parallel()
	store := newRecorderStore(t)
	notify := &captureNotifier{}
	rec := NewRecorder(store, notify, logx.Nop())
	now := time.Date(2026, 8, 25, 9, 30, 0, 0, time.Local)

	err := rec.Record(Outcome{
		SiteKey:  "alpha",
		Success:  false,
		Message:  "连接超时",
		Kind:     KindNetworkError,
		Attempts: 3,
	}, now)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	doc, _ := store.Load()
	site := doc.Site("alpha")
	if site.LastSignStatus != config.StatusFailed {
		t.Fatalf("status = %q", site.LastSignStatus)
	}
	if site.LastSignMessage != "连接超时" {
		t.Fatalf("message = %q", site.LastSignMessage)
	}
	if site.LastSignTime == "" {
		t.Fatal("last_sign_time not written")
	}

	if len(notify.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notify.calls))
	}
	text := notify.calls[0].text
	for _, want := range []string{"连接超时", "网络异常", "3", "请检查"} {
		if !strings.Contains(text, want) {
			t.Fatalf("notification %q missing %q", text, want)
		}
	}
	if notify.calls[0].success {
		t.Fatal("failure notification marked success")
	}
}

func TestRecordMissingSiteStillNotifies(t *testing.T) {
	t.Parallel()
	store := newRecorderStore(t)
	notify := &captureNotifier{}
	rec := NewRecorder(store, notify, logx.Nop())

	err := rec.Record(Outcome{SiteKey: "ghost", Success: true, Message: "ok"}, time.Now())
	if err == nil {
		t.Fatal("expected error for unknown site")
	}
	if len(notify.calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notify.calls))
	}
}

func TestRecordWithoutStoreOrNotifier(t *testing.T) {
	t.Parallel()
	rec := NewRecorder(nil, nil, logx.Nop())
	if err := rec.Record(Outcome{SiteKey: "alpha", Success: true, Message: "ok"}, time.Now()); err != nil {
		t.Fatalf("Record without sinks: %v", err)
	}
}
