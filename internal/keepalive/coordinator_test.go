package keepalive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	"signbot/internal/refresh"
	"signbot/internal/refresh/cloudsync"
	"signbot/internal/sites"
	"signbot/pkg/logx"
)

type stubRefresher struct {
	result refresh.Result
	err    error
	calls  int
	gotReq refresh.Request

	entered chan struct{} // when set, closed on first call
	unblock chan struct{} // when set, Refresh waits on it
}

func (s *stubRefresher) Name() string { return "stub" }

func (s *stubRefresher) Refresh(_ context.Context, req refresh.Request) (refresh.Result, error) {
	s.calls++
	s.gotReq = req
	if s.entered != nil {
		close(s.entered)
		s.entered = nil
	}
	if s.unblock != nil {
		<-s.unblock
	}
	if s.err != nil {
		return refresh.Result{}, s.err
	}
	return s.result, nil
}

type stubCloud struct {
	vault map[string][]cloudsync.Cookie
	err   error
	calls int
}

func (s *stubCloud) Fetch(context.Context) (map[string][]cloudsync.Cookie, error) {
	s.calls++
	return s.vault, s.err
}

func seedStore(t *testing.T, doc *config.Document) *config.Store {
	t.Helper()
	st := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"), logx.Nop())
	if err := st.Save(doc); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return st
}

// loggedInServer answers every request like a site that recognizes the
// session, so verification passes.
func loggedInServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>欢迎回来，管理面板</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	at := func(ts time.Time) string { return config.FormatTime(ts) }
	enabled := func(mutate func(*config.SiteConfig)) config.SiteConfig {
		s := config.SiteConfig{
			Name: "alpha",
			Keepalive: config.KeepaliveConfig{
				Enabled:         true,
				Method:          config.KeepaliveMethodBrowser,
				IntervalMinutes: 60,
			},
		}
		if mutate != nil {
			mutate(&s)
		}
		return s
	}

	tests := []struct {
		name string
		site config.SiteConfig
		want bool
	}{
		{
			name: "disabled never due",
			site: enabled(func(s *config.SiteConfig) { s.Keepalive.Enabled = false }),
			want: false,
		},
		{
			name: "method none never due",
			site: enabled(func(s *config.SiteConfig) { s.Keepalive.Method = config.KeepaliveMethodNone }),
			want: false,
		},
		{
			name: "first run due immediately",
			site: enabled(nil),
			want: true,
		},
		{
			name: "retry marker reached",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-time.Minute))
				s.Keepalive.NextRetry = at(now.Add(-time.Second))
			}),
			want: true,
		},
		{
			name: "retry marker governs even past the interval",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-3 * time.Hour))
				s.Keepalive.NextRetry = at(now.Add(30 * time.Minute))
			}),
			want: false,
		},
		{
			name: "interval not elapsed",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-30 * time.Minute))
			}),
			want: false,
		},
		{
			name: "interval elapsed",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-61 * time.Minute))
			}),
			want: true,
		},
		{
			name: "zero interval falls back to an hour",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.IntervalMinutes = 0
				s.Keepalive.LastTime = at(now.Add(-59 * time.Minute))
			}),
			want: false,
		},
		{
			name: "embedded expiry pulls the refresh forward",
			site: enabled(func(s *config.SiteConfig) {
				// Cookie was valid at the last run and expired ten
				// minutes ago; expiry+margin is already behind now even
				// though the interval has thirty minutes left.
				s.Keepalive.LastTime = at(now.Add(-30 * time.Minute))
				s.Cookie = fmt.Sprintf("site_auth=tok; expires=%d", now.Add(-10*time.Minute).Unix())
			}),
			want: true,
		},
		{
			name: "embedded expiry far out defers to the interval",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-30 * time.Minute))
				s.Cookie = fmt.Sprintf("site_auth=tok; expires=%d", now.Add(24*time.Hour).Unix())
			}),
			want: false,
		},
		{
			name: "markerless cookie defers to the interval",
			site: enabled(func(s *config.SiteConfig) {
				s.Keepalive.LastTime = at(now.Add(-30 * time.Minute))
				s.Cookie = "theme=dark; lang=zh"
			}),
			want: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Due(&tt.site, now); got != tt.want {
				t.Fatalf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueSites(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.Local)
	doc := &config.Document{Sites: []config.SiteConfig{
		{Name: "a", Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser}},
		{Name: "b"},
		{Name: "c", Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodCloudSync}},
	}}
	got := DueSites(doc, now)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("DueSites = %v, want [a c]", got)
	}
}

func TestRunSitePrimarySuccess(t *testing.T) {
	t.Parallel()

	srv := loggedInServer(t)
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:   "alpha",
		URL:    srv.URL,
		Cookie: "old_auth=old",
		Keepalive: config.KeepaliveConfig{
			Enabled:   true,
			Method:    config.KeepaliveMethodBrowser,
			NextRetry: config.FormatTime(time.Now().Add(-time.Minute)),
		},
	}}})

	primary := &stubRefresher{result: refresh.Result{
		CookieRaw: "site_auth=newtoken123",
		Message:   "浏览器刷新成功，新Cookie 21 字符",
	}}
	bus := eventbus.New()
	events, cancel := bus.Subscribe(8)
	defer cancel()

	c := New(Options{
		Store:    store,
		Primary:  primary,
		Verifier: NewVerifier(logx.Nop()),
		Log:      logx.Nop(),
		Bus:      bus,
	})
	if err := c.RunSite(context.Background(), "alpha"); err != nil {
		t.Fatalf("RunSite: %v", err)
	}

	if primary.gotReq.SiteName != "alpha" || primary.gotReq.CookieRaw != "old_auth=old" {
		t.Fatalf("refresh request = %+v", primary.gotReq)
	}
	if primary.gotReq.UserAgent != sites.DefaultUserAgent {
		t.Fatalf("UserAgent = %q, want the default", primary.gotReq.UserAgent)
	}

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	site := doc.Site("alpha")
	if site.Cookie != "site_auth=newtoken123" {
		t.Fatalf("cookie = %q, want the refreshed one", site.Cookie)
	}
	if site.CookieMetadata.Source != config.SourceBrowser {
		t.Fatalf("metadata source = %q, want browser", site.CookieMetadata.Source)
	}
	if _, ok := config.ParseTime(site.CookieMetadata.ValidUntil); !ok {
		t.Fatalf("valid_until %q does not parse", site.CookieMetadata.ValidUntil)
	}
	if site.Keepalive.LastStatus != "success" {
		t.Fatalf("status = %q, want success", site.Keepalive.LastStatus)
	}
	if site.Keepalive.NextRetry != "" {
		t.Fatalf("next_retry_time = %q, want it cleared", site.Keepalive.NextRetry)
	}
	if _, ok := config.ParseTime(site.Keepalive.LastTime); !ok {
		t.Fatalf("last_keepalive_time %q does not parse", site.Keepalive.LastTime)
	}

	var types []string
drain:
	for {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		default:
			break drain
		}
	}
	if len(types) != 2 || types[0] != "keepalive.started" || types[1] != "keepalive.succeeded" {
		t.Fatalf("events = %v, want [keepalive.started keepalive.succeeded]", types)
	}
}

func TestRunSiteCustomUserAgent(t *testing.T) {
	t.Parallel()

	srv := loggedInServer(t)
	store := seedStore(t, &config.Document{
		UserAgent: "CustomAgent/9.0",
		Sites: []config.SiteConfig{{
			Name:      "alpha",
			URL:       srv.URL,
			Cookie:    "old_auth=old",
			Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser},
		}},
	})
	primary := &stubRefresher{result: refresh.Result{CookieRaw: "site_auth=tok"}}
	c := New(Options{Store: store, Primary: primary, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})
	if err := c.RunSite(context.Background(), "alpha"); err != nil {
		t.Fatalf("RunSite: %v", err)
	}
	if primary.gotReq.UserAgent != "CustomAgent/9.0" {
		t.Fatalf("UserAgent = %q, want the document override", primary.gotReq.UserAgent)
	}
}

func TestRunSiteFallsBackToCloud(t *testing.T) {
	t.Parallel()

	srv := loggedInServer(t)
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:         "alpha",
		URL:          srv.URL,
		Cookie:       "old_auth=old",
		CookieDomain: "right.com.cn",
		Keepalive:    config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser},
	}}})

	primary := &stubRefresher{err: errors.New("chrome exited")}
	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{
		"right.com.cn": {
			{Name: "site_auth", Value: "cloudtok"},
			{Name: "lang", Value: "zh"},
		},
		"other.example": {{Name: "x", Value: "y"}},
	}}
	c := New(Options{
		Store:     store,
		Primary:   primary,
		Secondary: cloud,
		Verifier:  NewVerifier(logx.Nop()),
		Log:       logx.Nop(),
	})
	if err := c.RunSite(context.Background(), "alpha"); err != nil {
		t.Fatalf("RunSite: %v", err)
	}
	if cloud.calls != 1 {
		t.Fatalf("cloud fetches = %d, want 1", cloud.calls)
	}

	doc, _ := store.Load()
	site := doc.Site("alpha")
	if site.Cookie != "site_auth=cloudtok; lang=zh" {
		t.Fatalf("cookie = %q, want the formatted cloud cookie", site.Cookie)
	}
	if site.CookieMetadata.Source != config.SourceCloudSync {
		t.Fatalf("metadata source = %q, want cloudsync", site.CookieMetadata.Source)
	}
	if !strings.Contains(site.Keepalive.LastMessage, "云端同步成功") {
		t.Fatalf("message = %q", site.Keepalive.LastMessage)
	}
}

func TestRunSiteTrustGateProtectsStoredCookie(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:      "alpha",
		URL:       "http://right.com.cn/",
		Cookie:    "site_auth=stillgood",
		Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodCloudSync},
		CookieMetadata: config.CookieMetadata{
			LastUpdated: config.FormatTime(now.Add(-30 * time.Minute)),
			Source:      config.SourceBrowser,
			ValidUntil:  config.FormatTime(now.Add(time.Hour)),
		},
	}}})

	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{
		"right.com.cn": {{Name: "site_auth", Value: "worse"}},
	}}
	c := New(Options{Store: store, Secondary: cloud, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})
	if err := c.RunSite(context.Background(), "alpha"); err != nil {
		t.Fatalf("RunSite: %v", err)
	}
	if cloud.calls != 0 {
		t.Fatalf("cloud fetches = %d, want 0 (stored cookie still trusted)", cloud.calls)
	}

	doc, _ := store.Load()
	site := doc.Site("alpha")
	if site.Cookie != "site_auth=stillgood" {
		t.Fatalf("cookie = %q, want it untouched", site.Cookie)
	}
	if site.CookieMetadata.Source != config.SourceBrowser {
		t.Fatalf("metadata source = %q, want browser preserved", site.CookieMetadata.Source)
	}
	if site.Keepalive.LastStatus != "success" {
		t.Fatalf("status = %q, want success for a no-op run", site.Keepalive.LastStatus)
	}
	if !strings.Contains(site.Keepalive.LastMessage, "跳过") {
		t.Fatalf("message = %q, want it to mention the skip", site.Keepalive.LastMessage)
	}
}

func TestRunSiteSkipAfterFailedPrimaryIsAFailure(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:      "alpha",
		URL:       "http://right.com.cn/",
		Cookie:    "site_auth=old",
		Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser},
		CookieMetadata: config.CookieMetadata{
			Source:     config.SourceBrowser,
			ValidUntil: config.FormatTime(now.Add(time.Hour)),
		},
	}}})

	primary := &stubRefresher{err: errors.New("chrome exited")}
	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{}}
	c := New(Options{Store: store, Primary: primary, Secondary: cloud, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})

	err := c.RunSite(context.Background(), "alpha")
	if err == nil {
		t.Fatal("expected an error: the attempted refresh failed")
	}
	if cloud.calls != 0 {
		t.Fatalf("cloud fetches = %d, want 0", cloud.calls)
	}

	doc, _ := store.Load()
	site := doc.Site("alpha")
	if site.Keepalive.LastStatus != "failed" {
		t.Fatalf("status = %q, want failed", site.Keepalive.LastStatus)
	}
	if !strings.Contains(site.Keepalive.LastMessage, "浏览器刷新失败") ||
		!strings.Contains(site.Keepalive.LastMessage, "跳过") {
		t.Fatalf("message = %q, want both the failure and the skip recorded", site.Keepalive.LastMessage)
	}
}

func TestRunSiteTotalFailureTouchesOnlyBookkeeping(t *testing.T) {
	t.Parallel()

	before := time.Now()
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:      "alpha",
		URL:       "http://right.com.cn/",
		Cookie:    "site_auth=old",
		Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser},
	}}})

	primary := &stubRefresher{err: errors.New("chrome exited")}
	c := New(Options{Store: store, Primary: primary, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})

	err := c.RunSite(context.Background(), "alpha")
	if err == nil {
		t.Fatal("expected an error for a total failure")
	}

	doc, _ := store.Load()
	site := doc.Site("alpha")
	if site.Cookie != "site_auth=old" {
		t.Fatalf("cookie = %q, a failed run must never modify it", site.Cookie)
	}
	if site.Keepalive.LastStatus != "failed" {
		t.Fatalf("status = %q, want failed", site.Keepalive.LastStatus)
	}
	retry, ok := config.ParseTime(site.Keepalive.NextRetry)
	if !ok {
		t.Fatalf("next_retry_time %q does not parse", site.Keepalive.NextRetry)
	}
	if early := before.Add(50 * time.Minute); retry.Before(early) {
		t.Fatalf("retry at %v, want about an hour out", retry)
	}
	if site.CookieMetadata.RefreshAttempts != 1 {
		t.Fatalf("refresh_attempts = %d, want 1", site.CookieMetadata.RefreshAttempts)
	}
	if site.CookieMetadata.Source != "" {
		t.Fatalf("source = %q, want bare metadata", site.CookieMetadata.Source)
	}
}

func TestRunSiteSingleFlight(t *testing.T) {
	t.Parallel()

	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:      "alpha",
		URL:       "http://right.com.cn/",
		Cookie:    "site_auth=old",
		Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodBrowser},
	}}})

	primary := &stubRefresher{
		err:     errors.New("slow failure"),
		entered: make(chan struct{}),
		unblock: make(chan struct{}),
	}
	entered := primary.entered
	c := New(Options{Store: store, Primary: primary, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})

	done := make(chan error, 1)
	go func() { done <- c.RunSite(context.Background(), "alpha") }()
	<-entered

	if st := c.SiteState("alpha"); st != StateRefreshing {
		t.Fatalf("state = %q, want refreshing", st)
	}
	if err := c.RunSite(context.Background(), "alpha"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("concurrent RunSite error = %v, want ErrAlreadyRunning", err)
	}

	close(primary.unblock)
	if err := <-done; err == nil {
		t.Fatal("first run should report the refresh failure")
	}
	if st := c.SiteState("alpha"); st != StateIdle {
		t.Fatalf("state after run = %q, want idle", st)
	}

	// Slot released: a new run gets past the guard again.
	if err := c.RunSite(context.Background(), "alpha"); errors.Is(err, ErrAlreadyRunning) {
		t.Fatal("slot not released after the first run")
	}
}

func TestRunSiteRejects(t *testing.T) {
	t.Parallel()

	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:      "alpha",
		Keepalive: config.KeepaliveConfig{Enabled: true, Method: config.KeepaliveMethodNone},
	}}})
	c := New(Options{Store: store, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})

	if err := c.RunSite(context.Background(), "ghost"); err == nil || !strings.Contains(err.Error(), "not in config") {
		t.Fatalf("unknown site error = %v", err)
	}
	if err := c.RunSite(context.Background(), "alpha"); err == nil || !strings.Contains(err.Error(), "method none") {
		t.Fatalf("method none error = %v", err)
	}
}
