package keepalive

import (
	"context"
	"strings"
	"testing"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	"signbot/internal/refresh/cloudsync"
	"signbot/pkg/logx"
)

func TestSyncAllUpdatesChangedSites(t *testing.T) {
	t.Parallel()

	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{
		{
			Name:   "alpha",
			URL:    "http://right.com.cn/",
			Cookie: "site_auth=stale",
		},
		{
			// Already matches the vault: no write, no count.
			Name:   "beta",
			URL:    "http://other.example.com/",
			Cookie: "other_auth=current",
		},
		{
			// No URL and no override: unresolvable, left alone.
			Name:   "gamma",
			Cookie: "gamma_auth=keep",
		},
	}})
	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{
		"right.com.cn":      {{Name: "site_auth", Value: "fresh"}},
		"other.example.com": {{Name: "other_auth", Value: "current"}},
	}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	c := New(Options{Store: store, Secondary: cloud, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop(), Bus: bus})
	updated, err := c.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	if cloud.calls != 1 {
		t.Fatalf("vault fetches = %d, want exactly 1 for the whole pass", cloud.calls)
	}

	doc, _ := store.Load()
	if got := doc.Site("alpha").Cookie; got != "site_auth=fresh" {
		t.Fatalf("alpha cookie = %q, want the cloud copy", got)
	}
	if got := doc.Site("alpha").CookieMetadata.Source; got != config.SourceCloudSync {
		t.Fatalf("alpha metadata source = %q, want cloudsync", got)
	}
	if got := doc.Site("beta").CookieMetadata.Source; got != "" {
		t.Fatalf("beta metadata touched: source = %q", got)
	}
	if got := doc.Site("gamma").Cookie; got != "gamma_auth=keep" {
		t.Fatalf("gamma cookie = %q, want untouched", got)
	}

	var updates int
	for {
		select {
		case e := <-events:
			if e.Type == "cloudsync.updated" {
				updates++
			}
		default:
			if updates != 1 {
				t.Fatalf("cloudsync.updated events = %d, want 1", updates)
			}
			return
		}
	}
}

func TestSyncAllOverridesTrustGate(t *testing.T) {
	t.Parallel()

	// The stored cookie is fresh enough that RunSite's automatic fallback
	// would refuse the cloud copy; the explicit pass still applies it.
	now := time.Now()
	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:   "alpha",
		URL:    "http://right.com.cn/",
		Cookie: "site_auth=stillgood",
		CookieMetadata: config.CookieMetadata{
			LastUpdated: config.FormatTime(now.Add(-10 * time.Minute)),
			Source:      config.SourceBrowser,
			ValidUntil:  config.FormatTime(now.Add(time.Hour)),
		},
	}}})
	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{
		"right.com.cn": {{Name: "site_auth", Value: "cloudcopy"}},
	}}

	c := New(Options{Store: store, Secondary: cloud, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})
	updated, err := c.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if updated != 1 {
		t.Fatalf("updated = %d, want 1", updated)
	}
	doc, _ := store.Load()
	if got := doc.Site("alpha").Cookie; got != "site_auth=cloudcopy" {
		t.Fatalf("cookie = %q, want the cloud copy", got)
	}
}

func TestSyncAllNoChanges(t *testing.T) {
	t.Parallel()

	store := seedStore(t, &config.Document{Sites: []config.SiteConfig{{
		Name:   "alpha",
		URL:    "http://right.com.cn/",
		Cookie: "site_auth=current",
	}}})
	cloud := &stubCloud{vault: map[string][]cloudsync.Cookie{
		"right.com.cn": {{Name: "site_auth", Value: "current"}},
	}}

	c := New(Options{Store: store, Secondary: cloud, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})
	updated, err := c.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if updated != 0 {
		t.Fatalf("updated = %d, want 0", updated)
	}
}

func TestSyncAllRequiresCloud(t *testing.T) {
	t.Parallel()

	store := seedStore(t, &config.Document{})
	c := New(Options{Store: store, Verifier: NewVerifier(logx.Nop()), Log: logx.Nop()})
	if _, err := c.SyncAll(context.Background()); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("SyncAll without cloud = %v, want configuration error", err)
	}
}
