// Package keepalive keeps site cookies usable between check-ins. A due
// site's cookie is refreshed through a real browser replay (primary) or
// pulled from CookieCloud (secondary); every candidate is verified against
// the live site before anything touches the config, and a failed run never
// modifies the stored cookie.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"signbot/internal/config"
	"signbot/internal/cookie"
	"signbot/internal/eventbus"
	"signbot/internal/refresh"
	"signbot/internal/refresh/cloudsync"
	"signbot/internal/sites"
	"signbot/pkg/logx"
)

const (
	// defaultInterval applies when keepalive.interval_minutes is unset.
	defaultInterval = 60 * time.Minute

	// failureRetryDelay schedules the next attempt after a total failure.
	failureRetryDelay = time.Hour
)

// ErrAlreadyRunning means a refresh for the same site is still in flight;
// at most one runs per site at any time.
var ErrAlreadyRunning = errors.New("keepalive already running for this site")

// State is a point-in-time label for what a site's refresh is doing.
// Observability only; nothing branches on it.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateVerifying  State = "verifying"
)

// RunEvent is published on the bus for every keepalive run.
type RunEvent struct {
	Site    string `json:"site"`
	Source  string `json:"source"` // browser | cloudsync
	Status  string `json:"status"` // success | failed
	Message string `json:"message,omitempty"`
}

// CloudSource is the secondary cookie source. *cloudsync.Client
// satisfies it.
type CloudSource interface {
	Fetch(ctx context.Context) (map[string][]cloudsync.Cookie, error)
}

// Options wires a Coordinator. Primary and Secondary may each be nil;
// a site whose method needs a missing one records a failure.
type Options struct {
	Store     *config.Store
	Primary   refresh.Strategy
	Secondary CloudSource
	Verifier  *Verifier
	Log       logx.Logger
	Bus       eventbus.Bus
}

// Coordinator owns the keepalive schedule and the single-flight guard.
type Coordinator struct {
	store     *config.Store
	primary   refresh.Strategy
	secondary CloudSource
	verifier  *Verifier
	log       logx.Logger
	bus       eventbus.Bus

	mu       sync.Mutex
	inflight map[string]bool
	states   map[string]State
}

func New(opts Options) *Coordinator {
	return &Coordinator{
		store:     opts.Store,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		verifier:  opts.Verifier,
		log:       opts.Log,
		bus:       opts.Bus,
		inflight:  make(map[string]bool),
		states:    make(map[string]State),
	}
}

// Running reports whether a refresh for key is in flight.
func (c *Coordinator) Running(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[key]
}

// SiteState reports what a site's refresh is currently doing.
func (c *Coordinator) SiteState(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st
	}
	return StateIdle
}

// Due decides from persisted fields alone whether a site needs a refresh,
// so the schedule survives restarts:
//
//  1. disabled, or method none: never;
//  2. a pending retry marker governs exclusively once set;
//  3. no previous run: due now;
//  4. otherwise due at the earlier of last+interval and the cookie
//     analyzer's schedule. Validity is assessed as of the last run: a
//     cookie that was valid then carries an absolute expiry+margin
//     target, which pulls the refresh forward to just after the embedded
//     expiry instant instead of waiting out the interval.
func Due(site *config.SiteConfig, now time.Time) bool {
	ka := site.Keepalive
	if !ka.Enabled || strings.TrimSpace(ka.Method) == config.KeepaliveMethodNone {
		return false
	}
	if retry, ok := config.ParseTime(ka.NextRetry); ok {
		return !now.Before(retry)
	}
	last, ok := config.ParseTime(ka.LastTime)
	if !ok {
		return true
	}
	interval := time.Duration(ka.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = defaultInterval
	}
	next := last.Add(interval)
	if fromCookie := cookie.NextRefresh(cookie.AnalyzeRaw(site.Cookie, last), now); fromCookie.Before(next) {
		next = fromCookie
	}
	return !now.Before(next)
}

// DueSites returns the keys of every enabled site whose refresh is due.
func DueSites(doc *config.Document, now time.Time) []string {
	var keys []string
	for i := range doc.Sites {
		if Due(&doc.Sites[i], now) {
			keys = append(keys, doc.Sites[i].Key())
		}
	}
	return keys
}

// RunSite refreshes one site's cookie end to end: primary refresh,
// mandatory verification, cloud fallback, and exactly one config write
// recording the outcome. Concurrent calls for the same site get
// ErrAlreadyRunning.
func (c *Coordinator) RunSite(ctx context.Context, key string) error {
	if !c.acquire(key) {
		return ErrAlreadyRunning
	}
	defer c.release(key)

	doc, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("keepalive %s: %w", key, err)
	}
	site := doc.Site(key)
	if site == nil {
		return fmt.Errorf("keepalive: site %q not in config", key)
	}
	method := strings.TrimSpace(site.Keepalive.Method)
	if method == "" {
		method = config.KeepaliveMethodBrowser
	}
	if method == config.KeepaliveMethodNone {
		return fmt.Errorf("keepalive: site %q has method none", key)
	}

	now := time.Now()
	log := c.log.With(logx.String("site", key))
	c.setState(key, StateRefreshing)
	c.publish("keepalive.started", RunEvent{Site: key, Source: method})

	userAgent := strings.TrimSpace(doc.UserAgent)
	if userAgent == "" {
		userAgent = sites.DefaultUserAgent
	}

	var failures []string
	primaryTried := false

	if method == config.KeepaliveMethodBrowser {
		primaryTried = true
		if c.primary == nil {
			failures = append(failures, "浏览器刷新未配置")
		} else {
			res, err := c.refreshPrimary(ctx, key, site, userAgent)
			if err == nil {
				return c.persistSuccess(key, now, res.CookieRaw, res.Message, config.NewBrowserMetadata(now))
			}
			log.Warn("primary refresh failed", logx.Err(err))
			failures = append(failures, err.Error())
		}
	}

	switch {
	case c.secondary == nil:
		if method == config.KeepaliveMethodCloudSync {
			failures = append(failures, "云端同步未配置")
		}
	case site.CookieMetadata.ShouldSkipCloudUpdate(now):
		// Trust precedence: the stored cookie still has comfortable
		// validity, so the cloud copy must not overwrite it.
		if !primaryTried {
			return c.persistSkipped(key, now)
		}
		failures = append(failures, "云端同步跳过：现有Cookie仍在有效期内")
	default:
		raw, msg, err := c.refreshSecondary(ctx, key, site, userAgent)
		if err == nil {
			return c.persistSuccess(key, now, raw, msg, config.NewCloudMetadata(now))
		}
		log.Warn("secondary refresh failed", logx.Err(err))
		failures = append(failures, err.Error())
	}

	return c.persistFailure(key, now, strings.Join(failures, "；"))
}

func (c *Coordinator) refreshPrimary(ctx context.Context, key string, site *config.SiteConfig, userAgent string) (refresh.Result, error) {
	res, err := c.primary.Refresh(ctx, refresh.Request{
		SiteName:  key,
		URL:       site.URL,
		CookieRaw: site.Cookie,
		UserAgent: userAgent,
	})
	if err != nil {
		return refresh.Result{}, fmt.Errorf("浏览器刷新失败: %v", err)
	}
	c.setState(key, StateVerifying)
	if err := c.verifier.Verify(ctx, site.URL, res.CookieRaw, userAgent); err != nil {
		return refresh.Result{}, fmt.Errorf("浏览器Cookie验证失败: %v", err)
	}
	return res, nil
}

func (c *Coordinator) refreshSecondary(ctx context.Context, key string, site *config.SiteConfig, userAgent string) (raw, message string, err error) {
	domain := siteDomain(site)
	if domain == "" {
		return "", "", fmt.Errorf("云端同步失败: 站点未配置URL或cookie_domain")
	}
	vault, err := c.secondary.Fetch(ctx)
	if err != nil {
		return "", "", fmt.Errorf("云端同步失败: %v", err)
	}
	cookies := cloudsync.CookiesForDomain(vault, domain)
	if len(cookies) == 0 {
		return "", "", fmt.Errorf("云端同步失败: 未找到域名 %s 的Cookie", domain)
	}
	raw = cloudsync.Format(cookies)
	c.setState(key, StateVerifying)
	if err := c.verifier.Verify(ctx, site.URL, raw, userAgent); err != nil {
		return "", "", fmt.Errorf("云端Cookie验证失败: %v", err)
	}
	return raw, fmt.Sprintf("云端同步成功，新Cookie %d 字符", len(raw)), nil
}

// persistSuccess is the single write for a verified refresh: new cookie,
// clamped metadata, run bookkeeping, retry marker cleared.
func (c *Coordinator) persistSuccess(key string, now time.Time, cookieRaw, message string, meta config.CookieMetadata) error {
	_, err := c.store.Update(func(doc *config.Document) error {
		site := doc.Site(key)
		if site == nil {
			return fmt.Errorf("site %q no longer in config", key)
		}
		site.Cookie = cookieRaw
		site.CookieMetadata.MergeRefresh(meta)
		site.Keepalive.LastTime = config.FormatTime(now)
		site.Keepalive.LastStatus = "success"
		site.Keepalive.LastMessage = message
		site.Keepalive.NextRetry = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("keepalive %s: persist: %w", key, err)
	}
	c.log.Info("keepalive refreshed cookie",
		logx.String("site", key),
		logx.String("source", meta.Source))
	c.publish("keepalive.succeeded", RunEvent{Site: key, Source: meta.Source, Status: "success", Message: message})
	return nil
}

// persistSkipped records a run that had nothing to do: the stored cookie
// is still trusted and no refresh was attempted. Advancing the timestamp
// keeps the site from staying due every tick.
func (c *Coordinator) persistSkipped(key string, now time.Time) error {
	const message = "云端同步跳过：现有Cookie仍在有效期内"
	_, err := c.store.Update(func(doc *config.Document) error {
		site := doc.Site(key)
		if site == nil {
			return fmt.Errorf("site %q no longer in config", key)
		}
		site.Keepalive.LastTime = config.FormatTime(now)
		site.Keepalive.LastStatus = "success"
		site.Keepalive.LastMessage = message
		site.Keepalive.NextRetry = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("keepalive %s: persist: %w", key, err)
	}
	c.log.Debug("keepalive skipped, stored cookie still trusted", logx.String("site", key))
	c.publish("keepalive.succeeded", RunEvent{Site: key, Source: config.SourceCloudSync, Status: "success", Message: message})
	return nil
}

// persistFailure is the single write for a run where no source produced a
// verified cookie. It touches only bookkeeping fields; the stored cookie
// stays exactly as it was.
func (c *Coordinator) persistFailure(key string, now time.Time, reason string) error {
	_, err := c.store.Update(func(doc *config.Document) error {
		site := doc.Site(key)
		if site == nil {
			return fmt.Errorf("site %q no longer in config", key)
		}
		site.Keepalive.LastTime = config.FormatTime(now)
		site.Keepalive.LastStatus = "failed"
		site.Keepalive.LastMessage = reason
		site.Keepalive.NextRetry = config.FormatTime(now.Add(failureRetryDelay))
		site.CookieMetadata.NoteFailedRefresh()
		return nil
	})
	if err != nil {
		return fmt.Errorf("keepalive %s: persist: %w", key, err)
	}
	c.log.Warn("keepalive failed, retry scheduled",
		logx.String("site", key),
		logx.String("reason", reason),
		logx.Duration("retry_in", failureRetryDelay))
	c.publish("keepalive.failed", RunEvent{Site: key, Status: "failed", Message: reason})
	return fmt.Errorf("keepalive %s: %s", key, reason)
}

func (c *Coordinator) acquire(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

// release drops the single-flight slot and resets the visible state.
func (c *Coordinator) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	delete(c.states, key)
}

func (c *Coordinator) setState(key string, st State) {
	c.mu.Lock()
	c.states[key] = st
	c.mu.Unlock()
}

func (c *Coordinator) publish(eventType string, ev RunEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: ev})
}

// siteDomain is the CookieCloud lookup key: explicit override first, then
// the URL host.
func siteDomain(site *config.SiteConfig) string {
	if d := strings.TrimSpace(site.CookieDomain); d != "" {
		return d
	}
	u, err := url.Parse(site.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
