// Package browser refreshes cookies by replaying them in headless
// Chrome: the site sees an ordinary visit, answers with fresh Set-Cookie
// headers, and the browser's jar after the visit becomes the new cookie.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"signbot/internal/cookie"
	"signbot/internal/refresh"
	logx "signbot/pkg/logx"
)

// Config controls the shared browser pool.
type Config struct {
	MaxParallel       int           // concurrent browser runs; 0 = unlimited
	NavigationTimeout time.Duration // whole-run budget, default 60s
	SettleDelay       time.Duration // wait after load for late Set-Cookie/JS, default 2s
}

// Refresher implements refresh.Strategy on one shared ExecAllocator; each
// run gets its own browser context and deadline.
type Refresher struct {
	cfg         Config
	log         logx.Logger
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Refresher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 800),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Refresher{
		cfg:         cfg,
		log:         log,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close tears the browser pool down.
func (r *Refresher) Close() { r.allocCancel() }

func (r *Refresher) Name() string { return "browser" }

// Refresh injects the stored cookie, visits the site and reads the jar
// back. The result fails when the jar comes back without an auth marker:
// a forum that logged us out returns plenty of cookies, none of them
// worth keeping.
func (r *Refresher) Refresh(ctx context.Context, req refresh.Request) (refresh.Result, error) {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || u.Hostname() == "" {
		return refresh.Result{}, fmt.Errorf("site %s url %q is not absolute", req.SiteName, req.URL)
	}
	if strings.TrimSpace(req.CookieRaw) == "" {
		return refresh.Result{}, fmt.Errorf("site %s has no cookie to replay", req.SiteName)
	}

	if err := r.acquire(ctx); err != nil {
		return refresh.Result{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()
	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	var raw string
	actions := []chromedp.Action{
		r.setupAction(req, u.Hostname()),
		chromedp.Navigate(u.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		collectAction(u.String(), &raw),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return refresh.Result{}, fmt.Errorf("browser run: %w", err)
	}

	if strings.TrimSpace(raw) == "" {
		return refresh.Result{}, fmt.Errorf("browser returned no cookies for %s", req.SiteName)
	}
	if _, ok := cookie.AuthMarker(cookie.Parse(raw)); !ok {
		return refresh.Result{}, fmt.Errorf("refreshed cookie for %s lost its auth marker", req.SiteName)
	}

	r.log.Debug("browser refresh finished",
		logx.String("site", req.SiteName),
		logx.Int("cookie_len", len(raw)),
		logx.Duration("took", time.Since(start)),
	)
	return refresh.Result{
		CookieRaw: raw,
		Message:   fmt.Sprintf("浏览器刷新成功，新Cookie %d 字符", len(raw)),
	}, nil
}

// setupAction enables the network domain, pins the user agent and
// injects the stored cookie before navigation.
func (r *Refresher) setupAction(req refresh.Request, host string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if req.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(req.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		for name, value := range cookie.Parse(req.CookieRaw) {
			err := network.SetCookie(name, value).
				WithDomain("." + host).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("inject cookie %s: %w", name, err)
			}
		}
		return nil
	})
}

// collectAction reads the jar back for the page URL and serializes it.
func collectAction(pageURL string, out *string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithUrls([]string{pageURL}).Do(ctx)
		if err != nil {
			return fmt.Errorf("read cookies back: %w", err)
		}
		pairs := make([]string, 0, len(cookies))
		for _, c := range cookies {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
		*out = strings.Join(pairs, "; ")
		return nil
	})
}

func (r *Refresher) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (r *Refresher) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}
