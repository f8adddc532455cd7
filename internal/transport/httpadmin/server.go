// Package httpadmin serves the local admin API: daemon status, the
// sanitized site list, manual sign/keepalive/sync triggers, and the
// Prometheus exposition. Cookie values never leave this process through
// any of its responses.
package httpadmin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"signbot/internal/config"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/pkg/logx"
)

const defaultListen = "127.0.0.1:8080"

// Config controls the admin HTTP server. The default bind is loopback;
// a non-loopback bind needs basic-auth credentials or an explicit
// AllowInsecure.
type Config struct {
	Enabled       bool
	Listen        string
	AllowInsecure bool
	Username      string
	Password      string
}

// ConfigFrom maps the YAML http and auth blocks.
func ConfigFrom(hc config.HTTPConfig, ac config.AuthConfig) Config {
	return Config{
		Enabled:       hc.Enabled,
		Listen:        hc.Listen,
		AllowInsecure: hc.AllowInsecure,
		Username:      strings.TrimSpace(ac.Username),
		Password:      ac.Password,
	}
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	opts Options

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil while a Stop drains
}

func New(cfg Config, opts Options, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, opts: opts, log: log}
}

// Supervisor exposes the serve loop's supervisor for health output; nil
// while not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Reconfigure applies cfg during a hot reload, starting, stopping or
// bouncing the server as the diff requires.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the serve loop. Idempotent; a no-op while disabled.
// When a previous Stop is still draining it waits for that first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	for s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "httpadmin"))),
		// The admin API is an auxiliary surface; never take the daemon
		// down over it.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down, waiting until ctx runs out. Past the
// deadline the serve loop is cancelled and cleanup finishes detached.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go s.teardown(ctx, done, srv, ln, sup)

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) teardown(ctx context.Context, done chan struct{}, srv *http.Server, ln net.Listener, sup *rtsup.Supervisor) {
	defer close(done)

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.ln = nil
	s.srv = nil
	s.sup = nil
	s.stopping = nil
	s.mu.Unlock()
	s.log.Info("admin api stopped")
}

// serveOnce binds, serves, and reports how the server ended so the
// restart loop can tell a shutdown from a crash.
func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	opts := s.opts
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Listen)
	if addr == "" {
		addr = defaultListen
	}
	if cur.Username == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			log.Error("admin api refused to start: non-loopback listen requires auth or allow_insecure",
				logx.String("listen", addr))
			return errors.New("admin api refused to start: insecure bind")
		}
		log.Warn("admin api running without auth on non-loopback listen", logx.String("listen", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("admin api listen failed", logx.String("listen", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           newRouter(cur, opts, log),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	// Publish the handles so Stop and Addr can reach them.
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Bounded; the outer Stop does the real graceful shutdown.
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	log.Info("admin api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", cur.Username != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopping != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("admin api server exited unexpectedly")
	default:
		return err
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsLoopback()
}
