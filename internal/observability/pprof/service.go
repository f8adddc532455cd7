// Package pprof runs the optional profiling endpoint. It is off by
// default and guarded against accidental public exposure.
package pprof

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"signbot/internal/config"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/pkg/logx"
)

// Config controls the pprof HTTP server. The default bind is loopback;
// a non-loopback bind needs a Token or an explicit AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// ConfigFrom maps the YAML pprof block.
func ConfigFrom(pc config.PprofConfig) Config {
	return Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
	}
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil while a Stop drains
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
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
		rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
		// Profiling is optional; never take the daemon down over it.
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
	s.log.Info("pprof stopped")
}
