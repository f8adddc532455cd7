package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"signbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// serveOnce binds, serves, and reports how the server ended so the
// restart loop can tell a shutdown from a crash.
func (s *Service) serveOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr, err := bindAddr(cur, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler: profileMux(cur.Token),
		// Profile downloads stream for minutes; only bound the headers.
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

	log.Info("pprof started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", strings.TrimSpace(cur.Token) != ""))

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
		return errors.New("pprof server exited unexpectedly")
	default:
		return err
	}
}

// bindAddr validates the configured bind against the exposure policy:
// a tokenless non-loopback listen is refused unless AllowInsecure, and
// even then it is called out.
func bindAddr(cfg Config, log logx.Logger) (string, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return "", errors.New("pprof refused to start: insecure bind")
		}
		log.Warn("pprof running without token on non-loopback addr", logx.String("addr", addr))
	}
	return addr, nil
}

func profileMux(token string) *http.ServeMux {
	routes := map[string]http.HandlerFunc{
		"/healthz": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		},
		"/debug/pprof/":        hpprof.Index,
		"/debug/pprof/cmdline": hpprof.Cmdline,
		"/debug/pprof/profile": hpprof.Profile,
		"/debug/pprof/symbol":  hpprof.Symbol,
		"/debug/pprof/trace":   hpprof.Trace,
	}
	mux := http.NewServeMux()
	for path, h := range routes {
		mux.HandleFunc(path, requireToken(token, h))
	}
	return mux
}

// requireToken guards h with a bearer token, accepted either as
// "Authorization: Bearer <token>" or "?token=<token>". A query token
// takes precedence over the header when both are present.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if presentedToken(r) == want {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func presentedToken(r *http.Request) string {
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	const scheme = "Bearer "
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, scheme) {
		return strings.TrimSpace(strings.TrimPrefix(ah, scheme))
	}
	return ""
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	switch {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
