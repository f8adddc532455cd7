package pprof

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"signbot/internal/config"
	"signbot/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
		{"not-an-addr", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()

	got := ConfigFrom(config.PprofConfig{Enabled: true, Addr: "127.0.0.1:7070", Token: "s3cret"})
	want := Config{Enabled: true, Addr: "127.0.0.1:7070", Token: "s3cret"}
	if got != want {
		t.Fatalf("ConfigFrom = %+v, want %+v", got, want)
	}
}

// startedService starts a service on an ephemeral loopback port and
// returns its base URL.
func startedService(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if addr := s.Addr(); addr != "" {
			return s, "http://" + addr
		}
		if time.Now().After(deadline) {
			t.Fatalf("service did not bind in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeHealthz(t *testing.T) {
	t.Parallel()

	_, base := startedService(t, Config{})

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", resp.StatusCode, body)
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()

	_, base := startedService(t, Config{Token: "s3cret"})

	get := func(url, bearer string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	if code := get(base+"/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	if code := get(base+"/debug/pprof/?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", code)
	}
	if code := get(base+"/debug/pprof/?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", code)
	}
	if code := get(base+"/debug/pprof/", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", code)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	// The serve loop must refuse the bind; the listener never appears.
	time.Sleep(150 * time.Millisecond)
	if addr := s.Addr(); addr != "" {
		t.Fatalf("tokenless non-loopback bind served on %s, want refusal", addr)
	}
}

func TestReconfigureStartsAndStops(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	ctx := context.Background()

	// Disabled config: Start is a no-op.
	s.Start(ctx)
	if s.Supervisor() != nil {
		t.Fatalf("disabled service started a supervisor")
	}

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("service did not bind after enable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	deadline = time.Now().Add(5 * time.Second)
	for s.Supervisor() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("service did not stop after disable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
