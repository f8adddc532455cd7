package executor

import (
	"context"
	"errors"
	"os"
	"testing"

	"signbot/internal/config"
	"signbot/internal/sites"
	logx "signbot/pkg/logx"
)

// stubStrategy is registered under test-only names so Execute can be
// driven without touching the network.
type stubStrategy struct {
	name  string
	msg   string
	err   error
	creds bool
}

func (s stubStrategy) Name() string              { return s.name }
func (s stubStrategy) RequiresCredentials() bool { return s.creds }
func (s stubStrategy) SignIn(ctx context.Context, req sites.Request) (string, error) {
	return s.msg, s.err
}

func TestMain(m *testing.M) {
	sites.Register(stubStrategy{name: "stub_ok", msg: "签到成功\n今日积分：5"})
	sites.Register(stubStrategy{name: "stub_fail", err: errors.New("连接超时")})
	sites.Register(stubStrategy{name: "stub_creds", msg: "登录签到成功", creds: true})
	os.Exit(m.Run())
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	msg, err := e.Execute(context.Background(), config.SiteConfig{Name: "a", Module: "stub_ok"}, sites.Globals{})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if msg != "签到成功\n今日积分：5" {
		t.Fatalf("message = %q", msg)
	}
}

func TestExecuteUnknownModule(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	_, err := e.Execute(context.Background(), config.SiteConfig{Name: "a", Module: "no_such_module"}, sites.Globals{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, sites.ErrUnknownStrategy) {
		t.Fatalf("error = %v, want ErrUnknownStrategy in chain", err)
	}
	kind := KindOf(err)
	if kind != KindStrategyNotFound {
		t.Fatalf("kind = %v", kind)
	}
	if !kind.Terminal() {
		t.Fatal("unknown module must be terminal")
	}
}

func TestExecuteCredentialGate(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())

	_, err := e.Execute(context.Background(), config.SiteConfig{Name: "a", Module: "stub_creds"}, sites.Globals{})
	if !errors.Is(err, sites.ErrCredentialMissing) {
		t.Fatalf("error = %v, want ErrCredentialMissing", err)
	}
	if kind := KindOf(err); kind != KindCredentialMissing || !kind.Terminal() {
		t.Fatalf("kind = %v", kind)
	}

	msg, err := e.Execute(context.Background(), config.SiteConfig{
		Name: "a", Module: "stub_creds", Username: "u", Password: "p",
	}, sites.Globals{})
	if err != nil {
		t.Fatalf("Execute with credentials: %v", err)
	}
	if msg != "登录签到成功" {
		t.Fatalf("message = %q", msg)
	}
}

func TestExecuteFailureTagged(t *testing.T) {
	t.Parallel()
	e := New(logx.Nop())
	_, err := e.Execute(context.Background(), config.SiteConfig{Name: "a", Module: "stub_fail"}, sites.Globals{})
	if err == nil {
		t.Fatal("expected error")
	}
	kind := KindOf(err)
	if kind != KindNetworkError {
		t.Fatalf("kind = %v", kind)
	}
	if kind.Terminal() {
		t.Fatal("network errors are retryable")
	}
}
