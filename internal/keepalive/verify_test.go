package keepalive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signbot/pkg/logx"
)

func TestLoggedOutPage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"empty", "", true},
		{"whitespace only", "  \n\t  ", true},
		{"login prompt", "<div>请先登录后继续操作</div>", true},
		{"bare login word", "<a>登录</a> <a>注册</a>", true},
		{"discuz login form", `<form action="member.php?mod=logging&action=login&loginsubmit=yes">`, true},
		{"logged in greeting", "<html><body>欢迎回来，管理面板</body></html>", false},
		{"english page", "<html><body>welcome back, profile, sign out</body></html>", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := LoggedOutPage(tt.body); got != tt.want {
				t.Fatalf("LoggedOutPage(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}

func TestVerifySendsCookieAndUA(t *testing.T) {
	t.Parallel()

	var gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, "<html><body>欢迎回来，管理面板</body></html>")
	}))
	defer srv.Close()

	v := NewVerifier(logx.Nop())
	if err := v.Verify(context.Background(), srv.URL, "site_auth=abc123", "TestAgent/1.0"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotCookie != "site_auth=abc123" {
		t.Fatalf("Cookie header = %q, want %q", gotCookie, "site_auth=abc123")
	}
	if gotUA != "TestAgent/1.0" {
		t.Fatalf("User-Agent header = %q, want %q", gotUA, "TestAgent/1.0")
	}
}

func TestVerifyMarkerlessCookieSkipsRequest(t *testing.T) {
	t.Parallel()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	v := NewVerifier(logx.Nop())
	err := v.Verify(context.Background(), srv.URL, "theme=dark; lang=zh", "")
	if err == nil {
		t.Fatal("expected error for cookie without auth marker")
	}
	if hits != 0 {
		t.Fatalf("server hits = %d, want 0", hits)
	}
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"forbidden", http.StatusForbidden, "denied", "HTTP 403"},
		{"redirect target says login", http.StatusOK, "<div>请先登录</div>", "logged out"},
		{"empty body", http.StatusOK, "", "logged out"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			v := NewVerifier(logx.Nop())
			err := v.Verify(context.Background(), srv.URL, "site_auth=tok", "")
			if err == nil {
				t.Fatal("expected verification error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
