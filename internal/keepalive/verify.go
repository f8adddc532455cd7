package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signbot/internal/cookie"
	"signbot/pkg/logx"
)

const (
	verifyTimeout = 15 * time.Second
	verifyBodyCap = 1 << 20
)

// loggedOutMarkers are fragments that appear on Discuz-style pages served
// to anonymous visitors. The generic "登录" last: it also matches the more
// specific phrases, so order only affects which marker gets logged.
var loggedOutMarkers = []string{
	"请先登录",
	"先登录",
	"未登录",
	"登录后",
	"member.php?mod=logging",
	"action=login",
	"登录",
}

// LoggedOutPage reports whether an HTML body looks like the site no longer
// recognizes the session. An empty body counts as logged out: a refresh
// that produced nothing readable proves nothing.
func LoggedOutPage(body string) bool {
	if strings.TrimSpace(body) == "" {
		return true
	}
	for _, marker := range loggedOutMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// Verifier checks that a refreshed cookie actually authenticates against
// the live site before anything is persisted.
type Verifier struct {
	client *http.Client
	log    logx.Logger
}

func NewVerifier(log logx.Logger) *Verifier {
	return &Verifier{
		client: &http.Client{Timeout: verifyTimeout},
		log:    log,
	}
}

// WithHTTPClient swaps the transport, for tests.
func (v *Verifier) WithHTTPClient(c *http.Client) *Verifier {
	v.client = c
	return v
}

// Verify fetches rawURL with the candidate cookie and fails unless the
// response is a 200 that does not look logged out. A cookie without an
// auth marker fails immediately, no request made.
func (v *Verifier) Verify(ctx context.Context, rawURL, cookieRaw, userAgent string) error {
	if _, ok := cookie.AuthMarker(cookie.Parse(cookieRaw)); !ok {
		return fmt.Errorf("cookie has no auth marker, not worth a request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	req.Header.Set("Cookie", cookieRaw)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, verifyBodyCap))
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verify: HTTP %d", resp.StatusCode)
	}
	if LoggedOutPage(string(body)) {
		return fmt.Errorf("verify: page looks logged out")
	}

	v.log.Debug("cookie verified against live site",
		logx.String("url", rawURL),
		logx.Int("body_len", len(body)))
	return nil
}
