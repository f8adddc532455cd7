// Package sites holds the per-site check-in strategies and the registry
// that maps a site's `module` key to one. Strategies are registered at
// init time; an unknown key is a configuration error surfaced by the
// executor, never a silent skip.
package sites

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"signbot/internal/config"
	logx "signbot/pkg/logx"
)

// DefaultUserAgent is used when neither the site nor the document sets one.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36"

// ErrUnknownStrategy is wrapped by Resolve for unregistered module keys.
var ErrUnknownStrategy = errors.New("unknown sign-in strategy")

// ErrCredentialMissing is returned by credential-based strategies when the
// site has no username/password configured. It is terminal: retrying
// cannot help until the operator fixes the config.
var ErrCredentialMissing = errors.New("username/password required")

// Globals carries document-level settings strategies may need.
type Globals struct {
	UserAgent string
}

// Request is everything a strategy gets for one sign-in attempt.
type Request struct {
	Site       config.SiteConfig
	Globals    Globals
	HTTPClient *http.Client
	Log        logx.Logger
}

// Strategy performs the actual check-in for one site family. The returned
// message is human-readable (it ends up in notifications and in the
// document's last_sign_message); errors carry the failure text used for
// classification.
type Strategy interface {
	Name() string
	SignIn(ctx context.Context, req Request) (string, error)
}

var (
	regMu    sync.RWMutex
	registry = map[string]Strategy{}
)

// Register adds a strategy under its Name. Registering two strategies
// with the same name is a programmer error and panics at init.
func Register(s Strategy) {
	name := strings.TrimSpace(s.Name())
	if name == "" {
		panic("sites: strategy with empty name")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("sites: duplicate strategy " + name)
	}
	registry[name] = s
}

// Resolve returns the strategy for a module key.
func Resolve(key string) (Strategy, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := registry[strings.TrimSpace(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, key)
	}
	return s, nil
}

// Names lists the registered strategy keys, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// stepDelay spaces protocol steps out; forums rate-limit aggressively.
var stepDelay = time.Second

func (r Request) userAgent() string {
	if ua := strings.TrimSpace(r.Globals.UserAgent); ua != "" {
		return ua
	}
	return DefaultUserAgent
}

func (r Request) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return defaultClient
}

const maxBodyBytes = 1 << 20

// get performs a GET with the site cookie and UA attached and returns the
// body (bounded) plus the status code.
func (r Request) get(ctx context.Context, rawURL string, headers map[string]string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	r.applyHeaders(req, headers)
	return r.do(req)
}

// postForm performs a form POST with the site cookie and UA attached.
func (r Request) postForm(ctx context.Context, rawURL string, form url.Values, headers map[string]string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.applyHeaders(req, headers)
	return r.do(req)
}

func (r Request) applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("User-Agent", r.userAgent())
	if c := strings.TrimSpace(r.Site.Cookie); c != "" {
		req.Header.Set("Cookie", c)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (r Request) do(req *http.Request) (string, int, error) {
	resp, err := r.client().Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(b), resp.StatusCode, nil
}

// joinURL resolves ref against base the way browsers do.
func joinURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// sleep pauses between protocol steps without ignoring cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
