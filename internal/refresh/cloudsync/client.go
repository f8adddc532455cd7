// Package cloudsync pulls cookies from a CookieCloud server. The server
// only ever sees ciphertext; decryption happens here with the uuid and
// password from the config.
package cloudsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"signbot/internal/config"
	logx "signbot/pkg/logx"
)

const (
	fetchTimeout = 10 * time.Second
	maxBodyBytes = 8 << 20 // a full cookie vault for many domains
)

// Cookie is one entry of the decrypted vault. CookieCloud ships more
// fields (path, expiry, flags); only name/value matter for the header.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Client talks to one CookieCloud server.
type Client struct {
	server   string
	uuid     string
	password string
	http     *http.Client
	log      logx.Logger
}

func New(cfg config.CookieCloudConfig, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		server:   strings.TrimRight(strings.TrimSpace(cfg.Server), "/"),
		uuid:     strings.TrimSpace(cfg.UUID),
		password: cfg.Password,
		http:     &http.Client{Timeout: fetchTimeout},
		log:      log,
	}
}

// Fetch downloads and decrypts the whole vault, keyed by domain.
func (c *Client) Fetch(ctx context.Context) (map[string][]Cookie, error) {
	if c.server == "" || c.uuid == "" {
		return nil, fmt.Errorf("cookiecloud is not configured")
	}

	endpoint := fmt.Sprintf("%s/get/%s", c.server, url.PathEscape(c.uuid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cookiecloud request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cookiecloud fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cookiecloud fetch: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("cookiecloud fetch: %w", err)
	}
	var payload struct {
		Encrypted string `json:"encrypted"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("cookiecloud response: %w", err)
	}
	if payload.Encrypted == "" {
		return nil, fmt.Errorf("cookiecloud response carries no encrypted payload")
	}

	plain, err := decrypt(payload.Encrypted, c.uuid, c.password)
	if err != nil {
		return nil, err
	}
	var vault struct {
		CookieData map[string][]Cookie `json:"cookie_data"`
	}
	if err := json.Unmarshal(plain, &vault); err != nil {
		return nil, fmt.Errorf("cookiecloud vault: %w", err)
	}
	c.log.Debug("cookiecloud vault fetched", logx.Int("domains", len(vault.CookieData)))
	return vault.CookieData, nil
}

// CookiesForDomain collects every vault entry matching domain. The vault
// keys by exact host, bare domain or dot-prefixed domain, so a substring
// match in either direction finds all of them.
func CookiesForDomain(vault map[string][]Cookie, domain string) []Cookie {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil
	}
	var out []Cookie
	for key, cookies := range vault {
		if strings.Contains(key, domain) || strings.Contains(domain, key) {
			out = append(out, cookies...)
		}
	}
	return out
}

// Format renders cookies as a Cookie header value. Entries without a
// name or value are dropped.
func Format(cookies []Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}
