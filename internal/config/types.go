package config

import (
	"fmt"
	"strings"
)

// Document is the single YAML document holding all persistent state:
// site definitions, credentials, cookies, schedules, and the
// observability fields the daemon writes back after each run.
//
// Unknown keys are preserved across load/save at every nesting level via
// the inline Extra maps, so hand-maintained entries survive the daemon's
// own writes.
type Document struct {
	// UserAgent overrides the built-in browser User-Agent for all sites.
	UserAgent string `yaml:"user_agent,omitempty"`

	Auth    AuthConfig    `yaml:"auth,omitempty"`
	Daemon  DaemonConfig  `yaml:"daemon,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
	Notify  NotifyConfig  `yaml:"notify,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`

	Retry       RetryConfig       `yaml:"retry,omitempty"`
	CookieCloud CookieCloudConfig `yaml:"cookiecloud,omitempty"`

	Sites []SiteConfig `yaml:"sites"`

	Extra map[string]any `yaml:",inline"`
}

// AuthConfig is HTTP basic auth for the admin API. Empty username disables auth.
type AuthConfig struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// DaemonConfig controls the two driver loops and the optional servers.
// Tick fields are Go duration strings (e.g. "30s").
type DaemonConfig struct {
	SignTick      string `yaml:"sign_tick,omitempty"`      // default "30s"
	KeepaliveTick string `yaml:"keepalive_tick,omitempty"` // default "60s"
	Workers       int    `yaml:"workers,omitempty"`        // default 4
	QueueSize     int    `yaml:"queue_size,omitempty"`     // default 64

	HTTP  HTTPConfig  `yaml:"http,omitempty"`
	Pprof PprofConfig `yaml:"pprof,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// HTTPConfig controls the admin HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - Binding to a non-loopback address requires auth credentials or an
//     explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen,omitempty"`
	AllowInsecure bool   `yaml:"allow_insecure,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// PprofConfig controls the optional pprof HTTP server.
type PprofConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `yaml:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `yaml:"allow_insecure,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type LoggingConfig struct {
	Level    string            `yaml:"level,omitempty"`
	Console  bool              `yaml:"console,omitempty"`
	File     FileLogConfig     `yaml:"file,omitempty"`
	Telegram TelegramLogConfig `yaml:"telegram,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type FileLogConfig struct {
	Enabled bool           `yaml:"enabled"`
	Dir     string         `yaml:"dir,omitempty"`      // default "logs"
	MaxDays int            `yaml:"max_days,omitempty"` // default 30
	Extra   map[string]any `yaml:",inline"`
}

type TelegramLogConfig struct {
	Enabled    bool           `yaml:"enabled"`
	MinLevel   string         `yaml:"min_level,omitempty"` // default "warn"
	RatePerSec float64        `yaml:"rate_per_sec,omitempty"`
	Extra      map[string]any `yaml:",inline"`
}

// NotifyConfig controls the async notification pipeline.
// All duration fields are Go duration strings.
type NotifyConfig struct {
	Workers         int    `yaml:"workers,omitempty"`
	QueueSize       int    `yaml:"queue_size,omitempty"`
	RatePerSec      int    `yaml:"rate_per_sec,omitempty"`
	Burst           int    `yaml:"burst,omitempty"`
	RetryMax        int    `yaml:"retry_max,omitempty"`
	RetryBase       string `yaml:"retry_base,omitempty"`
	RetryMaxDelay   string `yaml:"retry_max_delay,omitempty"`
	DedupWindow     string `yaml:"dedup_window,omitempty"`
	DedupMaxEntries int    `yaml:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `yaml:"persist_dedup,omitempty"`
	HistorySize     int    `yaml:"history_size,omitempty"`

	Telegram TelegramNotifyConfig `yaml:"telegram,omitempty"`
	Bark     BarkNotifyConfig     `yaml:"bark,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

type TelegramNotifyConfig struct {
	Enabled bool           `yaml:"enabled"`
	Token   string         `yaml:"token,omitempty"`
	ChatID  int64          `yaml:"chat_id,omitempty"`
	Extra   map[string]any `yaml:",inline"`
}

// BarkNotifyConfig configures push delivery through the Bark service
// (api.day.app). Icon and URL are attached to the payload only when set.
type BarkNotifyConfig struct {
	Enabled bool           `yaml:"enabled"`
	Key     string         `yaml:"key,omitempty"`
	Group   string         `yaml:"group,omitempty"`
	Sound   string         `yaml:"sound,omitempty"`
	Icon    string         `yaml:"icon,omitempty"`
	URL     string         `yaml:"url,omitempty"`
	Extra   map[string]any `yaml:",inline"`
}

// StorageConfig controls the audit/dedup persistence layer.
type StorageConfig struct {
	Driver      string `yaml:"driver,omitempty"` // "file" (default) or "sqlite"
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Extra map[string]any `yaml:",inline"`
}

// RetryConfig is the check-in retry policy. The document-level block is the
// global default; a site-level block overrides it per site.
type RetryConfig struct {
	Enabled           *bool `yaml:"enabled,omitempty"` // nil means enabled
	MaxRetries        int   `yaml:"max_retries,omitempty"`
	RetryDelayMinutes int   `yaml:"retry_delay_minutes,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// CookieCloudConfig points at a CookieCloud server used as the secondary
// cookie source. All three fields must be set for cloud sync to run.
type CookieCloudConfig struct {
	Server   string `yaml:"server,omitempty"`
	UUID     string `yaml:"uuid,omitempty"`
	Password string `yaml:"password,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

func (c CookieCloudConfig) Configured() bool {
	return strings.TrimSpace(c.Server) != "" &&
		strings.TrimSpace(c.UUID) != "" &&
		strings.TrimSpace(c.Password) != ""
}

// SiteConfig is one check-in target. The daemon mutates only the
// observability fields (last_sign_*, keepalive.last_*, cookie_metadata)
// and, after a verified refresh, the cookie itself.
type SiteConfig struct {
	Name    string `yaml:"name"`
	Aliases string `yaml:"aliases,omitempty"` // overrides Name as the unique key
	Module  string `yaml:"module"`
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url,omitempty"`

	Cookie string `yaml:"cookie,omitempty"`
	// CookieDomain overrides the URL host when matching CookieCloud domains.
	CookieDomain string `yaml:"cookie_domain,omitempty"`
	Username     string `yaml:"username,omitempty"`
	Password     string `yaml:"password,omitempty"`

	RunTime     string `yaml:"run_time,omitempty"`     // "HH:MM:SS", default 09:00:00
	RandomRange int    `yaml:"random_range,omitempty"` // jitter window, minutes
	Cron        string `yaml:"cron,omitempty"`         // overrides run_time when set

	Retry     *RetryConfig    `yaml:"retry,omitempty"`
	Keepalive KeepaliveConfig `yaml:"keepalive,omitempty"`

	CookieMetadata CookieMetadata `yaml:"cookie_metadata,omitempty"`

	LastSignTime    string `yaml:"last_sign_time,omitempty"`
	LastSignStatus  string `yaml:"last_sign_status,omitempty"`
	LastSignMessage string `yaml:"last_sign_message,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// KeepaliveConfig holds both the per-site keepalive policy and the
// observability fields the coordinator writes back. NextRetry is set only
// after a total refresh failure and cleared on the next success.
type KeepaliveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalMinutes int    `yaml:"interval_minutes,omitempty"` // default 60
	Method          string `yaml:"method,omitempty"`           // browser | cloudsync | none

	LastTime    string `yaml:"last_keepalive_time,omitempty"`
	LastStatus  string `yaml:"last_keepalive_status,omitempty"`
	LastMessage string `yaml:"last_keepalive_message,omitempty"`
	NextRetry   string `yaml:"next_retry_time,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Keepalive methods.
const (
	KeepaliveMethodBrowser   = "browser"
	KeepaliveMethodCloudSync = "cloudsync"
	KeepaliveMethodNone      = "none"
)

// Status values shared by sign and keepalive observability fields.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Key returns the unique per-site key: aliases when set, else name.
func (s *SiteConfig) Key() string {
	if k := strings.TrimSpace(s.Aliases); k != "" {
		return k
	}
	return strings.TrimSpace(s.Name)
}

// Site returns the site with the given key, or nil.
// The pointer aims into d.Sites so callers can mutate in place under Update.
func (d *Document) Site(key string) *SiteConfig {
	for i := range d.Sites {
		if d.Sites[i].Key() == key {
			return &d.Sites[i]
		}
	}
	return nil
}

// RetryFor resolves the effective retry policy for a site:
// site-level block when present, else the document-level default,
// else built-in defaults (enabled, 3 retries, 5 minute delay).
func (d *Document) RetryFor(s *SiteConfig) RetryConfig {
	r := d.Retry
	if s != nil && s.Retry != nil {
		r = *s.Retry
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.RetryDelayMinutes <= 0 {
		r.RetryDelayMinutes = 5
	}
	return r
}

func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Validate rejects documents the daemon cannot safely run with.
// Structural only; the app layer adds checks that need other components
// (e.g. whether a site's module is registered).
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("config: empty document")
	}
	if _, err := ParseDurationField("daemon.sign_tick", doc.Daemon.SignTick); err != nil {
		return err
	}
	if _, err := ParseDurationField("daemon.keepalive_tick", doc.Daemon.KeepaliveTick); err != nil {
		return err
	}
	if doc.Daemon.Workers < 0 {
		return fmt.Errorf("daemon.workers: must be >= 0")
	}

	seen := make(map[string]int, len(doc.Sites))
	for i := range doc.Sites {
		s := &doc.Sites[i]
		key := s.Key()
		if key == "" {
			return fmt.Errorf("sites[%d]: name is required", i)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("sites[%d]: key %q already used by sites[%d] (set a distinct aliases)", i, key, prev)
		}
		seen[key] = i
		if s.Enabled && strings.TrimSpace(s.Module) == "" {
			return fmt.Errorf("site %q: module is required", key)
		}
		switch m := strings.TrimSpace(s.Keepalive.Method); m {
		case "", KeepaliveMethodBrowser, KeepaliveMethodCloudSync, KeepaliveMethodNone:
		default:
			return fmt.Errorf("site %q: unknown keepalive method %q", key, m)
		}
		if s.RandomRange < 0 {
			return fmt.Errorf("site %q: random_range must be >= 0", key)
		}
	}
	return nil
}
