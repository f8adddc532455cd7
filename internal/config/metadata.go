package config

import "time"

// Cookie origin, in descending order of trust. A still-valid browser
// cookie is never overwritten by a cloud-synced one.
const (
	SourceBrowser   = "browser"
	SourceCloudSync = "cloudsync"
	SourceManual    = "manual"
)

const (
	browserCookieValidity = 2 * time.Hour
	cloudCookieValidity   = 24 * time.Hour

	// Cloud updates are skipped while the stored cookie still has this
	// much declared validity left, regardless of source.
	cloudSkipMargin = 30 * time.Minute
)

// CookieMetadata records where a site's cookie came from and how long it
// is declared valid. It lives inside SiteConfig and is persisted with the
// document.
type CookieMetadata struct {
	LastUpdated     string `yaml:"last_updated,omitempty"`
	Source          string `yaml:"source,omitempty"`
	ValidUntil      string `yaml:"valid_until,omitempty"`
	RefreshAttempts int    `yaml:"refresh_attempts,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// NewBrowserMetadata describes a cookie just obtained by browser replay.
func NewBrowserMetadata(now time.Time) CookieMetadata {
	return CookieMetadata{
		LastUpdated: FormatTime(now),
		Source:      SourceBrowser,
		ValidUntil:  FormatTime(now.Add(browserCookieValidity)),
	}
}

// NewCloudMetadata describes a cookie just synced from CookieCloud.
func NewCloudMetadata(now time.Time) CookieMetadata {
	return CookieMetadata{
		LastUpdated: FormatTime(now),
		Source:      SourceCloudSync,
		ValidUntil:  FormatTime(now.Add(cloudCookieValidity)),
	}
}

// ValidAt reports whether the declared validity window still covers now.
// Missing or unparseable valid_until means not valid.
func (m CookieMetadata) ValidAt(now time.Time) bool {
	until, ok := ParseTime(m.ValidUntil)
	return ok && now.Before(until)
}

// Remaining returns the declared validity left at now (zero when expired
// or unknown).
func (m CookieMetadata) Remaining(now time.Time) time.Duration {
	until, ok := ParseTime(m.ValidUntil)
	if !ok {
		return 0
	}
	if d := until.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ShouldSkipCloudUpdate applies the trust precedence rules for the
// secondary source: a still-valid browser cookie always wins, and any
// cookie with comfortable validity left is not worth replacing.
func (m CookieMetadata) ShouldSkipCloudUpdate(now time.Time) bool {
	if m.Source == SourceBrowser && m.ValidAt(now) {
		return true
	}
	return m.Remaining(now) > cloudSkipMargin
}

// MergeRefresh overlays fresh metadata from a verified refresh.
// ValidUntil never moves backward, and hand-added Extra keys plus the
// failure counter survive the overlay.
func (m *CookieMetadata) MergeRefresh(next CookieMetadata) {
	if oldUntil, ok := ParseTime(m.ValidUntil); ok {
		if newUntil, ok2 := ParseTime(next.ValidUntil); !ok2 || newUntil.Before(oldUntil) {
			next.ValidUntil = m.ValidUntil
		}
	}
	m.LastUpdated = next.LastUpdated
	m.Source = next.Source
	m.ValidUntil = next.ValidUntil
}

// NoteFailedRefresh bumps the failure counter. The cookie value itself is
// never touched on failure.
func (m *CookieMetadata) NoteFailedRefresh() {
	m.RefreshAttempts++
}
