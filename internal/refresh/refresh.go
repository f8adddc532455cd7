// Package refresh defines the cookie refresh strategies the keepalive
// coordinator drives: a primary that replays the session in a headless
// browser and a secondary that pulls from a CookieCloud server.
package refresh

import "context"

// Request identifies one site cookie to refresh.
type Request struct {
	SiteName  string
	URL       string
	CookieRaw string
	UserAgent string
}

// Result is a candidate replacement cookie. Message describes how it was
// obtained; it ends up in the keepalive status fields.
type Result struct {
	CookieRaw string
	Message   string
}

// Strategy produces a refreshed cookie for a site. Implementations never
// persist anything: the coordinator verifies results and owns the store.
type Strategy interface {
	Name() string
	Refresh(ctx context.Context, req Request) (Result, error)
}
