// Package executor runs check-in attempts and owns their bookkeeping:
// resolving the site's strategy, labeling failures, writing the
// document's last_sign fields and producing the single operator
// notification per terminal outcome.
package executor

import (
	"context"
	"net/http"
	"strings"

	"signbot/internal/config"
	"signbot/internal/sites"
	logx "signbot/pkg/logx"
)

// credentialed marks strategies that log in with username/password
// instead of a cookie; the check runs before any network traffic.
type credentialed interface {
	RequiresCredentials() bool
}

// Executor resolves and invokes site strategies.
type Executor struct {
	log    logx.Logger
	client *http.Client
}

func New(log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{log: log}
}

// WithHTTPClient overrides the strategies' HTTP client; tests use it to
// stay off the network.
func (e *Executor) WithHTTPClient(c *http.Client) *Executor {
	e.client = c
	return e
}

// Execute runs one check-in attempt for site. The returned message is the
// operator-facing result text; a non-nil error carries its Kind tag.
func (e *Executor) Execute(ctx context.Context, site config.SiteConfig, globals sites.Globals) (string, error) {
	strat, err := sites.Resolve(site.Module)
	if err != nil {
		return "", Tag(KindStrategyNotFound, err)
	}

	if c, ok := strat.(credentialed); ok && c.RequiresCredentials() {
		if strings.TrimSpace(site.Username) == "" || strings.TrimSpace(site.Password) == "" {
			return "", Tag(KindCredentialMissing, sites.ErrCredentialMissing)
		}
	}

	msg, err := strat.SignIn(ctx, sites.Request{
		Site:       site,
		Globals:    globals,
		HTTPClient: e.client,
		Log:        e.log.With(logx.String("site", site.Key())),
	})
	if err != nil {
		return "", Tag(KindOf(err), err)
	}
	return msg, nil
}
