package keepalive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signbot/internal/config"
	"signbot/internal/refresh/cloudsync"
	"signbot/pkg/logx"
)

// ErrCloudNotConfigured means no CookieCloud source is wired; callers
// surface it as "service unavailable" rather than a hard failure.
var ErrCloudNotConfigured = errors.New("cloud sync is not configured")

// errSyncNoChanges aborts the Update so an all-current pass never
// rewrites the config file.
var errSyncNoChanges = errors.New("no cookie changes")

// SyncAll runs one cloud-sync pass: a single vault fetch, then every site
// with a resolvable domain and a matching vault entry gets the cloud
// cookie when it differs from the stored one. This is the operator's
// explicit pull, so the cloud copy wins regardless of how fresh the
// stored cookie is; the automatic fallback inside RunSite keeps its trust
// gate. All updates land in one config write. Returns the number of sites
// whose cookie changed.
func (c *Coordinator) SyncAll(ctx context.Context) (int, error) {
	if c.secondary == nil {
		return 0, ErrCloudNotConfigured
	}
	vault, err := c.secondary.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("cloud sync: %w", err)
	}

	now := time.Now()
	var updated []string
	_, err = c.store.Update(func(doc *config.Document) error {
		for i := range doc.Sites {
			site := &doc.Sites[i]
			domain := siteDomain(site)
			if domain == "" {
				continue
			}
			cookies := cloudsync.CookiesForDomain(vault, domain)
			if len(cookies) == 0 {
				continue
			}
			raw := cloudsync.Format(cookies)
			if raw == site.Cookie {
				continue
			}
			site.Cookie = raw
			site.CookieMetadata.MergeRefresh(config.NewCloudMetadata(now))
			updated = append(updated, site.Key())
		}
		if len(updated) == 0 {
			return errSyncNoChanges
		}
		return nil
	})
	if errors.Is(err, errSyncNoChanges) {
		c.log.Info("cloud sync pass: all cookies current")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cloud sync: persist: %w", err)
	}

	for _, key := range updated {
		c.publish("cloudsync.updated", RunEvent{Site: key, Source: config.SourceCloudSync, Status: "success"})
	}
	c.log.Info("cloud sync pass finished", logx.Int("updated", len(updated)))
	return len(updated), nil
}
