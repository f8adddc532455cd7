package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signbot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets: cookies,
// passwords, tokens, push keys), and (3) the keys of sites that changed.
func SummarizeChange(oldDoc, newDoc *Document) ([]string, []logx.Field, []string) {
	if oldDoc == nil {
		oldDoc = &Document{}
	}
	if newDoc == nil {
		newDoc = &Document{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldDoc.UserAgent) != strings.TrimSpace(newDoc.UserAgent) {
		changed = append(changed, "user_agent")
		attrs = append(attrs,
			logx.Bool("user_agent_set", strings.TrimSpace(newDoc.UserAgent) != ""),
		)
	}

	// Auth (never log the password)
	if strings.TrimSpace(oldDoc.Auth.Username) != strings.TrimSpace(newDoc.Auth.Username) ||
		(strings.TrimSpace(oldDoc.Auth.Password) != "") != (strings.TrimSpace(newDoc.Auth.Password) != "") {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.username_set", strings.TrimSpace(newDoc.Auth.Username) != ""),
			logx.Bool("auth.password_set", strings.TrimSpace(newDoc.Auth.Password) != ""),
		)
	}

	// Daemon (ticks, workers, servers; never log the pprof token)
	if strings.TrimSpace(oldDoc.Daemon.SignTick) != strings.TrimSpace(newDoc.Daemon.SignTick) ||
		strings.TrimSpace(oldDoc.Daemon.KeepaliveTick) != strings.TrimSpace(newDoc.Daemon.KeepaliveTick) ||
		oldDoc.Daemon.Workers != newDoc.Daemon.Workers ||
		oldDoc.Daemon.QueueSize != newDoc.Daemon.QueueSize ||
		!reflect.DeepEqual(oldDoc.Daemon.HTTP, newDoc.Daemon.HTTP) ||
		oldDoc.Daemon.Pprof.Enabled != newDoc.Daemon.Pprof.Enabled ||
		strings.TrimSpace(oldDoc.Daemon.Pprof.Addr) != strings.TrimSpace(newDoc.Daemon.Pprof.Addr) ||
		oldDoc.Daemon.Pprof.AllowInsecure != newDoc.Daemon.Pprof.AllowInsecure ||
		(strings.TrimSpace(oldDoc.Daemon.Pprof.Token) != "") != (strings.TrimSpace(newDoc.Daemon.Pprof.Token) != "") {
		changed = append(changed, "daemon")
		attrs = append(attrs,
			logx.String("daemon.sign_tick", strings.TrimSpace(newDoc.Daemon.SignTick)),
			logx.String("daemon.keepalive_tick", strings.TrimSpace(newDoc.Daemon.KeepaliveTick)),
			logx.Int("daemon.workers", newDoc.Daemon.Workers),
			logx.Bool("daemon.http_enabled", newDoc.Daemon.HTTP.Enabled),
			logx.Bool("daemon.pprof_enabled", newDoc.Daemon.Pprof.Enabled),
			logx.Bool("daemon.pprof_token_set", strings.TrimSpace(newDoc.Daemon.Pprof.Token) != ""),
		)
	}

	// Logging
	if oldDoc.Logging.Level != newDoc.Logging.Level ||
		oldDoc.Logging.Console != newDoc.Logging.Console ||
		!reflect.DeepEqual(oldDoc.Logging.File, newDoc.Logging.File) ||
		!reflect.DeepEqual(oldDoc.Logging.Telegram, newDoc.Logging.Telegram) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newDoc.Logging.Level),
			logx.Bool("logx.console", newDoc.Logging.Console),
			logx.Bool("logx.file_enabled", newDoc.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newDoc.Logging.Telegram.Enabled),
		)
	}

	// Notify (never log bot token, chat routing beyond booleans, or bark key)
	oldN := oldDoc.Notify
	newN := newDoc.Notify
	notifyChanged := oldN.Workers != newN.Workers ||
		oldN.QueueSize != newN.QueueSize ||
		oldN.RatePerSec != newN.RatePerSec ||
		oldN.Burst != newN.Burst ||
		oldN.RetryMax != newN.RetryMax ||
		oldN.HistorySize != newN.HistorySize ||
		strings.TrimSpace(oldN.RetryBase) != strings.TrimSpace(newN.RetryBase) ||
		strings.TrimSpace(oldN.RetryMaxDelay) != strings.TrimSpace(newN.RetryMaxDelay) ||
		strings.TrimSpace(oldN.DedupWindow) != strings.TrimSpace(newN.DedupWindow) ||
		oldN.DedupMaxEntries != newN.DedupMaxEntries ||
		oldN.PersistDedup != newN.PersistDedup ||
		oldN.Telegram.Enabled != newN.Telegram.Enabled ||
		oldN.Telegram.ChatID != newN.Telegram.ChatID ||
		(strings.TrimSpace(oldN.Telegram.Token) != "") != (strings.TrimSpace(newN.Telegram.Token) != "") ||
		oldN.Bark.Enabled != newN.Bark.Enabled ||
		(strings.TrimSpace(oldN.Bark.Key) != "") != (strings.TrimSpace(newN.Bark.Key) != "") ||
		strings.TrimSpace(oldN.Bark.Group) != strings.TrimSpace(newN.Bark.Group) ||
		strings.TrimSpace(oldN.Bark.Sound) != strings.TrimSpace(newN.Bark.Sound) ||
		strings.TrimSpace(oldN.Bark.Icon) != strings.TrimSpace(newN.Bark.Icon) ||
		strings.TrimSpace(oldN.Bark.URL) != strings.TrimSpace(newN.Bark.URL)
	if notifyChanged {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.workers", newN.Workers),
			logx.Int("notify.queue_size", newN.QueueSize),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Int("notify.retry_max", newN.RetryMax),
			logx.Bool("notify.telegram_enabled", newN.Telegram.Enabled),
			logx.Bool("notify.telegram_token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
			logx.Bool("notify.bark_enabled", newN.Bark.Enabled),
			logx.Bool("notify.bark_key_set", strings.TrimSpace(newN.Bark.Key) != ""),
		)
	}

	// Storage
	if strings.TrimSpace(oldDoc.Storage.Driver) != strings.TrimSpace(newDoc.Storage.Driver) ||
		(strings.TrimSpace(oldDoc.Storage.Path) != "") != (strings.TrimSpace(newDoc.Storage.Path) != "") ||
		strings.TrimSpace(oldDoc.Storage.BusyTimeout) != strings.TrimSpace(newDoc.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newDoc.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newDoc.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newDoc.Storage.BusyTimeout)),
		)
	}

	// Retry defaults
	if !reflect.DeepEqual(oldDoc.Retry, newDoc.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Bool("retry.enabled", newDoc.Retry.IsEnabled()),
			logx.Int("retry.max_retries", newDoc.Retry.MaxRetries),
			logx.Int("retry.delay_minutes", newDoc.Retry.RetryDelayMinutes),
		)
	}

	// CookieCloud (never log uuid or password)
	if strings.TrimSpace(oldDoc.CookieCloud.Server) != strings.TrimSpace(newDoc.CookieCloud.Server) ||
		(strings.TrimSpace(oldDoc.CookieCloud.UUID) != "") != (strings.TrimSpace(newDoc.CookieCloud.UUID) != "") ||
		(strings.TrimSpace(oldDoc.CookieCloud.Password) != "") != (strings.TrimSpace(newDoc.CookieCloud.Password) != "") {
		changed = append(changed, "cookiecloud")
		attrs = append(attrs,
			logx.Bool("cookiecloud.configured", newDoc.CookieCloud.Configured()),
			logx.Bool("cookiecloud.server_set", strings.TrimSpace(newDoc.CookieCloud.Server) != ""),
		)
	}

	// Sites (summarize only; cookie values never appear in logs)
	siteChanged := diffSites(oldDoc.Sites, newDoc.Sites)
	if len(siteChanged) > 0 {
		changed = append(changed, "sites")
		attrs = append(attrs,
			logx.Int("sites.changed_count", len(siteChanged)),
			logx.Int("sites.enabled_count", countEnabledSites(newDoc.Sites)),
			logx.Int("sites.total", len(newDoc.Sites)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, siteChanged
}

func countEnabledSites(sites []SiteConfig) int {
	n := 0
	for i := range sites {
		if sites[i].Enabled {
			n++
		}
	}
	return n
}

func diffSites(oldSites, newSites []SiteConfig) []string {
	oldByKey := make(map[string]*SiteConfig, len(oldSites))
	for i := range oldSites {
		oldByKey[oldSites[i].Key()] = &oldSites[i]
	}
	newByKey := make(map[string]*SiteConfig, len(newSites))
	for i := range newSites {
		newByKey[newSites[i].Key()] = &newSites[i]
	}

	set := map[string]struct{}{}
	for k := range oldByKey {
		set[k] = struct{}{}
	}
	for k := range newByKey {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for key := range set {
		o, oOK := oldByKey[key]
		n, nOK := newByKey[key]
		if oOK != nOK {
			out = append(out, key)
			continue
		}
		if !reflect.DeepEqual(*o, *n) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
