package app

import (
	"fmt"
	"strings"
	"time"

	"signbot/internal/config"
	"signbot/internal/notifier"
	"signbot/internal/sites"
	"signbot/internal/storage"
	"signbot/internal/task"
	"signbot/pkg/logx"
)

func mapLogConfig(lc config.LoggingConfig, telegramEnabled bool) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Dir:     lc.File.Dir,
			Name:    "signbot",
			MaxDays: lc.File.MaxDays,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegramEnabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(doc *config.Document) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", doc.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      doc.Storage.Driver,
		Path:        doc.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

// buildChannels constructs the notification channels the document enables.
// The telegram channel comes back separately because its send-only bot
// doubles as the telegram log sink's sender.
func buildChannels(doc *config.Document, log logx.Logger) ([]notifier.Channel, *notifier.TelegramChannel, error) {
	var (
		chans []notifier.Channel
		tg    *notifier.TelegramChannel
	)
	if doc.Notify.Telegram.Enabled {
		ch, err := notifier.NewTelegramChannel(doc.Notify.Telegram, log.With(logx.String("channel", "telegram")))
		if err != nil {
			return nil, nil, fmt.Errorf("notify.telegram: %w", err)
		}
		tg = ch
		chans = append(chans, ch)
	}
	if doc.Notify.Bark.Enabled {
		ch, err := notifier.NewBarkChannel(doc.Notify.Bark, log.With(logx.String("channel", "bark")))
		if err != nil {
			return nil, nil, fmt.Errorf("notify.bark: %w", err)
		}
		chans = append(chans, ch)
	}
	return chans, tg, nil
}

// validateDocument is the gate both the initial load and every hot reload
// pass through: structural checks first, then the cross-cutting ones that
// need the module registry and the schedule parser.
func validateDocument(doc *config.Document, log logx.Logger) error {
	if err := config.Validate(doc); err != nil {
		return err
	}
	for i := range doc.Sites {
		s := &doc.Sites[i]
		if !s.Enabled {
			continue
		}
		if _, err := sites.Resolve(s.Module); err != nil {
			return fmt.Errorf("site %q: %w", s.Key(), err)
		}
		if _, err := task.NextRun(s, time.Now(), nil); err != nil {
			return err
		}
		if rt := strings.TrimSpace(s.RunTime); rt != "" && !task.RunTimeValid(rt) {
			log.Warn("site run_time does not parse; default applies",
				logx.String("site", s.Key()), logx.String("run_time", rt))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"notify.retry_base", doc.Notify.RetryBase},
		{"notify.retry_max_delay", doc.Notify.RetryMaxDelay},
		{"notify.dedup_window", doc.Notify.DedupWindow},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if _, err := mapStorageConfig(doc); err != nil {
		return err
	}
	return nil
}
