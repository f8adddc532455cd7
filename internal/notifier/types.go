package notifier

import (
	"context"
	"time"

	"signbot/internal/config"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	Burst           int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	HistorySize     int
}

// ConfigFrom maps the YAML notify block onto pipeline knobs. Duration
// fields parse leniently; unparsable values fall back to the pipeline
// defaults. Enabled follows the channels: a pipeline with nothing to
// deliver to stays off.
func ConfigFrom(nc config.NotifyConfig) Config {
	parse := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0
		}
		return d
	}
	return Config{
		Enabled:         nc.Telegram.Enabled || nc.Bark.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		Burst:           nc.Burst,
		RetryMax:        nc.RetryMax,
		RetryBase:       parse(nc.RetryBase),
		RetryMaxDelay:   parse(nc.RetryMaxDelay),
		DedupWindow:     parse(nc.DedupWindow),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
		HistorySize:     nc.HistorySize,
	}
}

// Priority orders operator attention. Channels prepend the matching emoji
// when they render the message.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarn
	PriorityCritical
)

// Prefix is the emoji tag for this priority, with a trailing space.
func (p Priority) Prefix() string {
	switch p {
	case PriorityCritical:
		return "🚨 "
	case PriorityWarn:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// Message is one operator notification. The service fans it out to every
// registered channel; channels own their rendering.
type Message struct {
	SiteName string
	Title    string
	Text     string
	Priority Priority
}

// Channel delivers messages to one destination service (telegram, bark).
// Implementations must be safe for concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle
// events. Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Site    string    `json:"site,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
