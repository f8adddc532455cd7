package notifier

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"signbot/internal/eventbus"
	"signbot/internal/observability/metrics"
	"signbot/pkg/logx"
)

const (
	evQueued  = "notifier.queued"
	evDeduped = "notifier.deduped"
	evDropped = "notifier.dropped"
	evSent    = "notifier.sent"
	evFailed  = "notifier.failed"
)

const sendTimeout = 10 * time.Second

// Notify fans m out to every registered channel. Each channel gets its
// own dedup key and queue slot, so one slow destination never silences
// the others. A full queue drops that channel's copy and reports
// ErrQueueFull after the rest were handled.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case !s.accepting || s.queue == nil:
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	targets := s.channels
	window := s.cfg.DedupWindow
	maxKeys := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st, pq := s.store, s.persistQ
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var full bool
	for _, ch := range targets {
		key := dedupKey(ch.Name(), m)
		if window > 0 && !s.allowOnce(ctx, key, window, maxKeys, persist, st, pq) {
			s.publish(evDeduped, ch.Name(), m.SiteName, key, "")
			continue
		}
		s.publish(evQueued, ch.Name(), m.SiteName, key, "")
		select {
		case q <- delivery{ch: ch, msg: m, key: key}:
		default:
			full = true
			s.publish(evDropped, ch.Name(), m.SiteName, key, ErrQueueFull.Error())
		}
	}
	if full {
		return ErrQueueFull
	}
	return nil
}

// NotifySignResult is the executor's terminal-outcome hook: one message
// per finished check-in, warn priority on failure.
func (s *Service) NotifySignResult(site string, success bool, text string) {
	m := Message{SiteName: site, Title: "签到成功", Text: text, Priority: PriorityInfo}
	if !success {
		m.Title = "签到失败"
		m.Priority = PriorityWarn
	}
	if err := s.Notify(context.Background(), m); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("sign notification not queued", logx.String("site", site), logx.Err(err))
	}
}

func (s *Service) drainQueue(ctx context.Context, q <-chan delivery) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, d)
		}
	}
}

// deliver pushes one queued message through the rate limiter and the
// retry loop. A cancellation mid-backoff abandons the delivery without
// reporting it failed.
func (s *Service) deliver(ctx context.Context, d delivery) {
	s.mu.Lock()
	cfg, lim, log := s.cfg, s.limiter, s.log
	s.mu.Unlock()
	if d.ch == nil {
		return
	}

	attempts := 1 + max(cfg.RetryMax, 0)
	var lastErr error
	for n := 1; n <= attempts; n++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := d.ch.Send(callCtx, d.msg)
		cancel()
		if err == nil {
			s.recordSent(d)
			return
		}
		lastErr = err
		log.Debug("notify send failed",
			logx.Err(err),
			logx.String("channel", d.ch.Name()),
			logx.Int("attempt", n),
			logx.Int("max", attempts))
		if n == attempts {
			break
		}
		if !sleepFor(ctx, retryDelay(cfg, n)) {
			return
		}
	}

	if lastErr != nil {
		s.publish(evFailed, d.ch.Name(), d.msg.SiteName, d.key, lastErr.Error())
		metrics.ObserveNotification(d.ch.Name(), metrics.ResultFailure)
	}
}

func (s *Service) recordSent(d delivery) {
	text := d.msg.Text
	if d.msg.Title != "" {
		text = d.msg.Title + ": " + text
	}
	s.appendHistory(d.ch.Name(), text)
	s.publish(evSent, d.ch.Name(), d.msg.SiteName, d.key, "")
	metrics.ObserveNotification(d.ch.Name(), metrics.ResultSuccess)
}

func (s *Service) publish(kind, channel, site, key, errText string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: kind, Time: now, Data: NotificationEvent{
		Channel: channel,
		Site:    site,
		Key:     key,
		At:      now,
		Error:   errText,
	}})
}

// retryDelay computes the backoff before attempt+1: RetryBase doubled
// per failed attempt, capped at RetryMaxDelay, with 0.7x..1.3x jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := orDef(cfg.RetryBase, 500*time.Millisecond)
	limit := orDef(cfg.RetryMaxDelay, 10*time.Second)

	d := base
	for ; attempt > 1 && d < limit; attempt-- {
		d *= 2
	}
	d = min(d, limit)
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, limit)
}

// sleepFor waits d unless ctx ends first.
func sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
