package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "signbot/pkg/logx"
)

// A run that survives this long counts as healthy and resets the
// restart backoff, so a rare failure after hours of uptime does not
// inherit a maxed-out delay.
const steadyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min     time.Duration
	max     time.Duration
	publish bool
}

// WithRestartBackoff bounds the delay between restarts. The delay
// doubles per consecutive failure from min up to max.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithPublishFirstError records the first failure as the supervisor's
// Err while the task keeps restarting. Health output then shows the
// fault without the loop giving up.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running until the context ends: a clean return
// stops the loop, an error or panic schedules another attempt after a
// jittered exponential backoff. Meant for accept loops, tickers and
// watchers that should ride out transient failures.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	if p.min <= 0 {
		p.min = 250 * time.Millisecond
	}
	if p.max < p.min {
		p.max = p.min
	}

	// The hosting goroutine carries its own record name so the per
	// attempt stats under the plain name stay readable.
	s.Go0(name+".loop", func(ctx context.Context) {
		delay := p.min
		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				return
			}

			began := s.noteStart(name, attempt > 0)
			err := s.runOnce(name, fn)

			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteExit(name, began, nil)
				return
			}
			s.noteExit(name, began, err)
			if p.publish {
				s.keepErr(fmt.Errorf("%s: %w", name, err))
			}

			if time.Since(began) >= steadyRun {
				delay = p.min
			}
			wait := jitter(delay)
			if !s.log.IsZero() {
				s.log.Warn("supervised task restarting",
					logx.String("task", name),
					logx.Duration("in", wait),
					logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			if delay *= 2; delay > p.max {
				delay = p.max
			}
		}
	})
}

// jitter spreads simultaneous restarts apart by up to a fifth of the
// base delay.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d/5+1)))
}
