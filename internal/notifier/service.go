package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"signbot/internal/eventbus"
	rtsup "signbot/internal/runtime/supervisor"
	"signbot/internal/storage"
	"signbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const persistQueueDepth = 1024

// Service fans sign results out to every configured channel through an
// async pipeline: bounded queue, worker pool, shared rate limit, per
// send retries and a per-channel dedup window. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	channels []Channel
	bus      eventbus.Bus
	store    storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan delivery
	persistQ  chan dedupRecord
	sup       *rtsup.Supervisor
	stopping  chan struct{} // non-nil while a Stop drains
	sendWG    sync.WaitGroup

	seen *dedupCache

	hmu     sync.Mutex
	history []HistoryItem
}

// delivery is one queued send: a message bound to a single channel.
type delivery struct {
	ch  Channel
	msg Message
	key string
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		channels: append([]Channel(nil), channels...),
		log:      log,
		bus:      bus,
		store:    store,
		seen:     newDedupCache(),
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor exposes the pipeline's supervisor for health output; nil
// while not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates pipeline knobs at runtime. Queue and worker sizing only
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetChannels swaps the delivery targets. Messages already queued keep
// the channel they were fanned out to.
func (s *Service) SetChannels(channels []Channel) {
	s.mu.Lock()
	s.channels = append([]Channel(nil), channels...)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = normalized(cfg)
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// normalized fills defaults so the pipeline can assume sane values.
func normalized(cfg Config) Config {
	cfg.Workers = orDef(cfg.Workers, 2)
	cfg.QueueSize = orDef(cfg.QueueSize, 512)
	cfg.RatePerSec = orDef(cfg.RatePerSec, 3)
	cfg.Burst = orDef(cfg.Burst, cfg.RatePerSec)
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	cfg.RetryBase = orDef(cfg.RetryBase, 500*time.Millisecond)
	cfg.RetryMaxDelay = orDef(cfg.RetryMaxDelay, 10*time.Second)
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	cfg.DedupMaxEntries = orDef(cfg.DedupMaxEntries, 2000)
	cfg.HistorySize = orDef(cfg.HistorySize, 300)
	return cfg
}

func orDef[T ~int | ~int64](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Start spins up the worker pool. Idempotent; a no-op while disabled.
// When a previous Stop is still draining it waits for that first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.awaitStop(ctx) {
		return
	}

	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistQ = make(chan dedupRecord, persistQueueDepth)
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// A delivery failure must never take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup, q, pq, st := s.sup, s.queue, s.persistQ, s.store
	s.mu.Unlock()

	if pq != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pq, st)
			return s.exitStatus(c, "notifier persist loop")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drainQueue(c, q)
			return s.exitStatus(c, "notifier worker")
		}, rtsup.WithPublishFirstError(true))
	}
}

// awaitStop blocks while a previous Stop drains. False means ctx ended
// first.
func (s *Service) awaitStop(ctx context.Context) bool {
	s.mu.Lock()
	done := s.stopping
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// exitStatus converts a loop return into the supervisor contract: a
// close during Stop is a clean exit, anything else restarts the loop.
func (s *Service) exitStatus(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(what + " exited unexpectedly")
}

// Stop blocks intake, then drains queued deliveries until ctx runs out.
// Past the deadline the remaining loops are cancelled instead.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, pq, sup := s.queue, s.persistQ, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopping != nil {
		done := s.stopping
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	s.mu.Unlock()

	// The drain runs detached so a caller deadline never leaks state.
	go s.teardown(done, q, pq, sup)

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) teardown(done chan struct{}, q chan delivery, pq chan dedupRecord, sup *rtsup.Supervisor) {
	defer close(done)

	// Let in-flight Notify calls finish enqueueing, then close the
	// queues so drainQueue and persistLoop run dry.
	s.sendWG.Wait()
	if pq != nil {
		close(pq)
	}
	close(q)
	if sup != nil {
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.queue = nil
	s.persistQ = nil
	s.sup = nil
	s.stopping = nil
	s.mu.Unlock()
}
