package task

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	logx "signbot/pkg/logx"
)

// Manual-enqueue failures the admin API maps to response codes.
var (
	ErrUnknownSite   = errors.New("unknown site")
	ErrSiteDisabled  = errors.New("site disabled")
	ErrAlreadyQueued = errors.New("task already queued")
)

const (
	// completedKeep bounds the finished-task ring.
	completedKeep = 100

	// overdueLimit: pending tasks this far past their slot are skipped
	// instead of run (the daemon was down or wedged; a stale check-in at
	// a random hour is worse than missing one day).
	overdueLimit = time.Hour
)

// Scheduler owns the whole task lifecycle for daily check-ins: generation,
// due selection, the running set, the retry queue and the finished ring.
// One mutex guards all of it; every state move is a single critical
// section, so a task is always in exactly one queue.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus

	mu        sync.Mutex
	rng       *rand.Rand
	pending   map[string]*Task
	running   map[string]*Task
	retrying  map[string]*Task
	completed []*Task             // oldest..newest, len <= completedKeep
	seen      map[string]struct{} // IDs in the completed ring

	succeeded uint64
	failed    uint64
	skipped   uint64
}

func NewScheduler(log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		log:      log,
		bus:      bus,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		pending:  make(map[string]*Task),
		running:  make(map[string]*Task),
		retrying: make(map[string]*Task),
		seen:     make(map[string]struct{}),
	}
}

// Generate creates pending tasks for every enabled site that still needs a
// check-in. It is idempotent: deterministic IDs mean a task that already
// exists anywhere (pending, running, retrying, or finished recently) is
// never created again, so calling it every tick is safe.
func (s *Scheduler) Generate(doc *config.Document, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for i := range doc.Sites {
		site := &doc.Sites[i]
		if !site.Enabled {
			continue
		}
		if signedToday(site, now) {
			continue
		}

		at, err := NextRun(site, now, s.rng)
		if err != nil {
			s.log.Warn("task generation skipped site", logx.String("site", site.Key()), logx.Err(err))
			continue
		}

		id := TaskID(site.Key(), TypeSign, at)
		if s.knownLocked(id) {
			continue
		}

		policy := doc.RetryFor(site)
		maxAttempts := 1
		if policy.IsEnabled() {
			maxAttempts = policy.MaxRetries + 1
		}

		t := &Task{
			ID:          id,
			SiteKey:     site.Key(),
			Type:        TypeSign,
			ScheduledAt: at,
			MaxAttempts: maxAttempts,
			RetryDelay:  time.Duration(policy.RetryDelayMinutes) * time.Minute,
			Status:      StatusPending,
			CreatedAt:   now,
		}
		s.pending[id] = t
		created++
		s.publish("task.generated", t)
		s.log.Debug("task generated",
			logx.String("task", id),
			logx.Time("scheduled_at", at),
			logx.Int("max_attempts", maxAttempts),
		)
	}
	return created
}

// EnqueueNow queues a check-in for key immediately, bypassing the daily
// schedule and the signed-today guard. Used by the admin API; the next
// daemon tick picks the task up.
func (s *Scheduler) EnqueueNow(doc *config.Document, key string, now time.Time) (Task, error) {
	site := doc.Site(key)
	if site == nil {
		return Task{}, ErrUnknownSite
	}
	if !site.Enabled {
		return Task{}, ErrSiteDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := fmt.Sprintf("%s_%s_manual_%s", site.Key(), TypeSign, now.Format("20060102T150405"))
	if s.knownLocked(id) {
		return Task{}, ErrAlreadyQueued
	}

	policy := doc.RetryFor(site)
	maxAttempts := 1
	if policy.IsEnabled() {
		maxAttempts = policy.MaxRetries + 1
	}

	t := &Task{
		ID:          id,
		SiteKey:     site.Key(),
		Type:        TypeSign,
		ScheduledAt: now,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Duration(policy.RetryDelayMinutes) * time.Minute,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	s.pending[id] = t
	s.publish("task.generated", t)
	s.log.Info("manual task queued", logx.String("task", id))
	return *t, nil
}

// signedToday: a site already checked in successfully today needs no task.
func signedToday(site *config.SiteConfig, now time.Time) bool {
	if site.LastSignStatus != config.StatusSuccess {
		return false
	}
	last, ok := config.ParseTime(site.LastSignTime)
	return ok && config.SameDay(last, now)
}

func (s *Scheduler) knownLocked(id string) bool {
	if _, ok := s.pending[id]; ok {
		return true
	}
	if _, ok := s.running[id]; ok {
		return true
	}
	if _, ok := s.retrying[id]; ok {
		return true
	}
	_, ok := s.seen[id]
	return ok
}

// Due returns copies of every task ready to run at now: pending tasks
// whose slot has arrived (and is not yet past the overdue limit) plus
// retry entries whose delay has elapsed. Callers must Start each task to
// claim it.
func (s *Scheduler) Due(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Task
	for _, t := range s.pending {
		if !t.ScheduledAt.After(now) && now.Sub(t.ScheduledAt) <= overdueLimit {
			due = append(due, *t)
		}
	}
	for _, t := range s.retrying {
		if !t.RetryAt.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// Start claims a due task for execution: it moves to the running set and
// its attempt counter increments. A second Start for the same ID fails,
// which is what keeps one task from running twice.
func (s *Scheduler) Start(id string, now time.Time) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	} else if t, ok = s.retrying[id]; ok {
		delete(s.retrying, id)
	} else {
		return Task{}, false
	}

	t.Status = StatusRunning
	t.Attempts++
	t.StartedAt = now
	t.RetryAt = time.Time{}
	s.running[id] = t
	s.publish("task.started", t)
	return *t, true
}

// Complete records the outcome of a running task. Success finishes it.
// Failure either queues a retry (fixed per-site delay) while attempts
// remain, or finishes it as failed; the returned Disposition tells the
// caller which, so terminal failures can notify exactly once.
func (s *Scheduler) Complete(id string, success bool, message string, now time.Time) (Task, Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[id]
	if !ok {
		s.log.Error("complete for task not running", logx.String("task", id))
		return Task{}, DispositionDone
	}
	delete(s.running, id)
	t.Message = message

	if success {
		t.Status = StatusCompleted
		t.FinishedAt = now
		s.succeeded++
		s.finishLocked(t)
		s.publish("task.completed", t)
		return *t, DispositionDone
	}

	if t.Attempts < t.MaxAttempts {
		t.Status = StatusRetrying
		t.RetryAt = now.Add(t.RetryDelay)
		s.retrying[id] = t
		s.publish("task.retry", t)
		s.log.Info("task queued for retry",
			logx.String("task", id),
			logx.Int("attempt", t.Attempts),
			logx.Int("max_attempts", t.MaxAttempts),
			logx.Time("retry_at", t.RetryAt),
		)
		return *t, DispositionRetryScheduled
	}

	t.Status = StatusFailed
	t.FinishedAt = now
	s.failed++
	s.finishLocked(t)
	s.publish("task.completed", t)
	return *t, DispositionTerminal
}

// Abort finishes a running task as failed immediately, ignoring remaining
// attempts. For failures a retry cannot fix: unknown strategy, missing
// credentials.
func (s *Scheduler) Abort(id, message string, now time.Time) (Task, Disposition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[id]
	if !ok {
		s.log.Error("abort for task not running", logx.String("task", id))
		return Task{}, DispositionDone
	}
	delete(s.running, id)
	t.Status = StatusFailed
	t.FinishedAt = now
	t.Message = message
	s.failed++
	s.finishLocked(t)
	s.publish("task.completed", t)
	return *t, DispositionTerminal
}

// CleanupOverdue skips queued tasks (pending or awaiting retry) that
// missed their window by more than the overdue limit and returns copies
// of what it skipped.
func (s *Scheduler) CleanupOverdue(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, queue := range []map[string]*Task{s.pending, s.retrying} {
		for id, t := range queue {
			if now.Sub(t.ScheduledAt) <= overdueLimit {
				continue
			}
			delete(queue, id)
			t.Status = StatusSkipped
			t.FinishedAt = now
			t.Message = "missed schedule window"
			s.skipped++
			s.finishLocked(t)
			s.publish("task.skipped", t)
			s.log.Warn("task skipped (overdue)",
				logx.String("task", id),
				logx.Time("scheduled_at", t.ScheduledAt),
			)
			out = append(out, *t)
		}
	}
	return out
}

func (s *Scheduler) finishLocked(t *Task) {
	s.completed = append(s.completed, t)
	s.seen[t.ID] = struct{}{}
	if len(s.completed) > completedKeep {
		evict := s.completed[0]
		s.completed = s.completed[1:]
		delete(s.seen, evict.ID)
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:   len(s.pending),
		Running:   len(s.running),
		Retrying:  len(s.retrying),
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Skipped:   s.skipped,
	}
}

// Snapshot copies every tracked task for the admin API.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Pending:   collect(s.pending),
		Running:   collect(s.running),
		Retrying:  collect(s.retrying),
		Completed: make([]Task, 0, len(s.completed)),
	}
	for i := len(s.completed) - 1; i >= 0; i-- {
		snap.Completed = append(snap.Completed, *s.completed[i])
	}
	return snap
}

func collect(m map[string]*Task) []Task {
	out := make([]Task, 0, len(m))
	for _, t := range m {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Scheduler) publish(eventType string, t *Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventType,
		Time: time.Now(),
		Data: TaskEvent{
			ID:       t.ID,
			Site:     t.SiteKey,
			Status:   t.Status,
			Attempts: t.Attempts,
			Message:  t.Message,
		},
	})
}
