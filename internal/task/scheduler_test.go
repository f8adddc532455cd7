package task

import (
	"errors"
	"testing"
	"time"

	"signbot/internal/config"
	"signbot/internal/eventbus"
	logx "signbot/pkg/logx"
)

func testDoc() *config.Document {
	return &config.Document{
		Retry: config.RetryConfig{MaxRetries: 2, RetryDelayMinutes: 5},
		Sites: []config.SiteConfig{
			{Name: "alpha", Module: "discuz", Enabled: true, RunTime: "09:00:00"},
			{Name: "beta", Module: "acfun", Enabled: true, RunTime: "09:00:00", RandomRange: 30},
			{Name: "gamma", Module: "discuz", Enabled: false},
		},
	}
}

func TestGenerateCreatesTasksOnceAndJitters(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)

	if created := s.Generate(testDoc(), now); created != 2 {
		t.Fatalf("created = %d, want 2 (disabled site excluded)", created)
	}
	// Idempotent: same day, nothing new.
	if created := s.Generate(testDoc(), now.Add(time.Minute)); created != 0 {
		t.Fatalf("regeneration created %d tasks, want 0", created)
	}

	snap := s.Snapshot()
	if len(snap.Pending) != 2 {
		t.Fatalf("pending = %d", len(snap.Pending))
	}
	slot := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	for _, task := range snap.Pending {
		switch task.SiteKey {
		case "alpha":
			if !task.ScheduledAt.Equal(slot) {
				t.Fatalf("alpha scheduled at %v", task.ScheduledAt)
			}
		case "beta":
			if task.ScheduledAt.Before(slot) || task.ScheduledAt.After(slot.Add(30*time.Minute)) {
				t.Fatalf("beta jitter out of range: %v", task.ScheduledAt)
			}
		default:
			t.Fatalf("unexpected task for %q", task.SiteKey)
		}
		if task.MaxAttempts != 3 {
			t.Fatalf("MaxAttempts = %d, want retries+1 = 3", task.MaxAttempts)
		}
	}
}

func TestGenerateSkipsSignedToday(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)

	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	doc.Sites[0].LastSignStatus = config.StatusSuccess
	doc.Sites[0].LastSignTime = config.FormatTime(now.Add(-time.Hour))
	if created := s.Generate(doc, now); created != 0 {
		t.Fatalf("created = %d for already-signed site", created)
	}

	// Yesterday's success does not block today.
	doc.Sites[0].LastSignTime = config.FormatTime(now.AddDate(0, 0, -1))
	if created := s.Generate(doc, now); created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	// A failed status today does not block either.
	s2 := NewScheduler(logx.Nop(), nil)
	doc.Sites[0].LastSignTime = config.FormatTime(now.Add(-time.Hour))
	doc.Sites[0].LastSignStatus = config.StatusFailed
	if created := s2.Generate(doc, now); created != 1 {
		t.Fatalf("created = %d for failed-today site, want 1", created)
	}
}

func TestDueStartAndExclusiveClaim(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1] // alpha only
	s.Generate(doc, now)

	if due := s.Due(now); len(due) != 0 {
		t.Fatalf("nothing is due before the slot, got %d", len(due))
	}

	at := time.Date(2026, 8, 25, 9, 0, 30, 0, time.Local)
	due := s.Due(at)
	if len(due) != 1 || due[0].SiteKey != "alpha" {
		t.Fatalf("due = %+v", due)
	}

	claimed, ok := s.Start(due[0].ID, at)
	if !ok {
		t.Fatal("Start failed for a due task")
	}
	if claimed.Attempts != 1 || claimed.Status != StatusRunning {
		t.Fatalf("claimed = %+v", claimed)
	}
	if _, ok := s.Start(due[0].ID, at); ok {
		t.Fatal("second Start for the same task must fail")
	}
	if due := s.Due(at); len(due) != 0 {
		t.Fatalf("running task still listed as due: %+v", due)
	}
}

func TestCompleteRetryUntilTerminal(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 9, 1, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	s.Generate(doc, now.Add(-time.Hour))

	id := TaskID("alpha", TypeSign, time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local))

	// Attempt 1 fails: retry scheduled after the fixed delay.
	if _, ok := s.Start(id, now); !ok {
		t.Fatal("Start failed")
	}
	task, disp := s.Complete(id, false, "network error", now)
	if disp != DispositionRetryScheduled {
		t.Fatalf("disposition = %v, want retry", disp)
	}
	if !task.RetryAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("RetryAt = %v, want now+5m", task.RetryAt)
	}

	// Not due until the delay elapses.
	if due := s.Due(now.Add(time.Minute)); len(due) != 0 {
		t.Fatalf("retry due too early: %+v", due)
	}
	retryAt := now.Add(5 * time.Minute)
	due := s.Due(retryAt)
	if len(due) != 1 {
		t.Fatalf("retry not due: %+v", due)
	}

	// Attempt 2 fails: one more retry.
	if _, ok := s.Start(id, retryAt); !ok {
		t.Fatal("Start failed on retry")
	}
	if _, disp := s.Complete(id, false, "network error", retryAt); disp != DispositionRetryScheduled {
		t.Fatalf("disposition = %v, want retry", disp)
	}

	// Attempt 3 fails: attempts exhausted, terminal.
	finalAt := retryAt.Add(5 * time.Minute)
	if _, ok := s.Start(id, finalAt); !ok {
		t.Fatal("Start failed on final retry")
	}
	task, disp = s.Complete(id, false, "network error", finalAt)
	if disp != DispositionTerminal {
		t.Fatalf("disposition = %v, want terminal", disp)
	}
	if task.Attempts != 3 || task.Status != StatusFailed {
		t.Fatalf("terminal task = %+v", task)
	}

	stats := s.Stats()
	if stats.Failed != 1 || stats.Retrying != 0 || stats.Running != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCompleteSuccess(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 9, 1, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	s.Generate(doc, now.Add(-time.Hour))

	id := TaskID("alpha", TypeSign, time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local))
	if _, ok := s.Start(id, now); !ok {
		t.Fatal("Start failed")
	}
	task, disp := s.Complete(id, true, "签到成功", now)
	if disp != DispositionDone || task.Status != StatusCompleted {
		t.Fatalf("task = %+v disp = %v", task, disp)
	}
	if s.Stats().Succeeded != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}

	// The finished ring blocks same-day regeneration even before the
	// document's last_sign fields are rewritten.
	if created := s.Generate(doc, now); created != 0 {
		t.Fatalf("regenerated completed task: created = %d", created)
	}
}

func TestCleanupOverdue(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	gen := time.Date(2026, 8, 25, 8, 0, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	s.Generate(doc, gen)

	// 61 minutes past the slot: skipped, not run.
	late := time.Date(2026, 8, 25, 10, 1, 0, 0, time.Local)
	if due := s.Due(late); len(due) != 0 {
		t.Fatalf("overdue task listed as due: %+v", due)
	}
	skipped := s.CleanupOverdue(late)
	if len(skipped) != 1 || skipped[0].Status != StatusSkipped {
		t.Fatalf("skipped = %+v", skipped)
	}
	if s.Stats().Skipped != 1 || s.Stats().Pending != 0 {
		t.Fatalf("stats = %+v", s.Stats())
	}

	// Within the window nothing is cleaned.
	s2 := NewScheduler(logx.Nop(), nil)
	s2.Generate(doc, gen)
	if skipped := s2.CleanupOverdue(time.Date(2026, 8, 25, 9, 59, 0, 0, time.Local)); len(skipped) != 0 {
		t.Fatalf("early cleanup skipped %+v", skipped)
	}

	// A stale entry in the retry queue is swept too.
	s3 := NewScheduler(logx.Nop(), nil)
	s3.Generate(doc, gen)
	id := TaskID("alpha", TypeSign, time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local))
	runAt := time.Date(2026, 8, 25, 9, 1, 0, 0, time.Local)
	if _, ok := s3.Start(id, runAt); !ok {
		t.Fatal("Start failed")
	}
	s3.Complete(id, false, "network error", runAt)
	skipped = s3.CleanupOverdue(late)
	if len(skipped) != 1 || skipped[0].Status != StatusSkipped {
		t.Fatalf("retry-queue cleanup = %+v", skipped)
	}
}

func TestSchedulerPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := NewScheduler(logx.Nop(), bus)
	now := time.Date(2026, 8, 25, 9, 1, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	s.Generate(doc, now.Add(-time.Hour))

	id := TaskID("alpha", TypeSign, time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local))
	s.Start(id, now)
	s.Complete(id, true, "ok", now)

	types := map[string]int{}
	for {
		select {
		case e := <-ch:
			types[e.Type]++
			if _, ok := e.Data.(TaskEvent); !ok {
				t.Fatalf("event %s carries %T", e.Type, e.Data)
			}
		default:
			for _, want := range []string{"task.generated", "task.started", "task.completed"} {
				if types[want] != 1 {
					t.Fatalf("event %s seen %d times; all: %v", want, types[want], types)
				}
			}
			return
		}
	}
}

func TestAbortSkipsRetries(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 9, 1, 0, 0, time.Local)
	doc := testDoc()
	doc.Sites = doc.Sites[:1]
	s.Generate(doc, now.Add(-time.Hour))

	id := TaskID("alpha", TypeSign, time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local))
	if _, ok := s.Start(id, now); !ok {
		t.Fatal("Start failed")
	}

	// First attempt, retries remaining, but the failure is unfixable.
	task, disp := s.Abort(id, "unknown sign-in strategy", now)
	if disp != DispositionTerminal {
		t.Fatalf("disposition = %v, want terminal", disp)
	}
	if task.Status != StatusFailed || task.Attempts != 1 {
		t.Fatalf("aborted task = %+v", task)
	}
	if due := s.Due(now.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("aborted task still due: %+v", due)
	}
	if stats := s.Stats(); stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// Abort of a task that is not running is a no-op.
	if _, disp := s.Abort("missing", "x", now); disp != DispositionDone {
		t.Fatalf("disposition for missing task = %v", disp)
	}
}

func TestEnqueueNow(t *testing.T) {
	t.Parallel()
	s := NewScheduler(logx.Nop(), nil)
	now := time.Date(2026, 8, 25, 14, 30, 0, 0, time.Local)
	doc := testDoc()
	// Signed today must not block a manual trigger.
	doc.Sites[0].LastSignStatus = config.StatusSuccess
	doc.Sites[0].LastSignTime = config.FormatTime(now.Add(-2 * time.Hour))

	task, err := s.EnqueueNow(doc, "alpha", now)
	if err != nil {
		t.Fatalf("EnqueueNow: %v", err)
	}
	if task.SiteKey != "alpha" || !task.ScheduledAt.Equal(now) {
		t.Fatalf("manual task = %+v, want alpha scheduled at now", task)
	}
	if task.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want retry policy applied", task.MaxAttempts)
	}

	due := s.Due(now)
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("due = %+v, want the manual task", due)
	}

	// Same site, same second: already queued.
	if _, err := s.EnqueueNow(doc, "alpha", now); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("duplicate EnqueueNow = %v, want ErrAlreadyQueued", err)
	}

	if _, err := s.EnqueueNow(doc, "ghost", now); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("unknown site error = %v, want ErrUnknownSite", err)
	}
	if _, err := s.EnqueueNow(doc, "gamma", now); !errors.Is(err, ErrSiteDisabled) {
		t.Fatalf("disabled site error = %v, want ErrSiteDisabled", err)
	}
}
