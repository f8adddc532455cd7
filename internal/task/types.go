package task

import "time"

// Task types.
const TypeSign = "sign"

// Status is the lifecycle state of one task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Task is one scheduled check-in for one site on one day. IDs are
// deterministic (<site>_<type>_<yyyymmdd> of the scheduled day) so
// re-generation never duplicates work.
type Task struct {
	ID      string
	SiteKey string
	Type    string

	ScheduledAt time.Time
	RetryAt     time.Time // set while queued for retry

	Attempts    int // incremented when execution starts
	MaxAttempts int // first run + retries
	RetryDelay  time.Duration

	Status     Status
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Message    string
}

// Disposition tells the caller what Complete decided for a failed run.
type Disposition int

const (
	// DispositionDone: the task reached a final successful state.
	DispositionDone Disposition = iota
	// DispositionRetryScheduled: the failure was queued for another attempt.
	DispositionRetryScheduled
	// DispositionTerminal: attempts are exhausted; the failure is final.
	DispositionTerminal
)

// TaskEvent is the bus payload for task lifecycle events.
type TaskEvent struct {
	ID       string
	Site     string
	Status   Status
	Attempts int
	Message  string
}

// Stats are queue lengths plus monotonic outcome counters.
type Stats struct {
	Pending  int
	Running  int
	Retrying int

	Succeeded uint64
	Failed    uint64
	Skipped   uint64
}

// Snapshot is a copy of every tracked task for the admin API.
type Snapshot struct {
	Pending   []Task
	Running   []Task
	Retrying  []Task
	Completed []Task // newest first
}
