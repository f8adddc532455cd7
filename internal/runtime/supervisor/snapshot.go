package supervisor

import (
	"sort"
	"time"
)

// taskRecord accumulates per-name bookkeeping. Concurrent tasks that
// share a name share a record.
type taskRecord struct {
	active    int
	starts    uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastExit  time.Time
	lastError string
	runtime   time.Duration
}

// TaskStats is the exported view of one task record.
type TaskStats struct {
	Name      string        `json:"name"`
	Active    int           `json:"active"`
	Starts    uint64        `json:"starts"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastExit  time.Time     `json:"last_exit"`
	LastError string        `json:"last_error,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

// SupervisorSnapshot sums the group for health output. It is a copy;
// holding one does not block the supervisor.
type SupervisorSnapshot struct {
	Active     int         `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

// Snapshot reports every task seen so far, sorted by name.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}

	s.mu.Lock()
	snap := SupervisorSnapshot{Tasks: make([]TaskStats, 0, len(s.records))}
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for name, r := range s.records {
		snap.Active += r.active
		snap.Started += r.starts
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:      name,
			Active:    r.active,
			Starts:    r.starts,
			Restarts:  r.restarts,
			Panics:    r.panics,
			LastStart: r.lastStart,
			LastExit:  r.lastExit,
			LastError: r.lastError,
			Runtime:   r.runtime,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.touch(name, func(r *taskRecord) {
		r.starts++
		r.active++
		r.lastStart = now
		if restart {
			r.restarts++
		}
	})
	return now
}

func (s *Supervisor) noteExit(name string, began time.Time, err error) {
	now := time.Now()
	s.touch(name, func(r *taskRecord) {
		if r.active > 0 {
			r.active--
		}
		r.lastExit = now
		r.runtime += now.Sub(began)
		if err != nil {
			r.lastError = err.Error()
		}
	})
}

func (s *Supervisor) notePanic(name string) {
	s.touch(name, func(r *taskRecord) { r.panics++ })
}

func (s *Supervisor) touch(name string, f func(*taskRecord)) {
	s.mu.Lock()
	r := s.records[name]
	if r == nil {
		r = &taskRecord{}
		s.records[name] = r
	}
	f(r)
	s.mu.Unlock()
}
