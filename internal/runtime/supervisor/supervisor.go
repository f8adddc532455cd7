// Package supervisor runs named goroutines under one shared context.
// A task panic never escapes, every exit is bookkept for the health
// endpoint, and the first real error can optionally cancel the whole
// group so the owner learns about it through Context().Done().
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	logx "signbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	drained  chan struct{}

	mu       sync.Mutex
	firstErr error
	records  map[string]*taskRecord
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context as soon as any Go task
// returns a non-nil error or panics. Restarting tasks are not affected;
// they publish errors without cancelling.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		records: map[string]*taskRecord{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel asks every task to stop. It returns immediately; pair it with
// Wait to actually drain.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any task produced, or nil.
func (s *Supervisor) Err() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go starts fn as a supervised task. A context.Canceled return counts
// as a clean exit; any other error is kept as the group's first error
// and, under WithCancelOnError, tears the group down.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		began := s.noteStart(name, false)
		if !s.log.IsZero() {
			s.log.Debug("supervised task started", logx.String("task", name))
		}

		err := s.runOnce(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.noteExit(name, began, err)
		if err != nil {
			s.keepErr(fmt.Errorf("%s: %w", name, err))
			if s.cancelOnErr {
				s.cancel()
			}
		}

		if !s.log.IsZero() {
			s.log.Debug("supervised task exited", logx.String("task", name))
		}
	}()
}

// Go0 is Go for tasks that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// runOnce executes fn with the shared context, converting a panic into
// an error so every exit path goes through the same bookkeeping.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			if !s.log.IsZero() {
				s.log.Error("supervised task panicked",
					logx.String("task", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// Wait blocks until every task has exited or ctx runs out. On a full
// drain it returns the group's first error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-s.drained:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) keepErr(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}
