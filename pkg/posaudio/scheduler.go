package posaudio

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// task is a cancellation token shared by a scheduled goroutine and its owner.
type task struct {
	stop chan struct{}
	once sync.Once
}

func newTask() *task {
	return &task{stop: make(chan struct{})}
}

func (t *task) cancel() {
	t.once.Do(func() { close(t.stop) })
}

func (t *task) cancelled() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Scheduler runs one-shot and repeating callbacks on background goroutines.
// It tracks at most one repeating task; scheduling a new one cancels the
// previous one. Callbacks never run on the caller's goroutine and a
// panicking callback does not stop the repeating loop.
type Scheduler struct {
	clock  clock.Clock
	logger *Logger

	mu        sync.Mutex
	repeating *task
	pending   map[*task]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler. A nil clock uses the wall clock.
func NewScheduler(clk clock.Clock, logger *Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = GetGlobalLogger()
	}
	return &Scheduler{
		clock:   clk,
		logger:  logger.WithComponent("scheduler"),
		pending: make(map[*task]struct{}),
	}
}

// ScheduleOnce runs fn once after delay. Pending one-shots are dropped by
// Cancel.
func (s *Scheduler) ScheduleOnce(delay time.Duration, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	t := newTask()
	s.pending[t] = struct{}{}
	timer := s.clock.Timer(delay)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		defer s.forget(t)

		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		if t.cancelled() {
			return
		}
		s.invoke(fn)
	}()
}

// ScheduleRepeating runs fn every interval, the first run one interval from
// now. Any previously scheduled repeating task is cancelled.
func (s *Scheduler) ScheduleRepeating(interval time.Duration, fn func()) {
	s.StartRepeatingAfter(0, interval, fn)
}

// StartRepeatingAfter waits delay and then starts a repeating task as
// ScheduleRepeating does. The delay and the repeating loop share one
// cancellation token, so Cancel during the delay prevents the loop from
// ever starting.
func (s *Scheduler) StartRepeatingAfter(delay, interval time.Duration, fn func()) {
	s.start(nil, delay, interval, fn)
}

// Kickoff runs first on a background goroutine and, once it returns, starts
// fn as StartRepeatingAfter(delay, interval, fn) would. The delay is measured
// from the end of first. first and the loop share the repeating task's
// cancellation token.
func (s *Scheduler) Kickoff(first func(), delay, interval time.Duration, fn func()) {
	s.start(first, delay, interval, fn)
}

func (s *Scheduler) start(first func(), delay, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.repeating != nil {
		s.repeating.cancel()
	}
	t := newTask()
	s.repeating = t
	var timer *clock.Timer
	if first == nil {
		timer = s.clock.Timer(delay + interval)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if first != nil {
			if t.cancelled() {
				return
			}
			s.invoke(first)
			if t.cancelled() {
				return
			}
			timer = s.clock.Timer(delay + interval)
		}
		s.runRepeating(t, timer, interval, fn)
	}()
}

func (s *Scheduler) runRepeating(t *task, timer *clock.Timer, interval time.Duration, fn func()) {
	defer timer.Stop()

	for {
		if t.cancelled() {
			return
		}
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
		if t.cancelled() {
			return
		}
		s.invoke(fn)
		timer.Reset(interval)
	}
}

// Cancel stops the repeating task before its next invocation and drops
// pending one-shots. A callback already running is not interrupted. Safe to
// call from any goroutine, including from inside a callback.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repeating != nil {
		s.repeating.cancel()
		s.repeating = nil
	}
	for t := range s.pending {
		t.cancel()
		delete(s.pending, t)
	}
}

// Active reports whether a repeating task is scheduled.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeating != nil
}

// Close cancels everything and waits for running callbacks to return. It
// must not be called from inside a callback.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Cancel()
	s.wg.Wait()
}

func (s *Scheduler) forget(t *task) {
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()
}

func (s *Scheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Scheduled callback panicked")
		}
	}()
	fn()
}
