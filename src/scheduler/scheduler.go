// Package scheduler runs periodic ticks and delayed tasks on a single
// goroutine per node, and offloads blocking work to a bounded pool.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/smplog"
)

const taskBuffer = 64

// Cancelable is a pending deferred task.
type Cancelable interface {
	Cancel() bool
}

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

// Task is a delayed function that runs on its scheduler's goroutine.
type Task struct {
	state atomic.Int32
	timer *time.Timer
	fn    func()
}

// Cancel prevents the task from running. It reports false when the task
// already ran or was already cancelled.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.timer.Stop()
	return true
}

// Done reports whether the task ran or was cancelled.
func (t *Task) Done() bool {
	return t.state.Load() != taskPending
}

func (t *Task) run() {
	if t.state.CompareAndSwap(taskPending, taskFired) {
		t.fn()
	}
}

// Scheduler ticks at a fixed rate and executes delayed tasks. Ticks and
// tasks never run concurrently with each other.
type Scheduler struct {
	period  time.Duration
	tasks   chan func()
	exit    chan struct{}
	done    chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	once    sync.Once
}

func New(period time.Duration) *Scheduler {
	return &Scheduler{
		period: period,
		tasks:  make(chan func(), taskBuffer),
		exit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the scheduler goroutine. tick runs immediately and then
// every period; a nil tick or a non-positive period disables ticking.
func (s *Scheduler) Start(tick func()) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(tick)
}

// Schedule runs fn on the scheduler goroutine once delay has elapsed.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) Cancelable {
	t := &Task{fn: fn}
	t.timer = time.AfterFunc(delay, func() {
		select {
		case s.tasks <- t.run:
		case <-s.exit:
		}
	})
	return t
}

// Stop halts ticking and drops pending tasks. It does not wait for a tick
// in progress, so it is safe to call from inside one.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.exit)
	})
}

// Stopped reports whether Stop was called.
func (s *Scheduler) Stopped() bool {
	return s.stopped.Load()
}

// Wait blocks until the scheduler goroutine has returned.
func (s *Scheduler) Wait() {
	if s.started.Load() {
		<-s.done
	}
}

func (s *Scheduler) loop(tick func()) {
	defer close(s.done)
	logs.Debugf("scheduler(%s): start", s.period)

	var tickC <-chan time.Time
	if tick != nil && s.period > 0 {
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		tickC = ticker.C
		tick()
	}

	for {
		select {
		case <-s.exit:
			logs.Debugf("scheduler(%s): exit", s.period)
			return
		case <-tickC:
			tick()
		case fn := <-s.tasks:
			fn()
		}
	}
}
