package nodes

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/synergy/src/scheduler"
	logs "github.com/danmuck/smplog"
)

// Driver runs a Role: it ticks it while connected, restarts it after a
// lost connection and shuts it down once.
type Driver struct {
	role           Role
	sched          *scheduler.Scheduler
	async          *scheduler.AsyncExecutor
	reconnectDelay time.Duration

	running  atomic.Bool
	retrying atomic.Bool
	stopped  atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

func NewDriver(role Role, sched *scheduler.Scheduler, async *scheduler.AsyncExecutor, reconnectDelay time.Duration) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		role:           role,
		sched:          sched,
		async:          async,
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins ticking and makes the first connection attempt on the
// calling goroutine. A failed attempt is retried after the reconnect
// delay.
func (d *Driver) Start() {
	logs.Infof("%s: starting", d.role.Name())
	d.sched.Start(d.tick)
	d.connect()
}

func (d *Driver) Running() bool {
	return d.running.Load()
}

// ConnectionLost stops ticking and schedules a new connection attempt.
// Overlapping calls schedule a single attempt.
func (d *Driver) ConnectionLost(err error) {
	if d.stopped.Load() {
		return
	}
	d.running.Store(false)
	if !d.retrying.CompareAndSwap(false, true) {
		return
	}
	logs.Warnf("%s: connection lost (%v), retrying in %s", d.role.Name(), err, d.reconnectDelay)
	d.sched.Schedule(d.reconnectDelay, func() {
		d.async.Go(func(ctx context.Context) error {
			d.retrying.Store(false)
			d.connect()
			return nil
		})
	})
}

// Shutdown stops the scheduler and the async executor, then the role.
func (d *Driver) Shutdown() {
	d.shutdown.Do(func() {
		logs.Infof("%s: shutting down", d.role.Name())
		d.stopped.Store(true)
		d.running.Store(false)
		d.cancel()
		d.sched.Stop()
		d.sched.Wait()
		d.async.Close()
		d.role.OnShutdown()
		logs.Infof("%s: shutdown complete", d.role.Name())
	})
}

func (d *Driver) connect() {
	if d.stopped.Load() {
		return
	}
	if err := d.role.OnStart(d.ctx, d.ConnectionLost); err != nil {
		logs.Errorf(err, "%s: start failed", d.role.Name())
		d.ConnectionLost(err)
		return
	}
	if d.stopped.Load() {
		return
	}
	d.running.Store(true)
	logs.Infof("%s: running", d.role.Name())
}

func (d *Driver) tick() {
	if d.running.Load() {
		d.role.OnTick()
	}
}
