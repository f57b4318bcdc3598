package transaction

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/scheduler"
)

// Info is the bookkeeping record of one transaction. A record lives in its
// registry from creation until it is completed or cancelled.
type Info struct {
	id   string
	done atomic.Bool

	mu         sync.Mutex
	target     string
	last       *protocol.Transaction
	listener   Listener
	cancelTask scheduler.Cancelable
}

func newInfo(id string) *Info {
	return &Info{id: id}
}

func (i *Info) ID() string { return i.id }

// Done reports whether the transaction reached a terminal state.
func (i *Info) Done() bool { return i.done.Load() }

// Target is the peer the transaction talks to, or "" when unset.
func (i *Info) Target() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target
}

func (i *Info) SetTarget(target string) {
	i.mu.Lock()
	i.target = target
	i.mu.Unlock()
}

// LastTransaction is the most recent message sent or received for this id.
func (i *Info) LastTransaction() *protocol.Transaction {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.last
}

func (i *Info) Listener() Listener {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.listener
}

// SetListener attaches l. A listener can be set only once.
func (i *Info) SetListener(l Listener) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener != nil {
		return ErrListenerSet
	}
	i.listener = l
	return nil
}

func (i *Info) record(msg *protocol.Transaction, target string) {
	i.mu.Lock()
	i.last = msg
	if target != "" {
		i.target = target
	}
	i.mu.Unlock()
}

func (i *Info) setCancelTask(t scheduler.Cancelable) {
	i.mu.Lock()
	i.cancelTask = t
	i.mu.Unlock()
}

// finish marks the record terminal and stops its pending timeout.
func (i *Info) finish() {
	i.mu.Lock()
	t := i.cancelTask
	i.cancelTask = nil
	i.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	i.done.Store(true)
}
