// Package transaction tracks multi-message exchanges between two peers.
//
// A transaction is opened with a CREATE message, may exchange any number
// of CONTINUE messages and ends with COMPLETE. SINGLE is a one-shot
// exchange that never occupies the registry. Every record is removed
// exactly once, either by completion or by cancellation, and a record that
// does not finish within the registry timeout is cancelled.
package transaction

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/scheduler"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrNoSuchTransaction = errors.New("no such transaction")
	ErrListenerSet       = errors.New("transaction listener already set")
	ErrIDMismatch        = errors.New("transaction id mismatch")
)

// Node is the owner of a registry. Send delivers an outgoing transaction
// to target and Process handles the command of an incoming one.
type Node interface {
	ID() string
	Send(msg *protocol.Transaction, target string) bool
	Process(cmd *protocol.Command, info *Info, from string) bool
}

// Scheduler defers timeout cancellation.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) scheduler.Cancelable
}

// Option configures a record created by GenerateInfo.
type Option func(*Info)

func WithListener(l Listener) Option {
	return func(i *Info) { i.listener = l }
}

func WithTarget(target string) Option {
	return func(i *Info) { i.target = target }
}

type Registry struct {
	node    Node
	sched   Scheduler
	timeout time.Duration

	mu           sync.Mutex
	transactions map[string]*Info
}

// NewRegistry returns a registry owned by node. A non-positive timeout
// selects DefaultTimeout.
func NewRegistry(node Node, sched Scheduler, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		node:         node,
		sched:        sched,
		timeout:      timeout,
		transactions: make(map[string]*Info),
	}
}

func (r *Registry) Timeout() time.Duration { return r.timeout }

// GenerateID returns a fresh id prefixed with the owning node's id.
func (r *Registry) GenerateID() string {
	return r.node.ID() + "-" + uuid.NewString()
}

// GenerateInfo opens a new transaction record with a fresh id and arms its
// timeout.
func (r *Registry) GenerateInfo(opts ...Option) *Info {
	info := newInfo(r.GenerateID())
	for _, opt := range opts {
		opt(info)
	}

	r.mu.Lock()
	r.transactions[info.id] = info
	r.mu.Unlock()

	r.armTimeout(info)
	return info
}

func (r *Registry) armTimeout(info *Info) {
	id := info.id
	info.setCancelTask(r.sched.Schedule(r.timeout, func() {
		if r.Cancel(id, true) {
			logs.Warnf("transaction %s timed out after %s", id, r.timeout)
		}
	}))
}

// TransactionInfo returns the live record for id.
func (r *Registry) TransactionInfo(id string) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.transactions[id]
	return info, ok
}

// Len is the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

// Build assembles an outgoing message for a live transaction.
func (r *Registry) Build(id string, mode protocol.Mode, cmd *protocol.Command) (*protocol.Transaction, error) {
	if _, ok := r.TransactionInfo(id); !ok {
		err := fmt.Errorf("%w: %s", ErrNoSuchTransaction, id)
		logs.Errorf(err, "cannot build %s message", mode)
		return nil, err
	}
	return &protocol.Transaction{ID: id, Mode: mode, Payload: cmd}, nil
}

// Send records msg against the live transaction id and hands it to the
// node. A terminal mode completes the transaction before delivery. An
// empty target keeps the target already on the record.
func (r *Registry) Send(id string, msg *protocol.Transaction, target string) bool {
	info, ok := r.TransactionInfo(id)
	if !ok {
		logs.Errorf(ErrNoSuchTransaction, "cannot send transaction %s", id)
		return false
	}
	if msg.ID != id {
		logs.Errorf(ErrIDMismatch, "message %s sent on transaction %s", msg.ID, id)
		return false
	}

	info.record(msg, target)
	if l := info.Listener(); l != nil {
		l.OnSend(r, info)
	}
	if msg.Mode.Terminal() {
		r.Complete(id)
	}
	return r.node.Send(msg, info.Target())
}

// Receive dispatches an incoming message by mode and then passes its
// command to the node. Messages that cannot be matched to a transaction
// are dropped.
func (r *Registry) Receive(msg *protocol.Transaction, from string) {
	var info *Info

	switch msg.Mode {
	case protocol.ModeCreate:
		r.mu.Lock()
		if _, exists := r.transactions[msg.ID]; exists {
			r.mu.Unlock()
			logs.Warnf("dropping CREATE for existing transaction %s from %s", msg.ID, from)
			return
		}
		info = newInfo(msg.ID)
		info.target = from
		info.last = msg
		r.transactions[msg.ID] = info
		r.mu.Unlock()
		r.armTimeout(info)

	case protocol.ModeSingle:
		info = newInfo(msg.ID)
		info.target = from
		info.last = msg
		info.done.Store(true)

	case protocol.ModeContinue, protocol.ModeComplete:
		var ok bool
		info, ok = r.TransactionInfo(msg.ID)
		if !ok {
			logs.Warnf("dropping %s for unknown transaction %s from %s", msg.Mode, msg.ID, from)
			return
		}
		if target := info.Target(); from != "" && target != "" && from != target {
			logs.Warnf("dropping %s for transaction %s from %s, peer is %s", msg.Mode, msg.ID, from, target)
			return
		}
		info.record(msg, "")
		if l := info.Listener(); l != nil {
			l.OnReceive(r, info, msg)
		}
		if msg.Mode == protocol.ModeComplete && !r.Complete(msg.ID) {
			logs.Warnf("transaction %s finished before COMPLETE from %s", msg.ID, from)
			return
		}

	default:
		logs.Warnf("dropping transaction %s from %s with unrecognized mode %s", msg.ID, from, msg.Mode)
		return
	}

	r.node.Process(msg.Command(), info, from)
}

// claim removes and returns the live record for id. Only one caller can
// claim a given record.
func (r *Registry) claim(id string) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.transactions[id]
	if ok {
		delete(r.transactions, id)
	}
	return info, ok
}

// Complete finishes a live transaction and notifies its listener.
func (r *Registry) Complete(id string) bool {
	info, ok := r.claim(id)
	if !ok {
		logs.Errorf(ErrNoSuchTransaction, "cannot complete transaction %s", id)
		return false
	}
	if l := info.Listener(); l != nil {
		l.OnComplete(r, info)
	}
	info.finish()
	return true
}

// Cancel abandons a live transaction and notifies its listener. With
// silentFail set a missing id is not logged.
func (r *Registry) Cancel(id string, silentFail bool) bool {
	info, ok := r.claim(id)
	if !ok {
		if !silentFail {
			logs.Errorf(ErrNoSuchTransaction, "cannot cancel transaction %s", id)
		}
		return false
	}
	if l := info.Listener(); l != nil {
		l.OnCancel(r, info)
	}
	info.finish()
	return true
}

// CancelAll cancels every live transaction.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.transactions))
	for id := range r.transactions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Cancel(id, true) {
			n++
		}
	}
	return n
}
