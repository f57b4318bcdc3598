package transaction

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/scheduler"
	"github.com/stretchr/testify/require"
)

type sent struct {
	msg    *protocol.Transaction
	target string
}

type processed struct {
	cmd  *protocol.Command
	info *Info
	from string
}

type fakeNode struct {
	mu        sync.Mutex
	sent      []sent
	processed []processed
}

func (n *fakeNode) ID() string { return "n1" }

func (n *fakeNode) Send(msg *protocol.Transaction, target string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{msg, target})
	return true
}

func (n *fakeNode) Process(cmd *protocol.Command, info *Info, from string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.processed = append(n.processed, processed{cmd, info, from})
	return true
}

type manualTask struct {
	delay     time.Duration
	fn        func()
	cancelled atomic.Bool
}

func (t *manualTask) Cancel() bool { return t.cancelled.CompareAndSwap(false, true) }

type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) scheduler.Cancelable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{delay: delay, fn: fn}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *manualScheduler) fire(i int) {
	s.mu.Lock()
	t := s.tasks[i]
	s.mu.Unlock()
	if !t.cancelled.Load() {
		t.fn()
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) listener() Listener {
	return ListenerFuncs{
		Send:     func(*Registry, *Info) { r.add("send") },
		Receive:  func(*Registry, *Info, *protocol.Transaction) { r.add("receive") },
		Complete: func(*Registry, *Info) { r.add("complete") },
		Cancel:   func(*Registry, *Info) { r.add("cancel") },
	}
}

func newTestRegistry() (*Registry, *fakeNode, *manualScheduler) {
	node := &fakeNode{}
	sched := &manualScheduler{}
	return NewRegistry(node, sched, time.Minute), node, sched
}

func TestGenerateInfoArmsTimeout(t *testing.T) {
	r, _, sched := newTestRegistry()
	rec := &recorder{}

	info := r.GenerateInfo(WithListener(rec.listener()))
	require.Contains(t, info.ID(), "n1-")
	require.Equal(t, 1, r.Len())
	require.Len(t, sched.tasks, 1)
	require.Equal(t, time.Minute, sched.tasks[0].delay)

	sched.fire(0)
	require.Equal(t, 0, r.Len())
	require.True(t, info.Done())
	require.Equal(t, []string{"cancel"}, rec.list())
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	r, _, _ := newTestRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := r.GenerateInfo().ID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		r, _, _ := newTestRegistry()
		var callbacks atomic.Int32
		info := r.GenerateInfo(WithListener(ListenerFuncs{
			Complete: func(*Registry, *Info) { callbacks.Add(1) },
			Cancel:   func(*Registry, *Info) { callbacks.Add(1) },
		}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var ok bool
				if i%2 == 0 {
					ok = r.Complete(info.ID())
				} else {
					ok = r.Cancel(info.ID(), true)
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		require.Equal(t, int32(1), callbacks.Load())
		require.Equal(t, 0, r.Len())
		require.True(t, info.Done())
	}
}

func TestCompleteAndCancelUnknown(t *testing.T) {
	r, _, _ := newTestRegistry()
	require.False(t, r.Complete("missing"))
	require.False(t, r.Cancel("missing", true))
	require.False(t, r.Cancel("missing", false))
}

func TestBuild(t *testing.T) {
	r, _, _ := newTestRegistry()

	_, err := r.Build("missing", protocol.ModeSingle, protocol.NewNoop())
	require.ErrorIs(t, err, ErrNoSuchTransaction)

	info := r.GenerateInfo()
	msg, err := r.Build(info.ID(), protocol.ModeContinue, protocol.NewNoop())
	require.NoError(t, err)
	require.Equal(t, info.ID(), msg.ID)
	require.Equal(t, protocol.ModeContinue, msg.Mode)
	require.Equal(t, 1, r.Len())
}

func TestSend(t *testing.T) {
	t.Run("continue keeps the record", func(t *testing.T) {
		r, node, _ := newTestRegistry()
		rec := &recorder{}
		info := r.GenerateInfo(WithListener(rec.listener()))

		msg, err := r.Build(info.ID(), protocol.ModeContinue, protocol.NewNoop())
		require.NoError(t, err)
		require.True(t, r.Send(info.ID(), msg, "c1"))

		require.Equal(t, 1, r.Len())
		require.False(t, info.Done())
		require.Equal(t, "c1", info.Target())
		require.Same(t, msg, info.LastTransaction())
		require.Equal(t, []string{"send"}, rec.list())
		require.Len(t, node.sent, 1)
		require.Equal(t, "c1", node.sent[0].target)
	})

	for _, mode := range []protocol.Mode{protocol.ModeSingle, protocol.ModeComplete} {
		t.Run(mode.String()+" completes before delivery", func(t *testing.T) {
			r, node, sched := newTestRegistry()
			rec := &recorder{}
			info := r.GenerateInfo(WithListener(rec.listener()), WithTarget("c2"))

			msg, err := r.Build(info.ID(), mode, protocol.NewNoop())
			require.NoError(t, err)
			require.True(t, r.Send(info.ID(), msg, ""))

			require.Equal(t, 0, r.Len())
			require.True(t, info.Done())
			require.True(t, sched.tasks[0].cancelled.Load())
			require.Equal(t, []string{"send", "complete"}, rec.list())
			require.Equal(t, "c2", node.sent[0].target)
		})
	}

	t.Run("unknown id", func(t *testing.T) {
		r, node, _ := newTestRegistry()
		msg := &protocol.Transaction{ID: "missing", Mode: protocol.ModeSingle, Payload: protocol.NewNoop()}
		require.False(t, r.Send("missing", msg, "c1"))
		require.Empty(t, node.sent)
	})

	t.Run("id mismatch", func(t *testing.T) {
		r, node, _ := newTestRegistry()
		info := r.GenerateInfo()
		msg := &protocol.Transaction{ID: "other", Mode: protocol.ModeSingle, Payload: protocol.NewNoop()}
		require.False(t, r.Send(info.ID(), msg, "c1"))
		require.Empty(t, node.sent)
		require.Equal(t, 1, r.Len())
	})
}

func TestReceiveCreate(t *testing.T) {
	r, node, sched := newTestRegistry()
	msg := &protocol.Transaction{ID: "c1-x", Mode: protocol.ModeCreate, Payload: protocol.NewCreateCoordinator("c1")}

	r.Receive(msg, "c1")
	info, ok := r.TransactionInfo("c1-x")
	require.True(t, ok)
	require.Equal(t, "c1", info.Target())
	require.Len(t, sched.tasks, 1)
	require.Len(t, node.processed, 1)
	require.Equal(t, protocol.CommandCreateCoordinator, node.processed[0].cmd.Type)
	require.Equal(t, "c1", node.processed[0].from)

	// a second CREATE for a live id is rejected
	r.Receive(msg, "c9")
	require.Len(t, node.processed, 1)
	require.Equal(t, "c1", info.Target())
}

func TestReceiveSingleLeavesNoRecord(t *testing.T) {
	r, node, sched := newTestRegistry()
	msg := &protocol.Transaction{ID: "c1-s", Mode: protocol.ModeSingle, Payload: protocol.NewNoop()}

	r.Receive(msg, "c1")
	require.Equal(t, 0, r.Len())
	require.Empty(t, sched.tasks)
	require.Len(t, node.processed, 1)
	require.True(t, node.processed[0].info.Done())
	require.Equal(t, "c1", node.processed[0].info.Target())
}

func TestReceiveContinueAndComplete(t *testing.T) {
	r, node, _ := newTestRegistry()
	rec := &recorder{}
	info := r.GenerateInfo(WithListener(rec.listener()))

	r.Receive(&protocol.Transaction{ID: info.ID(), Mode: protocol.ModeContinue, Payload: protocol.NewNoop()}, "c1")
	require.Equal(t, 1, r.Len())
	require.Equal(t, []string{"receive"}, rec.list())

	r.Receive(&protocol.Transaction{ID: info.ID(), Mode: protocol.ModeComplete, Payload: protocol.NewNoop()}, "c1")
	require.Equal(t, 0, r.Len())
	require.True(t, info.Done())
	require.Equal(t, []string{"receive", "receive", "complete"}, rec.list())
	require.Len(t, node.processed, 2)
	require.Same(t, info, node.processed[1].info)
}

func TestReceiveCreateThenContinueThenComplete(t *testing.T) {
	r, node, sched := newTestRegistry()
	rec := &recorder{}

	r.Receive(&protocol.Transaction{ID: "c1-x", Mode: protocol.ModeCreate, Payload: protocol.NewCreateCoordinator("c1")}, "c1")
	info, ok := r.TransactionInfo("c1-x")
	require.True(t, ok)
	require.NoError(t, info.SetListener(rec.listener()))

	r.Receive(&protocol.Transaction{ID: "c1-x", Mode: protocol.ModeContinue, Payload: protocol.NewNoop()}, "c1")
	require.Equal(t, 1, r.Len())
	require.False(t, info.Done())
	require.Equal(t, []string{"receive"}, rec.list())

	r.Receive(&protocol.Transaction{ID: "c1-x", Mode: protocol.ModeComplete, Payload: protocol.NewNoop()}, "c1")
	require.Equal(t, 0, r.Len())
	require.True(t, info.Done())
	require.Equal(t, []string{"receive", "receive", "complete"}, rec.list())
	require.Equal(t, protocol.ModeComplete, info.LastTransaction().Mode)
	require.Len(t, node.processed, 3)
	for _, p := range node.processed {
		require.Same(t, info, p.info)
	}
	require.Len(t, sched.tasks, 1)
	require.True(t, sched.tasks[0].cancelled.Load())
}

func TestReceiveFromWrongPeerIsDropped(t *testing.T) {
	r, node, _ := newTestRegistry()
	rec := &recorder{}

	r.Receive(&protocol.Transaction{ID: "c1-x", Mode: protocol.ModeCreate, Payload: protocol.NewCreateCoordinator("c1")}, "c1")
	info, ok := r.TransactionInfo("c1-x")
	require.True(t, ok)
	require.NoError(t, info.SetListener(rec.listener()))
	created := info.LastTransaction()

	for _, mode := range []protocol.Mode{protocol.ModeContinue, protocol.ModeComplete} {
		r.Receive(&protocol.Transaction{ID: "c1-x", Mode: mode, Payload: protocol.NewNoop()}, "c2")
	}
	require.Equal(t, 1, r.Len())
	require.False(t, info.Done())
	require.Same(t, created, info.LastTransaction())
	require.Empty(t, rec.list())
	require.Len(t, node.processed, 1)

	// the owning peer can still finish it
	r.Receive(&protocol.Transaction{ID: "c1-x", Mode: protocol.ModeComplete, Payload: protocol.NewNoop()}, "c1")
	require.True(t, info.Done())
	require.Equal(t, []string{"receive", "complete"}, rec.list())
}

func TestReceiveDrops(t *testing.T) {
	cases := []struct {
		name string
		mode protocol.Mode
	}{
		{"continue for unknown id", protocol.ModeContinue},
		{"complete for unknown id", protocol.ModeComplete},
		{"unspecified mode", protocol.ModeUnspecified},
		{"unrecognized mode", protocol.Mode(42)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, node, _ := newTestRegistry()
			r.Receive(&protocol.Transaction{ID: "ghost", Mode: tc.mode, Payload: protocol.NewNoop()}, "c1")
			require.Empty(t, node.processed)
			require.Equal(t, 0, r.Len())
		})
	}
}

func TestSetListenerOnce(t *testing.T) {
	r, _, _ := newTestRegistry()
	info := r.GenerateInfo()
	require.NoError(t, info.SetListener(ListenerFuncs{}))
	require.ErrorIs(t, info.SetListener(ListenerFuncs{}), ErrListenerSet)
}

func TestCancelAll(t *testing.T) {
	r, _, _ := newTestRegistry()
	for i := 0; i < 5; i++ {
		r.GenerateInfo()
	}
	require.Equal(t, 5, r.CancelAll())
	require.Equal(t, 0, r.Len())
}

func TestTimeoutOnScheduler(t *testing.T) {
	s := scheduler.New(0)
	s.Start(nil)
	defer s.Stop()

	r := NewRegistry(&fakeNode{}, s, 20*time.Millisecond)
	cancelled := make(chan string, 1)
	info := r.GenerateInfo(WithListener(ListenerFuncs{
		Cancel: func(_ *Registry, info *Info) { cancelled <- info.ID() },
	}))

	select {
	case id := <-cancelled:
		require.Equal(t, info.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("transaction never timed out")
	}
	require.Equal(t, 0, r.Len())
	require.False(t, r.Complete(info.ID()))
}
