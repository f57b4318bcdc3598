package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/api/transport"
	"github.com/danmuck/synergy/src/auth"
	"github.com/danmuck/synergy/src/config"
	"github.com/danmuck/synergy/src/scheduler"
	"github.com/danmuck/synergy/src/transaction"
	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"
)

const workloadCloseTimeout = 10 * time.Second

// Workload is something a coordinator runs and reports to the hub.
type Workload interface {
	Server() protocol.Server
	Close(ctx context.Context) error
}

// StaticWorkload reports a fixed summary and has nothing to release.
type StaticWorkload struct {
	Summary protocol.Server
}

func (w *StaticWorkload) Server() protocol.Server        { return w.Summary }
func (w *StaticWorkload) Close(ctx context.Context) error { return nil }

type CoordinatorOption func(*Coordinator)

// WithDetachHandler sets the function called when the hub reports that a
// console attached through this coordinator was detached.
func WithDetachHandler(fn func(consoleID string)) CoordinatorOption {
	return func(c *Coordinator) { c.onDetach = fn }
}

// Coordinator is a worker node. It holds one connection to the hub,
// registers itself with a CREATE handshake and pushes a Sync every tick.
type Coordinator struct {
	id       string
	name     string
	password string
	address  string
	cipher   *auth.Cipher

	registry *transaction.Registry
	driver   *Driver
	onDetach func(consoleID string)

	mu           sync.Mutex
	conn         *transport.Conn
	handshake    *latch
	enabled      bool
	attributes   []string
	resources    map[string]int32
	workloads    map[string]Workload
	provisioning map[string]protocol.Server
}

func NewCoordinator(cfg config.Config, opts ...CoordinatorOption) (*Coordinator, error) {
	cc := cfg.Coordinator
	if cc.ID == "" || cc.Password == "" {
		return nil, errors.New("coordinator id and password are required")
	}

	c := &Coordinator{
		id:           cc.ID,
		name:         cc.Name,
		password:     cc.Password,
		address:      cc.Address,
		cipher:       auth.NewCipher(cfg.Synergy.KeyIterations),
		enabled:      cc.Enabled,
		attributes:   append([]string(nil), cc.Attributes...),
		resources:    make(map[string]int32, len(cc.Resources)),
		workloads:    make(map[string]Workload),
		provisioning: make(map[string]protocol.Server),
	}
	for k, v := range cc.Resources {
		c.resources[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}

	sched := scheduler.New(cfg.Synergy.TickPeriod.Duration)
	c.registry = transaction.NewRegistry(c, sched, cfg.Synergy.TransactionTimeout.Duration)
	c.driver = NewDriver(c, sched, scheduler.NewAsyncExecutor(cfg.Synergy.AsyncWorkers), cfg.Synergy.ReconnectDelay.Duration)
	return c, nil
}

func (c *Coordinator) Start()                          { c.driver.Start() }
func (c *Coordinator) Shutdown()                       { c.driver.Shutdown() }
func (c *Coordinator) Running() bool                   { return c.driver.Running() }
func (c *Coordinator) Registry() *transaction.Registry { return c.registry }

// Role

func (c *Coordinator) Name() string {
	return "coordinator(" + c.id + ")"
}

func (c *Coordinator) OnStart(ctx context.Context, lost func(error)) error {
	conn, err := transport.Dial(ctx, c.address, c, nil)
	if err != nil {
		return err
	}

	l := newLatch()
	c.mu.Lock()
	c.conn = conn
	c.handshake = l
	c.mu.Unlock()

	conn.OnClose(func(closed *transport.Conn) {
		l.release(false)
		c.mu.Lock()
		current := c.conn == closed
		if current {
			c.conn = nil
		}
		c.mu.Unlock()
		if current {
			lost(fmt.Errorf("channel to %s closed", closed.RemoteAddr()))
		}
	})

	if err := c.register(ctx, l); err != nil {
		conn.Close()
		return err
	}
	logs.Infof("%s: registered with %s", c.Name(), c.address)
	return nil
}

// register sends CREATE CreateCoordinator and waits for the hub to
// complete it.
func (c *Coordinator) register(ctx context.Context, l *latch) error {
	info := c.registry.GenerateInfo(transaction.WithListener(transaction.ListenerFuncs{
		Complete: func(*transaction.Registry, *transaction.Info) { l.release(true) },
		Cancel:   func(*transaction.Registry, *transaction.Info) { l.release(false) },
	}))
	msg, err := c.registry.Build(info.ID(), protocol.ModeCreate, protocol.NewCreateCoordinator(c.id))
	if err != nil {
		return err
	}
	if !c.registry.Send(info.ID(), msg, "") {
		c.registry.Cancel(info.ID(), true)
		return fmt.Errorf("%w: CREATE not sent", ErrHandshakeAborted)
	}

	ok, err := l.wait(ctx)
	if err != nil || !ok {
		c.registry.Cancel(info.ID(), true)
		if err == nil {
			err = ErrHandshakeAborted
		}
		return err
	}
	return nil
}

func (c *Coordinator) OnTick() {
	info := c.registry.GenerateInfo()
	msg, err := c.registry.Build(info.ID(), protocol.ModeSingle, protocol.NewSync(c.Snapshot()))
	if err != nil {
		return
	}
	c.registry.Send(info.ID(), msg, "")
}

func (c *Coordinator) OnShutdown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	workloads := make([]Workload, 0, len(c.workloads))
	for _, w := range c.workloads {
		workloads = append(workloads, w)
	}
	c.workloads = make(map[string]Workload)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if n := c.registry.CancelAll(); n > 0 {
		logs.Debugf("%s: cancelled %d open transactions", c.Name(), n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), workloadCloseTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workloads {
		w := w
		g.Go(func() error {
			if err := w.Close(ctx); err != nil {
				return fmt.Errorf("workload %s: %w", w.Server().UUID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logs.Errorf(err, "%s: failed to close workloads", c.Name())
	}
}

// transaction.Node

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) Send(msg *protocol.Transaction, target string) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		logs.Warnf("%s: dropping %s %s: %v", c.Name(), msg.Mode, msg.ID, ErrNotConnected)
		return false
	}

	env, err := protocol.Seal(msg, c.id, c.password, c.cipher)
	if err != nil {
		logs.Errorf(err, "%s: failed to seal %s", c.Name(), msg.ID)
		return false
	}
	if err := conn.Send(env); err != nil {
		logs.Errorf(err, "%s: failed to send %s", c.Name(), msg.ID)
		return false
	}
	return true
}

func (c *Coordinator) Process(cmd *protocol.Command, info *transaction.Info, from string) bool {
	switch cmd.Type {
	case protocol.CommandNoop, protocol.CommandCreateCoordinator:
		return true
	case protocol.CommandDetachConsole:
		consoleID := cmd.DetachConsole.ConsoleID
		logs.Infof("%s: console %s detached", c.Name(), consoleID)
		if c.onDetach != nil {
			c.onDetach(consoleID)
		}
		return true
	default:
		logs.Warnf("%s: unsupported command %s in %s", c.Name(), cmd.Type, info.ID())
		return false
	}
}

// transport.Handler

func (c *Coordinator) OnInit(conn *transport.Conn) {
	logs.Infof("%s: connected to %s", c.Name(), conn.RemoteAddr())
}

func (c *Coordinator) OnReceive(env *protocol.AuthenticatedMessage, conn *transport.Conn) {
	if env.SenderID != c.id {
		logs.Warnf("%s: frame addressed to %q, closing", c.Name(), env.SenderID)
		c.reject(conn)
		return
	}
	tx, err := protocol.Open(env, c.password, c.cipher)
	if err != nil {
		logs.Errorf(err, "%s: invalid frame from hub, closing", c.Name())
		c.reject(conn)
		return
	}
	c.registry.Receive(tx, "")
}

func (c *Coordinator) reject(conn *transport.Conn) {
	c.mu.Lock()
	l := c.handshake
	c.mu.Unlock()
	if l != nil {
		l.release(false)
	}
	conn.Close()
}

// workloads

func (c *Coordinator) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Provision reports s as an inactive server until a workload with the same
// UUID is added.
func (c *Coordinator) Provision(s protocol.Server) {
	s.Active = false
	c.mu.Lock()
	c.provisioning[s.UUID] = s
	c.mu.Unlock()
}

func (c *Coordinator) AddWorkload(w Workload) {
	uuid := w.Server().UUID
	c.mu.Lock()
	delete(c.provisioning, uuid)
	c.workloads[uuid] = w
	c.mu.Unlock()
}

// RemoveWorkload detaches and closes the workload with the given UUID.
func (c *Coordinator) RemoveWorkload(ctx context.Context, uuid string) error {
	c.mu.Lock()
	w, ok := c.workloads[uuid]
	delete(c.workloads, uuid)
	delete(c.provisioning, uuid)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close(ctx)
}

// Snapshot is the Sync the coordinator would send now.
func (c *Coordinator) Snapshot() *protocol.Sync {
	c.mu.Lock()
	defer c.mu.Unlock()

	servers := make([]protocol.Server, 0, len(c.workloads)+len(c.provisioning))
	for _, w := range c.workloads {
		servers = append(servers, w.Server())
	}
	for _, s := range c.provisioning {
		servers = append(servers, s)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].UUID < servers[j].UUID })

	return &protocol.Sync{
		Enabled:       c.enabled,
		CoordinatorID: c.id,
		Attributes:    append([]string(nil), c.attributes...),
		Resources:     protocol.ResourcesFromMap(c.resources),
		Servers:       servers,
	}
}

// latch is a one-shot result that can be released by success or abort.
type latch struct {
	once sync.Once
	done chan struct{}
	ok   bool
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

func (l *latch) release(ok bool) {
	l.once.Do(func() {
		l.ok = ok
		close(l.done)
	})
}

func (l *latch) wait(ctx context.Context) (bool, error) {
	select {
	case <-l.done:
		return l.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
