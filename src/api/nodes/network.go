package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/synergy/src/api/protocol"
	"github.com/danmuck/synergy/src/api/transport"
	"github.com/danmuck/synergy/src/auth"
	"github.com/danmuck/synergy/src/config"
	"github.com/danmuck/synergy/src/key_store"
	"github.com/danmuck/synergy/src/scheduler"
	"github.com/danmuck/synergy/src/transaction"
	logs "github.com/danmuck/smplog"
)

// rejection frames are keyed with a secret no coordinator holds
const (
	rejectID     = "0"
	rejectSecret = "0"
)

// ConsoleAttachment binds a console session on Coordinator to the peer
// that opened it.
type ConsoleAttachment struct {
	ConsoleID   string
	Owner       string
	Coordinator string
}

// Network is the hub. It accepts coordinator connections, authenticates
// every frame against the sender's registered secret and tracks the state
// each coordinator reports.
type Network struct {
	id      string
	address string
	cipher  *auth.Cipher

	pool     *key_store.Pool
	table    *CoordinatorTable
	registry *transaction.Registry
	driver   *Driver

	mu       sync.Mutex
	handler  *transport.TCPHandler
	exit     chan any
	consoles map[string]ConsoleAttachment
}

func NewNetwork(cfg config.Config, pool *key_store.Pool) (*Network, error) {
	if pool == nil {
		var err error
		if pool, err = key_store.NewPool(); err != nil {
			return nil, err
		}
	}
	table, err := NewCoordinatorTable(pool)
	if err != nil {
		return nil, err
	}

	n := &Network{
		id:       cfg.Network.ID,
		address:  cfg.Network.Address,
		cipher:   auth.NewCipher(cfg.Synergy.KeyIterations),
		pool:     pool,
		table:    table,
		consoles: make(map[string]ConsoleAttachment),
	}
	sched := scheduler.New(cfg.Synergy.TickPeriod.Duration)
	n.registry = transaction.NewRegistry(n, sched, cfg.Synergy.TransactionTimeout.Duration)
	n.driver = NewDriver(n, sched, scheduler.NewAsyncExecutor(cfg.Synergy.AsyncWorkers), cfg.Synergy.ReconnectDelay.Duration)
	return n, nil
}

func (n *Network) Start()                          { n.driver.Start() }
func (n *Network) Shutdown()                       { n.driver.Shutdown() }
func (n *Network) Running() bool                   { return n.driver.Running() }
func (n *Network) Registry() *transaction.Registry { return n.registry }
func (n *Network) Coordinators() *CoordinatorTable { return n.table }

// Addr is the bound listen address once started.
func (n *Network) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handler == nil {
		return n.address
	}
	return n.handler.Addr()
}

// RegisterCoordinator adds a coordinator identity to the pool and the
// routing table.
func (n *Network) RegisterCoordinator(ks key_store.KeyStore) error {
	if err := n.pool.Add(ks); err != nil {
		return err
	}
	if err := n.table.Insert(ks); err != nil {
		n.pool.Remove(ks.ID)
		return err
	}
	return nil
}

// UnregisterCoordinator forgets a coordinator and drops its channel.
func (n *Network) UnregisterCoordinator(id string) error {
	e, err := n.table.Remove(id)
	if err != nil {
		return err
	}
	n.pool.Remove(id)
	if conn := e.Conn(); conn != nil {
		conn.Close()
	}
	return nil
}

// Role

func (n *Network) Name() string {
	return "network(" + n.id + ")"
}

func (n *Network) OnStart(ctx context.Context, lost func(error)) error {
	// a rebind after a failed accept loop must not strand the old channels
	n.closeHandler()

	exit := make(chan any)
	h := transport.NewTCPHandler(n.address, n, exit)
	h.OnFailure(lost)
	if err := h.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to bind %s: %w", n.address, err)
	}

	n.mu.Lock()
	n.handler = h
	n.exit = exit
	n.mu.Unlock()
	logs.Infof("%s: listening on %s", n.Name(), h.Addr())
	return nil
}

func (n *Network) OnTick() {}

func (n *Network) OnShutdown() {
	n.closeHandler()
	if c := n.registry.CancelAll(); c > 0 {
		logs.Debugf("%s: cancelled %d open transactions", n.Name(), c)
	}
}

func (n *Network) closeHandler() {
	n.mu.Lock()
	h, exit := n.handler, n.exit
	n.handler, n.exit = nil, nil
	n.mu.Unlock()

	if h == nil {
		return
	}
	close(exit)
	if err := h.Close(); err != nil {
		logs.Errorf(err, "%s: failed to close listener", n.Name())
	}
}

// transport.Handler

func (n *Network) OnInit(conn *transport.Conn) {
	logs.Infof("%s: connection from %s", n.Name(), conn.RemoteAddr())
}

func (n *Network) OnReceive(env *protocol.AuthenticatedMessage, conn *transport.Conn) {
	entry, err := n.table.Lookup(env.SenderID)
	if err != nil {
		logs.Warnf("%s: %v from %s", n.Name(), err, conn.RemoteAddr())
		n.reject(env.SenderID, conn)
		return
	}

	tx, err := protocol.Open(env, entry.Password, n.cipher)
	if err != nil {
		if errors.Is(err, protocol.ErrBadHash) {
			logs.Warnf("%s: bad hash from %s at %s", n.Name(), entry.ID, conn.RemoteAddr())
			n.reject(env.SenderID, conn)
			return
		}
		logs.Errorf(err, "%s: invalid frame from %s, closing", n.Name(), entry.ID)
		conn.Close()
		return
	}

	if entry.bind(conn) {
		logs.Debugf("%s: channel for %s is now %s", n.Name(), entry.ID, conn.RemoteAddr())
		conn.OnClose(func(closed *transport.Conn) { n.channelClosed(entry, closed) })
	}
	n.registry.Receive(tx, entry.ID)
}

// reject answers with a NOOP the claimed sender cannot authenticate and
// closes the connection.
func (n *Network) reject(claimedID string, conn *transport.Conn) {
	tx := &protocol.Transaction{ID: rejectID, Mode: protocol.ModeSingle, Payload: protocol.NewNoop()}
	if env, err := protocol.Seal(tx, claimedID, rejectSecret, n.cipher); err == nil {
		if err := conn.Send(env); err != nil {
			logs.Debugf("%s: rejection not delivered: %v", n.Name(), err)
		}
	}
	conn.Close()
}

func (n *Network) channelClosed(entry *CoordinatorEntry, conn *transport.Conn) {
	if !entry.unbind(conn) {
		return
	}
	logs.Infof("%s: channel to %s closed", n.Name(), entry.ID)
	if n.driver.stopped.Load() {
		return
	}

	n.mu.Lock()
	var detached []ConsoleAttachment
	for id, a := range n.consoles {
		if a.Coordinator == entry.ID {
			detached = append(detached, a)
			delete(n.consoles, id)
		}
	}
	n.mu.Unlock()

	sort.Slice(detached, func(i, j int) bool { return detached[i].ConsoleID < detached[j].ConsoleID })
	for _, a := range detached {
		n.Notify(a.Owner, protocol.NewDetachConsole(a.ConsoleID))
	}
}

// transaction.Node

func (n *Network) ID() string { return n.id }

// Send seals msg with the target coordinator's secret and writes it to
// that coordinator's current channel.
func (n *Network) Send(msg *protocol.Transaction, target string) bool {
	entry, err := n.table.Lookup(target)
	if err != nil {
		logs.Errorf(err, "%s: cannot send %s", n.Name(), msg.ID)
		return false
	}
	conn := entry.Conn()
	if conn == nil {
		logs.Warnf("%s: dropping %s %s for %s: %v", n.Name(), msg.Mode, msg.ID, target, ErrNotConnected)
		return false
	}

	env, err := protocol.Seal(msg, entry.ID, entry.Password, n.cipher)
	if err != nil {
		logs.Errorf(err, "%s: failed to seal %s", n.Name(), msg.ID)
		return false
	}
	if err := conn.Send(env); err != nil {
		logs.Errorf(err, "%s: failed to send %s to %s", n.Name(), msg.ID, target)
		return false
	}
	return true
}

func (n *Network) Process(cmd *protocol.Command, info *transaction.Info, from string) bool {
	switch cmd.Type {
	case protocol.CommandNoop:
		return true

	case protocol.CommandSync:
		entry, err := n.table.Lookup(from)
		if err != nil {
			logs.Errorf(err, "%s: sync from unknown coordinator", n.Name())
			return false
		}
		if cmd.Sync.CoordinatorID != from {
			logs.Warnf("%s: %s reported coordinator id %q", n.Name(), from, cmd.Sync.CoordinatorID)
		}
		entry.update(cmd.Sync)
		return true

	case protocol.CommandCreateCoordinator:
		entry, err := n.table.Lookup(from)
		if err != nil {
			logs.Errorf(err, "%s: create from unknown coordinator", n.Name())
			return false
		}
		entry.markRegistered()
		logs.Infof("%s: coordinator %s registered", n.Name(), entry)

		reply, err := n.registry.Build(info.ID(), protocol.ModeComplete, protocol.NewCreateCoordinator(from))
		if err != nil {
			return false
		}
		return n.registry.Send(info.ID(), reply, from)

	default:
		logs.Warnf("%s: unsupported command %s from %s", n.Name(), cmd.Type, from)
		return false
	}
}

// Notify sends cmd to target as a one-shot transaction.
func (n *Network) Notify(target string, cmd *protocol.Command) bool {
	info := n.registry.GenerateInfo(transaction.WithTarget(target))
	msg, err := n.registry.Build(info.ID(), protocol.ModeSingle, cmd)
	if err != nil {
		return false
	}
	return n.registry.Send(info.ID(), msg, target)
}

// consoles

// AttachConsole records that owner opened consoleID on coordinator.
func (n *Network) AttachConsole(consoleID, owner, coordinator string) error {
	if _, err := n.table.Lookup(coordinator); err != nil {
		return err
	}
	n.mu.Lock()
	n.consoles[consoleID] = ConsoleAttachment{ConsoleID: consoleID, Owner: owner, Coordinator: coordinator}
	n.mu.Unlock()
	return nil
}

func (n *Network) DetachConsole(consoleID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.consoles[consoleID]; !ok {
		return false
	}
	delete(n.consoles, consoleID)
	return true
}

func (n *Network) Consoles() []ConsoleAttachment {
	n.mu.Lock()
	out := make([]ConsoleAttachment, 0, len(n.consoles))
	for _, a := range n.consoles {
		out = append(out, a)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConsoleID < out[j].ConsoleID })
	return out
}
