package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
)

type TCPHandler struct {
	address  string
	listener net.Listener
	handler  Handler
	coder    Coder
	exit     chan any
	onFail   func(error)

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// TCPHandler generator function
func NewTCPHandler(address string, handler Handler, exit chan any) *TCPHandler {
	logs.Debugf("NewTCPHandler(%s)", address)
	return &TCPHandler{
		address: address,
		handler: handler,
		exit:    exit,
		coder:   DefaultCoder{},
		conns:   make(map[*Conn]struct{}),
	}
}

// OnFailure sets a callback for an accept loop that stops on an error
// other than shutdown.
func (h *TCPHandler) OnFailure(fn func(error)) {
	h.onFail = fn
}

// interface

// Listen and accept connections via TCPHandler.listener
func (h *TCPHandler) ListenAndAccept() error {
	logs.Debugf("ListenAndAccept(%s)", h.address)
	var err error
	h.listener, err = net.Listen("tcp", h.address)
	if err != nil {
		return err
	}

	go h.acceptConnections()

	return nil
}

func (h *TCPHandler) Addr() string {
	if h.listener == nil {
		return h.address
	}
	return h.listener.Addr().String()
}

// close listener and every accepted connection
func (h *TCPHandler) Close() error {
	logs.Debugf("Close(start)")
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var err error
	if h.listener != nil {
		err = h.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	for _, c := range conns {
		c.Close()
	}
	logs.Debugf("Close(done)")
	return err
}

func (h *TCPHandler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// private

// listener accept loop
func (h *TCPHandler) acceptConnections() {
	logs.Debugf("acceptConnections(): start")
	defer h.listener.Close()
	for {
		select {
		case <-h.exit:
			logs.Debugf("acceptConnections(): exit")
			return
		default:
			h.listener.(*net.TCPListener).SetDeadline(time.Now().Add(500 * time.Millisecond)) // Non-blocking
			conn, err := h.listener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					// Timeout, continue to check exit
					continue
				}
				if h.isClosed() {
					logs.Debugf("acceptConnections(): listener closed")
					return
				}
				logs.Warnf("acceptConnections error: %s", err)
				if h.onFail != nil {
					h.onFail(err)
				}
				return
			}
			h.track(newConn(conn, h.handler, h.coder))
		}
	}
}

func (h *TCPHandler) track(c *Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	c.OnClose(func(c *Conn) {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	})
	go c.readLoop(h.exit)
}
