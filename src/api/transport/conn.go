package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	logs "github.com/danmuck/smplog"
)

const readPoll = 500 * time.Millisecond

// Conn is one persistent connection. Writes are serialized and reads
// happen on a single goroutine owned by the Conn.
type Conn struct {
	conn    net.Conn
	handler Handler
	coder   Coder

	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}

	mu      sync.Mutex
	onClose []func(*Conn)
}

func newConn(nc net.Conn, handler Handler, coder Coder) *Conn {
	if coder == nil {
		coder = DefaultCoder{}
	}
	return &Conn{
		conn:    nc,
		handler: handler,
		coder:   coder,
		closed:  make(chan struct{}),
	}
}

// Dial connects to address and starts reading frames into handler.
func Dial(ctx context.Context, address string, handler Handler, coder Coder) (*Conn, error) {
	logs.Debugf("Dial(%s)", address)
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	c := newConn(nc, handler, coder)
	go c.readLoop(nil)
	return c, nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send encodes and writes one envelope.
func (c *Conn) Send(msg *protocol.AuthenticatedMessage) error {
	data, err := c.coder.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.IsClosed() {
		return net.ErrClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// OnClose registers fn to run once when the connection closes. If the
// connection is already closed fn runs immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.mu.Lock()
	if !c.IsClosed() {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close shuts the connection and runs the close listeners. Only the first
// call has any effect.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		close(c.closed)
		listeners := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		err = c.conn.Close()
		logs.Debugf("Close(%s)", c.RemoteAddr())
		for _, fn := range listeners {
			fn(c)
		}
	})
	return err
}

func (c *Conn) readLoop(exit <-chan any) {
	defer c.Close()
	addr := c.RemoteAddr()
	logs.Debugf("readLoop(%s): start", addr)
	c.handler.OnInit(c)

	reader := bufio.NewReader(c.conn)
	for {
		select {
		case <-exit:
			logs.Debugf("readLoop(%s): exit", addr)
			return
		case <-c.closed:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(readPoll))
		if _, err := reader.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				logs.Debugf("readLoop(%s): closed by peer", addr)
				return
			}
			if !c.IsClosed() {
				logs.Warnf("readLoop(%s): read error: %v", addr, err)
			}
			return
		}

		// a frame has started; let it finish without the poll deadline
		c.conn.SetReadDeadline(time.Time{})
		msg, err := c.coder.Decode(reader)
		if err != nil {
			if !c.IsClosed() {
				logs.Warnf("readLoop(%s): decode error: %v", addr, err)
			}
			return
		}
		if err := msg.CheckVersion(); err != nil {
			logs.Warnf("readLoop(%s): sender %q: %v", addr, msg.SenderID, err)
			return
		}
		c.handler.OnReceive(msg, c)
	}
}
