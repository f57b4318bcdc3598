// Package transport moves authenticated envelopes over persistent TCP
// connections. It knows nothing about secrets or transactions; a Handler
// decides what a received envelope means.
package transport

import "github.com/danmuck/synergy/src/api/protocol"

type TransportHandler interface {
	ListenAndAccept() error // listen and accept connections
	Addr() string           // bound listener address
	Close() error           // close listener and live connections
}

// Handler receives connection events. Both methods run on the
// connection's read goroutine.
type Handler interface {
	OnInit(c *Conn)                                        // connection established
	OnReceive(msg *protocol.AuthenticatedMessage, c *Conn) // envelope with a matching protocol version
}
