package nodes

import (
	"context"
	"errors"
)

var (
	ErrNotConnected        = errors.New("not connected")
	ErrHandshakeAborted    = errors.New("handshake aborted")
	ErrCoordinatorNotFound = errors.New("coordinator not found")
	ErrCoordinatorExists   = errors.New("coordinator already exists")
)

// Role is the part of a node that differs between the hub and a
// coordinator. A Driver owns the lifecycle and calls into the role.
//
// OnStart establishes connectivity. It receives lost, which the role must
// call whenever that connectivity later fails. OnTick runs on the
// scheduler goroutine only while the node is running.
type Role interface {
	Name() string                                        // role label for logs
	OnStart(ctx context.Context, lost func(error)) error // dial or bind
	OnTick()                                             // periodic work
	OnShutdown()                                         // release connections and workloads
}
