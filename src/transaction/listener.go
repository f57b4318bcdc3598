package transaction

import "github.com/danmuck/synergy/src/api/protocol"

// Listener observes the lifecycle of a single transaction. Callbacks run
// outside the registry lock and may call back into the registry.
type Listener interface {
	OnSend(r *Registry, info *Info)
	OnReceive(r *Registry, info *Info, msg *protocol.Transaction)
	OnComplete(r *Registry, info *Info)
	OnCancel(r *Registry, info *Info)
}

// ListenerFuncs adapts optional functions to a Listener. Nil fields are
// skipped.
type ListenerFuncs struct {
	Send     func(r *Registry, info *Info)
	Receive  func(r *Registry, info *Info, msg *protocol.Transaction)
	Complete func(r *Registry, info *Info)
	Cancel   func(r *Registry, info *Info)
}

func (l ListenerFuncs) OnSend(r *Registry, info *Info) {
	if l.Send != nil {
		l.Send(r, info)
	}
}

func (l ListenerFuncs) OnReceive(r *Registry, info *Info, msg *protocol.Transaction) {
	if l.Receive != nil {
		l.Receive(r, info, msg)
	}
}

func (l ListenerFuncs) OnComplete(r *Registry, info *Info) {
	if l.Complete != nil {
		l.Complete(r, info)
	}
}

func (l ListenerFuncs) OnCancel(r *Registry, info *Info) {
	if l.Cancel != nil {
		l.Cancel(r, info)
	}
}
