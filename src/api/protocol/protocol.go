// Package protocol defines the messages exchanged between a network hub and
// its coordinators, and their protobuf wire encoding.
//
// Every frame on the socket is an AuthenticatedMessage. Its payload is an
// encrypted Transaction, which in turn carries a Command.
package protocol

import (
	"errors"
	"fmt"
)

// ProtocolVersion must match exactly on both ends of a connection.
const ProtocolVersion int32 = 1

var (
	ErrBadHash         = errors.New("message hash does not match payload")
	ErrMalformed       = errors.New("malformed message")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// Mode governs the lifecycle of a transaction.
type Mode int32

const (
	ModeUnspecified Mode = iota
	ModeCreate           // opens a multi step exchange
	ModeSingle           // request and final answer in one frame
	ModeContinue         // intermediate frame of an open exchange
	ModeComplete         // final frame of an open exchange
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "CREATE"
	case ModeSingle:
		return "SINGLE"
	case ModeContinue:
		return "CONTINUE"
	case ModeComplete:
		return "COMPLETE"
	case ModeUnspecified:
		return "UNSPECIFIED"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// Terminal reports whether sending a message in this mode ends the transaction.
func (m Mode) Terminal() bool {
	return m == ModeSingle || m == ModeComplete
}

type CommandType int32

const (
	CommandNoop CommandType = iota
	CommandSync
	CommandCreateCoordinator
	CommandDetachConsole
)

func (t CommandType) String() string {
	switch t {
	case CommandNoop:
		return "NOOP"
	case CommandSync:
		return "SYNC"
	case CommandCreateCoordinator:
		return "CREATE_COORDINATOR"
	case CommandDetachConsole:
		return "DETACH_CONSOLE"
	default:
		return fmt.Sprintf("CommandType(%d)", int32(t))
	}
}
