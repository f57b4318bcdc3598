package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AuthenticatedMessage is the outer envelope written to the socket.
// SenderID names the identity whose secret keys Hash and Payload.
type AuthenticatedMessage struct {
	SenderID string
	Version  int32
	Hash     string
	Payload  []byte // ciphertext of a serialized Transaction
}

func (m *AuthenticatedMessage) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SenderID)
	b = appendInt32(b, 2, m.Version)
	b = appendString(b, 3, m.Hash)
	b = appendBytes(b, 4, m.Payload)
	return b
}

func (m *AuthenticatedMessage) Unmarshal(b []byte) error {
	*m = AuthenticatedMessage{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.SenderID)
		case 2:
			return consumeInt32(typ, b, &m.Version)
		case 3:
			return consumeString(typ, b, &m.Hash)
		case 4:
			return consumeBytes(typ, b, &m.Payload)
		}
		return 0, errUnknownField
	})
}

// Transaction is the inner envelope: one frame of a logical exchange.
type Transaction struct {
	ID      string
	Mode    Mode
	Payload *Command
}

func (t *Transaction) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, t.ID)
	b = appendInt32(b, 2, int32(t.Mode))
	if t.Payload != nil {
		b = appendMessage(b, 3, t.Payload.Marshal())
	}
	return b
}

func (t *Transaction) Unmarshal(b []byte) error {
	*t = Transaction{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &t.ID)
		case 2:
			var mode int32
			n, err := consumeInt32(typ, b, &mode)
			t.Mode = Mode(mode)
			return n, err
		case 3:
			t.Payload = &Command{}
			return consumeMessage(typ, b, t.Payload.Unmarshal)
		}
		return 0, errUnknownField
	})
}

// Validate rejects transactions that cannot be routed.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: transaction has no id", ErrMalformed)
	}
	if t.Payload == nil {
		return fmt.Errorf("%w: transaction %s has no payload", ErrMalformed, t.ID)
	}
	if err := t.Payload.Validate(); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return nil
}

// Command returns the payload, or a NOOP when none was carried.
func (t *Transaction) Command() *Command {
	if t.Payload == nil {
		return NewNoop()
	}
	return t.Payload
}
