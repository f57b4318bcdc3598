package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/synergy/src/api/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded envelope.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type Coder interface {
	Encode(*protocol.AuthenticatedMessage) ([]byte, error)
	Decode(*bufio.Reader) (*protocol.AuthenticatedMessage, error)
}

// DefaultCoder frames an envelope as a varint length prefix followed by its
// protobuf encoding.
type DefaultCoder struct{}

func (c DefaultCoder) Encode(msg *protocol.AuthenticatedMessage) ([]byte, error) {
	body := msg.Marshal()
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	out := make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body))
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, body...), nil
}

func (c DefaultCoder) Decode(r *bufio.Reader) (*protocol.AuthenticatedMessage, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, int(size))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	msg := &protocol.AuthenticatedMessage{}
	if err := msg.Unmarshal(buf); err != nil {
		return nil, err
	}
	return msg, nil
}
