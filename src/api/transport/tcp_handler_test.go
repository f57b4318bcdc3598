package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/synergy/src/api/protocol"
	"google.golang.org/protobuf/encoding/protowire"
)

type chanHandler struct {
	inits    chan *Conn
	received chan *protocol.AuthenticatedMessage
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		inits:    make(chan *Conn, 8),
		received: make(chan *protocol.AuthenticatedMessage, 8),
	}
}

func (h *chanHandler) OnInit(c *Conn) { h.inits <- c }

func (h *chanHandler) OnReceive(msg *protocol.AuthenticatedMessage, c *Conn) {
	h.received <- msg
}

func testMessage(payload string) *protocol.AuthenticatedMessage {
	return &protocol.AuthenticatedMessage{
		SenderID: "c1",
		Version:  protocol.ProtocolVersion,
		Hash:     "deadbeef",
		Payload:  []byte(payload),
	}
}

func TestTCPHandlerListenAndAccept(t *testing.T) {
	exit := make(chan any)
	handler := NewTCPHandler("localhost:0", newChanHandler(), exit)

	if err := handler.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept failed: %v", err)
	}

	// Verify we can connect to it
	conn, err := net.DialTimeout("tcp", handler.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to handler: %v", err)
	}
	conn.Close()

	// Clean shutdown
	close(exit)
	time.Sleep(600 * time.Millisecond) // wait for accept loop deadline
	if err := handler.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestTCPHandlerSendReceive(t *testing.T) {
	exit := make(chan any)
	server := newChanHandler()
	handler := NewTCPHandler("localhost:0", server, exit)
	if err := handler.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept failed: %v", err)
	}
	defer func() {
		close(exit)
		handler.Close()
	}()

	client := newChanHandler()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, handler.Addr(), client, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(testMessage("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var peer *Conn
	select {
	case peer = <-server.inits:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for OnInit")
	}

	select {
	case received := <-server.received:
		if received.SenderID != "c1" {
			t.Errorf("Expected sender c1, got %q", received.SenderID)
		}
		if string(received.Payload) != "hello" {
			t.Errorf("Expected payload 'hello', got '%s'", received.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for message")
	}

	// and back the other way
	if err := peer.Send(testMessage("welcome")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	select {
	case received := <-client.received:
		if string(received.Payload) != "welcome" {
			t.Errorf("Expected payload 'welcome', got '%s'", received.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for reply")
	}
}

func TestVersionMismatchClosesConnection(t *testing.T) {
	exit := make(chan any)
	server := newChanHandler()
	handler := NewTCPHandler("localhost:0", server, exit)
	if err := handler.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept failed: %v", err)
	}
	defer func() {
		close(exit)
		handler.Close()
	}()

	conn, err := Dial(context.Background(), handler.Addr(), newChanHandler(), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	msg := testMessage("from the future")
	msg.Version = protocol.ProtocolVersion + 1
	if err := conn.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	peer := <-server.inits
	closed := make(chan struct{})
	peer.OnClose(func(*Conn) { close(closed) })

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("connection stayed open after a version mismatch")
	}
	select {
	case m := <-server.received:
		t.Fatalf("mismatched frame was delivered: %+v", m)
	default:
	}
}

func TestCloseRunsListenersOnce(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := newConn(a, newChanHandler(), nil)

	calls := 0
	c.OnClose(func(*Conn) { calls++ })
	c.Close()
	c.Close()
	if calls != 1 {
		t.Fatalf("expected 1 close callback, got %d", calls)
	}

	// registering after close runs immediately
	late := false
	c.OnClose(func(*Conn) { late = true })
	if !late {
		t.Fatal("late listener did not run")
	}
	if err := c.Send(testMessage("x")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}

func TestDefaultCoder(t *testing.T) {
	coder := DefaultCoder{}
	var stream bytes.Buffer
	for _, p := range []string{"one", "", "three"} {
		frame, err := coder.Encode(testMessage(p))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream.Write(frame)
	}

	r := bufio.NewReader(&stream)
	for _, want := range []string{"one", "", "three"} {
		msg, err := coder.Decode(r)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if string(msg.Payload) != want {
			t.Fatalf("expected %q, got %q", want, msg.Payload)
		}
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	frame := protowire.AppendVarint(nil, MaxFrameSize+1)
	_, err := DefaultCoder{}.Decode(bufio.NewReader(bytes.NewReader(frame)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
