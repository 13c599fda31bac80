package net

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/mosaicnetworks/peernet/src/common"
	"github.com/mosaicnetworks/peernet/src/peers"
)

const testTimeout = 2 * time.Second

func newInmemTransport(t *testing.T) (*Transport, peers.PeerAddress) {
	stream, err := NewInmemStreamLayer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	trans := NewTransport(stream, time.Second, common.NewTestEntry(t, common.TestLogLevel))
	go trans.Listen()

	addr, err := peers.ParsePeerAddress(trans.AdvertiseAddr())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return trans, addr
}

func nextEvent(t *testing.T, trans *Transport, types ...EventType) Event {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case ev := <-trans.Consumer():
			if len(types) == 0 {
				return ev
			}
			for _, typ := range types {
				if ev.Type == typ {
					return ev
				}
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %v", types)
		}
	}
}

func TestTransport_Exchange(t *testing.T) {
	trans1, addr1 := newInmemTransport(t)
	defer trans1.Close()
	trans2, _ := newInmemTransport(t)
	defer trans2.Close()

	if !trans2.Connect(addr1) {
		t.Fatalf("Connect should start a dial")
	}

	out := nextEvent(t, trans2, EventConnection)
	if out.Conn.Inbound() {
		t.Fatalf("dialed connection should be outbound")
	}
	if !out.Conn.PeerAddress().Equal(addr1) {
		t.Fatalf("outbound address should be the dialed one, got %v", out.Conn.PeerAddress())
	}

	in := nextEvent(t, trans1, EventConnection)
	if !in.Conn.Inbound() {
		t.Fatalf("accepted connection should be inbound")
	}
	if in.Conn.PeerAddress().IP != "127.0.0.1" {
		t.Fatalf("bad observed address %v", in.Conn.PeerAddress())
	}

	if err := out.Conn.Send([]byte("hello")); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := out.Conn.Send([]byte{}); err != nil {
		t.Fatalf("err: %v", err)
	}

	msg := nextEvent(t, trans1, EventMessage)
	if string(msg.Data) != "hello" || msg.Conn != in.Conn {
		t.Fatalf("bad message %q", msg.Data)
	}
	msg = nextEvent(t, trans1, EventMessage)
	if len(msg.Data) != 0 {
		t.Fatalf("expected an empty frame, got %q", msg.Data)
	}

	if in.Conn.BytesIn() != 4+5+4 {
		t.Fatalf("bytes in: %d", in.Conn.BytesIn())
	}
	// the writer counts a frame once it is flushed
	deadline := time.Now().Add(testTimeout)
	for out.Conn.BytesOut() != 4+5+4 {
		if time.Now().After(deadline) {
			t.Fatalf("bytes out: %d", out.Conn.BytesOut())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransport_CloseFlushes(t *testing.T) {
	trans1, addr1 := newInmemTransport(t)
	defer trans1.Close()
	trans2, _ := newInmemTransport(t)
	defer trans2.Close()

	trans2.Connect(addr1)
	out := nextEvent(t, trans2, EventConnection)
	nextEvent(t, trans1, EventConnection)

	out.Conn.Send([]byte("last words"))
	out.Conn.Close("bye")

	if err := out.Conn.Send([]byte("too late")); err != ErrConnClosed {
		t.Fatalf("expected ErrConnClosed, got %v", err)
	}

	msg := nextEvent(t, trans1, EventMessage, EventClose)
	if msg.Type != EventMessage || string(msg.Data) != "last words" {
		t.Fatalf("queued frame should be flushed before close, got %v", msg.Type)
	}

	remote := nextEvent(t, trans1, EventClose)
	if remote.ClosedByUs {
		t.Fatalf("remote side did not close")
	}

	local := nextEvent(t, trans2, EventClose)
	if !local.ClosedByUs || local.Reason != "bye" {
		t.Fatalf("bad close event %+v", local)
	}
}

func TestTransport_Ban(t *testing.T) {
	trans1, addr1 := newInmemTransport(t)
	defer trans1.Close()
	trans2, _ := newInmemTransport(t)
	defer trans2.Close()

	trans2.Connect(addr1)
	nextEvent(t, trans2, EventConnection)
	in := nextEvent(t, trans1, EventConnection)

	in.Conn.Ban("garbage")
	if !in.Conn.Banned() {
		t.Fatalf("conn should be banned")
	}

	ev := nextEvent(t, trans1, EventClose)
	if !ev.ClosedByUs || ev.Reason != "garbage" {
		t.Fatalf("bad close event %+v", ev)
	}
	nextEvent(t, trans2, EventClose)
}

func TestTransport_DialError(t *testing.T) {
	trans, _ := newInmemTransport(t)
	defer trans.Close()

	target := peers.NewPeerAddress("127.0.0.1", 1)
	trans.Connect(target)

	ev := nextEvent(t, trans, EventDialError)
	if ev.Err == nil || !ev.Addr.Equal(target) {
		t.Fatalf("bad dial error %+v", ev)
	}
}

func TestTransport_ConnectDedupe(t *testing.T) {
	stream, err := NewInmemStreamLayer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	// nobody accepts: the dial hangs until the timeout
	trans := NewTransport(stream, 300*time.Millisecond, common.NewTestEntry(t, common.TestLogLevel))
	defer trans.Close()

	silent, err := NewInmemStreamLayer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer silent.Close()
	addr, _ := peers.ParsePeerAddress(silent.AdvertiseAddr())

	if !trans.Connect(addr) {
		t.Fatalf("first Connect should dial")
	}
	if trans.Connect(addr) {
		t.Fatalf("second Connect should be deduplicated")
	}

	nextEvent(t, trans, EventDialError)

	// the dial is over, a new one may start
	if !trans.Connect(addr) {
		t.Fatalf("Connect should dial again after a failure")
	}
}

func TestTransport_Shutdown(t *testing.T) {
	trans1, addr1 := newInmemTransport(t)
	trans2, _ := newInmemTransport(t)
	defer trans2.Close()

	trans2.Connect(addr1)
	nextEvent(t, trans1, EventConnection)
	nextEvent(t, trans2, EventConnection)

	if err := trans1.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !trans1.IsShutdown() {
		t.Fatalf("transport should be shut down")
	}
	if trans1.Connect(peers.NewPeerAddress("127.0.0.1", 2)) {
		t.Fatalf("Connect should fail after Close")
	}

	// the remote end sees the connection go away
	nextEvent(t, trans2, EventClose)
}

func TestTCPStreamLayer_BadAddr(t *testing.T) {
	_, err := NewTCPStreamLayer("0.0.0.0", 0, 0, false, "")
	if err != errNotAdvertisable {
		t.Fatalf("err: %v", err)
	}
}

func TestTCPStreamLayer_WithAdvertise(t *testing.T) {
	stream, err := NewTCPStreamLayer("0.0.0.0", 0, 0, false, "127.0.0.1:12345")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer stream.Close()
	if stream.AdvertiseAddr() != "127.0.0.1:12345" {
		t.Fatalf("bad: %v", stream.AdvertiseAddr())
	}
}

func TestTCPStreamLayer_PortIncrementation(t *testing.T) {
	// grab a port
	first, err := NewTCPStreamLayer("127.0.0.1", 0, 0, false, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer first.Close()
	port := uint16(first.Addr().(*net.TCPAddr).Port)

	if _, err := NewTCPStreamLayer("127.0.0.1", port, port+20, false, ""); err == nil {
		t.Fatalf("binding a busy port without incrementation should fail")
	}

	second, err := NewTCPStreamLayer("127.0.0.1", port, port+20, true, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer second.Close()

	got := second.Addr().(*net.TCPAddr).Port
	if got <= int(port) || got > int(port)+20 {
		t.Fatalf("expected a port above %d, got %d", port, got)
	}

	if _, err := NewTCPStreamLayer("127.0.0.1", port, port, true, ""); err == nil {
		t.Fatalf("incrementation must stop at the max port")
	}
}

func TestTransport_TCP(t *testing.T) {
	stream1, err := NewTCPStreamLayer("127.0.0.1", 0, 0, false, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	trans1 := NewTransport(stream1, time.Second, common.NewTestEntry(t, common.TestLogLevel))
	defer trans1.Close()
	go trans1.Listen()

	stream2, err := NewTCPStreamLayer("127.0.0.1", 0, 0, false, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	trans2 := NewTransport(stream2, time.Second, common.NewTestEntry(t, common.TestLogLevel))
	defer trans2.Close()
	go trans2.Listen()

	port := stream1.Addr().(*net.TCPAddr).Port
	addr1, _ := peers.ParsePeerAddress(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))

	trans2.Connect(addr1)
	out := nextEvent(t, trans2, EventConnection)
	nextEvent(t, trans1, EventConnection)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := out.Conn.Send(payload); err != nil {
		t.Fatalf("err: %v", err)
	}

	msg := nextEvent(t, trans1, EventMessage)
	if len(msg.Data) != len(payload) || msg.Data[1000] != payload[1000] {
		t.Fatalf("payload corrupted")
	}

	if err := out.Conn.Send(make([]byte, MaxFrameSize+1)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
