package node

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/peernet/src/common"
	"github.com/mosaicnetworks/peernet/src/config"
	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/mosaicnetworks/peernet/src/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      string
	inbound bool
	addr    peers.PeerAddress

	mu     sync.Mutex
	sent   []wire.Message
	closed string
	banned string
}

func newFakeConn(addr peers.PeerAddress, inbound bool) *fakeConn {
	return &fakeConn{
		id:      uuid.New().String(),
		inbound: inbound,
		addr:    addr,
	}
}

func (c *fakeConn) ID() string                     { return c.id }
func (c *fakeConn) Inbound() bool                  { return c.inbound }
func (c *fakeConn) PeerAddress() peers.PeerAddress { return c.addr }
func (c *fakeConn) BytesIn() uint64                { return 0 }
func (c *fakeConn) BytesOut() uint64               { return 0 }

func (c *fakeConn) Send(data []byte) error {
	msg, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == "" {
		c.closed = reason
	}
}

func (c *fakeConn) Ban(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banned = reason
	if c.closed == "" {
		c.closed = reason
	}
}

func (c *fakeConn) sentOfType(t wire.MessageType) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := []wire.Message{}
	for _, m := range c.sent {
		if m.Type() == t {
			res = append(res, m)
		}
	}
	return res
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// testLoop stands for the event loop of a Network.
type testLoop struct {
	tasks chan func()
	quit  chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	l := &testLoop{
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case fn := <-l.tasks:
				fn()
			case <-l.quit:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.quit) })
	return l
}

func (l *testLoop) post(fn func()) bool {
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

func (l *testLoop) run(fn func()) {
	done := make(chan struct{})
	l.post(func() {
		fn()
		close(done)
	})
	<-done
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := []Event{}
	for _, ev := range r.events {
		if ev.Type == t {
			res = append(res, ev)
		}
	}
	return res
}

var (
	testLocal  = peers.NewPeerAddress("10.0.0.1", 7000)
	testRemote = peers.NewPeerAddress("10.0.0.2", 7000)
)

type channelFixture struct {
	loop     *testLoop
	conn     *fakeConn
	ch       *Channel
	registry *peers.Registry
	events   *recorder
}

func newChannelFixture(t *testing.T, conn *fakeConn) *channelFixture {
	logger := common.NewTestEntry(t, common.TestLogLevel)
	f := &channelFixture{
		loop:     newTestLoop(t),
		conn:     conn,
		registry: peers.NewRegistry(testLocal, logger),
		events:   &recorder{},
	}
	f.ch = newChannel(conn, channelConfig{
		Local:    testLocal,
		Registry: f.registry,
		Timeouts: config.TimeoutsConfig{
			Ping:         100 * time.Millisecond,
			Handshake:    200 * time.Millisecond,
			DiscardGrace: 200 * time.Millisecond,
		},
		AskMoreInterval: 50 * time.Millisecond,
		Post:            f.loop.post,
		Emit:            f.events.emit,
		Logger:          logger,
	})
	return f
}

func (f *channelFixture) receive(msg wire.Message) {
	f.loop.run(func() { f.ch.onFrame(wire.Encode(msg)) })
}

// handshake completes the handshake, declaring the remote address.
func (f *channelFixture) handshake(declared peers.PeerAddress) {
	f.loop.run(f.ch.start)
	f.receive(&wire.Handshake{Address: declared})
}

func TestHandshakeSendsLocalAddress(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	f.loop.run(f.ch.start)

	sent := f.conn.sentOfType(wire.TypeHandshake)
	require.Len(t, sent, 1)
	assert.Equal(t, testLocal, sent[0].(*wire.Handshake).Address)
	assert.Equal(t, AwaitingHandshake, f.ch.State())
	assert.Empty(t, f.events.ofType(EventHandshakeSuccess))
}

func TestHandshakeCorrectsPort(t *testing.T) {
	observed := peers.NewPeerAddress("10.0.0.2", 51234)
	f := newChannelFixture(t, newFakeConn(observed, true))

	declared := peers.PeerAddress{IP: "10.0.0.2", Port: 7001, SSL: true}
	f.handshake(declared)

	assert.Equal(t, ChannelActive, f.ch.State())
	assert.Equal(t, peers.PeerAddress{IP: "10.0.0.2", Port: 7001, SSL: true}, f.ch.Address())

	success := f.events.ofType(EventHandshakeSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, f.ch, success[0].Channel)
	assert.False(t, success[0].Discard)

	// discovery starts right away
	assert.NotEmpty(t, f.conn.sentOfType(wire.TypeGiveMorePeers))
}

func (c *fakeConn) sentTypes() []wire.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := []wire.MessageType{}
	for _, m := range c.sent {
		res = append(res, m.Type())
	}
	return res
}

func TestHandshakeReceivedFirst(t *testing.T) {
	observed := peers.NewPeerAddress("10.0.0.2", 51234)
	declared := peers.PeerAddress{IP: "10.0.0.2", Port: 7001, SSL: true}

	sentFirst := newChannelFixture(t, newFakeConn(observed, true))
	sentFirst.handshake(declared)

	receivedFirst := newChannelFixture(t, newFakeConn(observed, true))
	receivedFirst.loop.run(func() {
		ch := receivedFirst.ch
		ch.handshaker = newHandshaker(ch)
		ch.register(ch.handshaker)

		ch.onFrame(wire.Encode(&wire.Handshake{Address: declared}))
		assert.Equal(t, AwaitingHandshake, ch.State())

		ch.handshaker.Handle()
	})

	for _, f := range []*channelFixture{sentFirst, receivedFirst} {
		assert.Equal(t, ChannelActive, f.ch.State())
		assert.Equal(t, declared, f.ch.Address())
		assert.Equal(t, declared, f.ch.Declared())

		sent := f.conn.sentOfType(wire.TypeHandshake)
		require.Len(t, sent, 1)
		assert.Equal(t, testLocal, sent[0].(*wire.Handshake).Address)

		types := f.conn.sentTypes()
		require.True(t, len(types) >= 2)
		assert.Equal(t, []wire.MessageType{wire.TypeHandshake, wire.TypeGiveMorePeers}, types[:2])

		success := f.events.ofType(EventHandshakeSuccess)
		require.Len(t, success, 1)
		assert.Equal(t, f.ch, success[0].Channel)
		assert.False(t, success[0].Discard)
		assert.Empty(t, f.events.ofType(EventHandshakeError))
		assert.Empty(t, f.conn.closeReason())
	}
}

func TestHandshakeDeclaredHostBypassesIPCheck(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	f.handshake(peers.PeerAddress{IP: "192.168.1.1", Host: "node.example", Port: 7002})

	assert.Equal(t, peers.PeerAddress{IP: "10.0.0.2", Host: "node.example", Port: 7002}, f.ch.Address())
}

func TestHandshakeIPMismatchKeepsObservedAddress(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	f.handshake(peers.NewPeerAddress("192.168.1.1", 7002))

	assert.Equal(t, ChannelActive, f.ch.State())
	assert.Equal(t, testRemote, f.ch.Address())
	assert.Empty(t, f.conn.closeReason())
}

func TestHandshakeInvalidDeclaration(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	f.handshake(peers.NewPeerAddress("10.0.0.2", 0))

	errs := f.events.ofType(EventHandshakeError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrInvalidHandshake)
	assert.NotEmpty(t, f.conn.closeReason())
	assert.Empty(t, f.events.ofType(EventHandshakeSuccess))
}

func TestHandshakeTimeout(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	f.loop.run(f.ch.start)

	assert.Eventually(t, func() bool {
		return f.conn.closeReason() == ErrHandshakeTimeout.Error()
	}, 2*time.Second, 10*time.Millisecond)

	errs := f.events.ofType(EventHandshakeError)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrHandshakeTimeout)
}

func TestMalformedMessageBans(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.loop.run(func() { f.ch.onFrame([]byte{0x42}) })

	assert.NotEmpty(t, f.conn.banned)
	status, _ := f.registry.Status(testRemote)
	assert.Equal(t, peers.Banned, status)

	// nothing is processed after the ban
	f.receive(&wire.Ping{Nonce: wire.StringVector{Value: "late"}})
	assert.Empty(t, f.conn.sentOfType(wire.TypePong))
}

func TestMalformedHandshakeFromInbound(t *testing.T) {
	observed := peers.NewPeerAddress("10.0.0.2", 51234)
	f := newChannelFixture(t, newFakeConn(observed, true))
	f.loop.run(f.ch.start)

	f.loop.run(func() { f.ch.onFrame([]byte{0x42}) })

	// the connection is dropped but the ephemeral address is not recorded
	assert.NotEmpty(t, f.conn.banned)
	assert.False(t, f.registry.Known(observed))
	assert.Equal(t, 0, f.registry.KnownCount())
}

func TestMessagesBumpActivity(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))

	now := time.Unix(1000, 0)
	f.registry.SetClock(func() time.Time { return now })

	f.handshake(testRemote)
	f.loop.run(func() {
		require.True(t, f.registry.ActiveTo(testRemote, f.ch, peers.Outbound))
	})

	now = now.Add(time.Minute)
	f.receive(&wire.GiveMorePeers{})

	rec, _ := f.registry.Record(testRemote)
	assert.Equal(t, now, rec.LastActivityAt)
	assert.Len(t, f.events.ofType(EventMessage), 2)
}

func TestPingPong(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.ch.Ping("testa")
	f.loop.run(func() {})

	pings := f.conn.sentOfType(wire.TypePing)
	require.Len(t, pings, 1)
	assert.Equal(t, "testa", pings[0].(*wire.Ping).NonceString())
	f.loop.run(func() { assert.Equal(t, 1, f.ch.liveness.Pending()) })

	f.receive(&wire.Pong{Nonce: wire.StringVector{Value: "testa"}})

	pongs := f.events.ofType(EventPong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "testa", pongs[0].Nonce)
	assert.True(t, pongs[0].RTT >= 0)
	f.loop.run(func() { assert.Equal(t, 0, f.ch.liveness.Pending()) })

	// a second pong for the same nonce is dropped
	f.receive(&wire.Pong{Nonce: wire.StringVector{Value: "testa"}})
	assert.Len(t, f.events.ofType(EventPong), 1)
}

func TestPingTimestampNonce(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.ch.Ping("")
	f.loop.run(func() {})

	pings := f.conn.sentOfType(wire.TypePing)
	require.Len(t, pings, 1)
	nonce, ok := pings[0].(*wire.Ping).Nonce.(wire.TimestampVector)
	require.True(t, ok)

	f.receive(&wire.Pong{Nonce: nonce})
	assert.Len(t, f.events.ofType(EventPong), 1)
}

func TestPingLost(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.ch.Ping("lost")

	assert.Eventually(t, func() bool {
		return len(f.events.ofType(EventPingLost)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "lost", f.events.ofType(EventPingLost)[0].Nonce)
	assert.Empty(t, f.conn.closeReason())

	// late pong
	f.receive(&wire.Pong{Nonce: wire.StringVector{Value: "lost"}})
	assert.Empty(t, f.events.ofType(EventPong))
}

func TestPingReusedNonce(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.ch.Ping("same")
	f.ch.Ping("same")
	f.loop.run(func() { assert.Equal(t, 1, f.ch.liveness.Pending()) })
}

func TestAnswersPing(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	f.receive(&wire.Ping{Nonce: wire.StringVector{Value: "hello"}})

	pongs := f.conn.sentOfType(wire.TypePong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "hello", pongs[0].(*wire.Pong).NonceString())

	pings := f.events.ofType(EventPing)
	require.Len(t, pings, 1)
	assert.Equal(t, "hello", pings[0].Nonce)
}

func TestDiscoveryAnswersFromRegistry(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	known := []peers.PeerAddress{
		peers.NewPeerAddress("10.0.0.3", 7000),
		peers.NewPeerAddress("10.0.0.4", 7000),
	}
	f.loop.run(func() { f.registry.Discovered(known) })

	f.receive(&wire.GiveMorePeers{})

	answers := f.conn.sentOfType(wire.TypeHereArePeers)
	require.Len(t, answers, 1)
	answer := answers[0].(*wire.HereArePeers)
	assert.Equal(t, known, answer.Peers)
	assert.Len(t, f.events.ofType(EventAskedForPeers), 1)

	// nothing new since the watermark: no answer, but still an event
	f.receive(&wire.GiveMorePeers{Since: answer.Timestamp})
	assert.Len(t, f.conn.sentOfType(wire.TypeHereArePeers), 1)
	assert.Len(t, f.events.ofType(EventAskedForPeers), 2)
}

func TestDiscoveryAdvancesWatermark(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)
	f.ch.PauseDiscovery()

	found := []peers.PeerAddress{peers.NewPeerAddress("10.0.0.5", 7000)}
	f.receive(&wire.HereArePeers{Timestamp: 12345, Peers: found})

	discovered := f.events.ofType(EventPeersDiscovered)
	require.Len(t, discovered, 1)
	assert.Equal(t, found, discovered[0].Peers)

	f.receive(&wire.HereArePeers{Timestamp: 23456})
	f.loop.run(func() { assert.Equal(t, int64(23456), f.ch.discovery.Since()) })

	f.ch.AskForMorePeers()
	f.loop.run(func() {})
	asks := f.conn.sentOfType(wire.TypeGiveMorePeers)
	assert.Equal(t, int64(23456), asks[len(asks)-1].(*wire.GiveMorePeers).Since)
}

func TestDiscoveryPause(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)

	assert.Eventually(t, func() bool {
		return len(f.conn.sentOfType(wire.TypeGiveMorePeers)) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	f.ch.PauseDiscovery()
	f.loop.run(func() {})
	count := len(f.conn.sentOfType(wire.TypeGiveMorePeers))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, count, len(f.conn.sentOfType(wire.TypeGiveMorePeers)))

	// requests from the remote are still answered
	f.loop.run(func() { f.registry.Discovered([]peers.PeerAddress{peers.NewPeerAddress("10.0.0.6", 7000)}) })
	f.receive(&wire.GiveMorePeers{})
	assert.Len(t, f.conn.sentOfType(wire.TypeHereArePeers), 1)

	f.ch.ResumeDiscovery()
	assert.Eventually(t, func() bool {
		return len(f.conn.sentOfType(wire.TypeGiveMorePeers)) > count
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDiscardGrace(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, true))

	f.loop.run(f.ch.awaitDiscoveryAndClose)
	f.handshake(testRemote)

	success := f.events.ofType(EventHandshakeSuccess)
	require.Len(t, success, 1)
	assert.True(t, success[0].Discard)
	f.loop.run(func() { assert.False(t, f.ch.discovery.Active()) })

	assert.Eventually(t, func() bool {
		return f.conn.closeReason() != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopClearsTimers(t *testing.T) {
	f := newChannelFixture(t, newFakeConn(testRemote, false))
	f.handshake(testRemote)
	f.ch.Ping("x")

	f.loop.run(func() {
		assert.True(t, f.ch.timers.Len() > 0)
		f.ch.stop()
		assert.Equal(t, 0, f.ch.timers.Len())
	})

	assert.Equal(t, ChannelClosed, f.ch.State())
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.events.ofType(EventPingLost))
}
