package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mosaicnetworks/peernet/src/config"
	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/mosaicnetworks/peernet/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidHandshake is reported when the remote declares an address
	// that cannot be dialed.
	ErrInvalidHandshake = errors.New("invalid handshake")

	// ErrHandshakeTimeout is reported when the handshake did not complete in
	// time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// Conn is the transport connection a Channel runs on. It is implemented by
// *net.Conn.
type Conn interface {
	ID() string
	Inbound() bool
	PeerAddress() peers.PeerAddress
	Send(data []byte) error
	Close(reason string)
	Ban(reason string)
	BytesIn() uint64
	BytesOut() uint64
}

// channelConfig is what a Channel needs from its Network.
type channelConfig struct {
	Local           peers.PeerAddress
	Registry        *peers.Registry
	Timeouts        config.TimeoutsConfig
	AskMoreInterval time.Duration
	Post            poster
	Emit            func(Event)
	Metrics         *networkMetrics
	Logger          *logrus.Entry
}

/*
Channel runs the peer protocol over one connection. It starts with a
handshake; once both sides have sent and received one, the remote address is
corrected with the declared port, host and ssl flag, and the liveness and
discovery handlers are started.

Apart from the getters and Close, the methods of a Channel run on the event
loop of its Network. The exported ones that change protocol state (Ping,
AskForMorePeers, PauseDiscovery, ResumeDiscovery, Ban) only schedule the work
on the loop, so they can be called from anywhere, observers included.
*/
type Channel struct {
	conn   Conn
	conf   channelConfig
	logger *logrus.Entry
	timers *Timers

	mu       sync.RWMutex
	addr     peers.PeerAddress
	declared peers.PeerAddress
	state    ChannelState
	discard  bool
	closing  bool

	// loop only
	awaitingHandshake bool
	handshaker        *Handshaker
	liveness          *LivenessProber
	discovery         *DiscoveryAgent
	handlers          map[wire.MessageType]Handler
}

func newChannel(conn Conn, conf channelConfig) *Channel {
	ch := &Channel{
		conn:              conn,
		conf:              conf,
		timers:            NewTimers(conf.Post),
		addr:              conn.PeerAddress(),
		state:             AwaitingHandshake,
		awaitingHandshake: true,
		handlers:          make(map[wire.MessageType]Handler),
	}
	ch.logger = conf.Logger.WithFields(logrus.Fields{
		"channel": shortID(conn.ID()),
		"inbound": conn.Inbound(),
	})
	return ch
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID is the identifier of the underlying connection.
func (c *Channel) ID() string {
	return c.conn.ID()
}

// Address is the remote address. Before the handshake it is the dialed
// address of outbound channels and the observed ip:port of inbound ones.
func (c *Channel) Address() peers.PeerAddress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Declared is the address the remote announced in its handshake. It is
// zero until the handshake succeeds.
func (c *Channel) Declared() peers.PeerAddress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.declared
}

// Inbound reports whether the remote opened the connection.
func (c *Channel) Inbound() bool {
	return c.conn.Inbound()
}

// Direction of the channel.
func (c *Channel) Direction() peers.Direction {
	if c.conn.Inbound() {
		return peers.Inbound
	}
	return peers.Outbound
}

// State of the channel.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Discarding reports whether the channel is only kept to answer a
// discovery request.
func (c *Channel) Discarding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discard
}

// BytesIn and BytesOut are the live traffic counters of the connection.
func (c *Channel) BytesIn() uint64  { return c.conn.BytesIn() }
func (c *Channel) BytesOut() uint64 { return c.conn.BytesOut() }

func (c *Channel) String() string {
	return fmt.Sprintf("Channel{id=%s, peer=%s, inbound=%v}", shortID(c.ID()), c.Address(), c.Inbound())
}

// Close closes the connection. Queued messages are sent first.
func (c *Channel) Close(reason string) {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.conn.Close(reason)
}

// Ban bans the remote address and closes the connection.
func (c *Channel) Ban(reason string) {
	c.conf.Post(func() { c.ban(reason) })
}

// Ping sends a ping with the given nonce, or a timestamp when nonce is
// empty. It does nothing before the handshake.
func (c *Channel) Ping(nonce string) {
	c.conf.Post(func() {
		if c.liveness != nil && !c.isClosing() {
			c.liveness.Ping(nonce)
		}
	})
}

// AskForMorePeers sends a discovery request now.
func (c *Channel) AskForMorePeers() {
	c.conf.Post(func() {
		if c.discovery != nil && !c.isClosing() {
			c.discovery.AskForPeers()
		}
	})
}

// PauseDiscovery stops the periodic discovery requests. Requests from the
// remote are still answered.
func (c *Channel) PauseDiscovery() {
	c.conf.Post(func() {
		if c.discovery != nil {
			c.discovery.Pause()
		}
	})
}

// ResumeDiscovery restarts the periodic discovery requests.
func (c *Channel) ResumeDiscovery() {
	c.conf.Post(func() {
		if c.discovery != nil {
			c.discovery.Resume()
		}
	})
}

func (c *Channel) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing || c.state == ChannelClosed
}

// emit reports an event to the network. Closing channels stay silent.
func (c *Channel) emit(ev Event) {
	if c.isClosing() {
		return
	}
	ev.Channel = c
	if ev.Address == (peers.PeerAddress{}) {
		ev.Address = c.Address()
	}
	c.conf.Emit(ev)
}

func (c *Channel) register(h Handler) {
	for _, t := range h.Types() {
		c.handlers[t] = h
	}
}

func (c *Channel) send(msg wire.Message) {
	if c.isClosing() {
		return
	}
	if err := c.conn.Send(wire.Encode(msg)); err != nil {
		c.logger.WithError(err).WithField("type", msg.Type().String()).Debug("Send")
		return
	}
	c.conf.Metrics.recordMessage(c.conf.Local, "out", msg.Type())
}

func (c *Channel) start() {
	c.handshaker = newHandshaker(c)
	c.register(c.handshaker)

	c.timers.SetTimeout("handshake", c.conf.Timeouts.Handshake, func() {
		c.handshakeFailed(ErrHandshakeTimeout)
	})

	c.handshaker.Handle()
}

// awaitDiscoveryAndClose keeps the channel open only until the remote asks
// for peers, or until the discard grace period is over.
func (c *Channel) awaitDiscoveryAndClose() {
	c.mu.Lock()
	c.discard = true
	c.mu.Unlock()

	c.timers.SetTimeout("discard", c.conf.Timeouts.DiscardGrace, func() {
		c.logger.Debug("Discard grace period over")
		c.Close("peers limit")
	})
}

func (c *Channel) onFrame(data []byte) {
	if c.isClosing() {
		return
	}

	msg, err := wire.Decode(data)
	if err != nil {
		c.logger.WithError(err).Error("Failed to parse message")
		c.ban(err.Error())
		return
	}

	c.conf.Metrics.recordMessage(c.conf.Local, "in", msg.Type())

	// update activity timestamp of this peer
	c.conf.Registry.BumpActivity(c.Address())

	c.emit(Event{Type: EventMessage, Message: msg})

	if h, ok := c.handlers[msg.Type()]; ok && !c.isClosing() {
		h.OnMessage(msg)
	}
}

func (c *Channel) ban(reason string) {
	if c.isClosing() {
		return
	}
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	c.logger.WithField("reason", reason).Warn("Banning peer")
	// before the handshake an inbound address is an ephemeral port nobody
	// will ever dial
	if c.conn.Inbound() && c.State() == AwaitingHandshake {
		c.conn.Ban(reason)
		return
	}
	c.conf.Registry.Ban(c.Address())
	c.conn.Ban(reason)
}

func (c *Channel) handshakeDone(declared peers.PeerAddress) {
	if c.isClosing() {
		return
	}

	if !declared.IsValid() {
		c.handshakeFailed(fmt.Errorf("%w: declared %q", ErrInvalidHandshake, declared.String()))
		return
	}

	c.timers.Clear("handshake")

	observed := c.Address()
	addr := observed
	if observed.IPEquals(declared) || declared.Host != "" {
		// only the port, host and ssl flag may be updated, never the ip
		addr = observed.Corrected(declared)
	} else {
		c.logger.WithFields(logrus.Fields{
			"observed": observed.String(),
			"declared": declared.String(),
		}).Error("Handshake declared a different IP")
	}

	c.mu.Lock()
	c.addr = addr
	c.declared = declared
	c.state = ChannelActive
	discard := c.discard
	c.mu.Unlock()

	c.logger = c.logger.WithField("peer", addr.String())
	c.logger.Debug("Handshake success")

	c.liveness = newLivenessProber(c)
	c.register(c.liveness)
	c.discovery = newDiscoveryAgent(c)
	c.register(c.discovery)
	if discard {
		c.discovery.Pause()
	}

	c.emit(Event{Type: EventHandshakeSuccess, Discard: discard})

	// the network may have closed us as a duplicate or a banned peer
	if c.isClosing() {
		return
	}
	c.liveness.Handle()
	c.discovery.Handle()
}

func (c *Channel) handshakeFailed(err error) {
	if c.isClosing() {
		return
	}
	c.logger.WithError(err).Debug("Handshake error")
	c.emit(Event{Type: EventHandshakeError, Err: err})
	c.Close(err.Error())
}

// stop is called once the connection is closed.
func (c *Channel) stop() {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()

	c.timers.ClearAll()
}
