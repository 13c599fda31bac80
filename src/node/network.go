package node

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mosaicnetworks/peernet/src/config"
	"github.com/mosaicnetworks/peernet/src/net"
	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	tasksBufferSize  = 1024
	connectMoreTimer = "connectMore"
)

// ErrAlreadyStarted is returned by Start on a Network that is running or
// shut down.
var ErrAlreadyStarted = errors.New("network already started")

/*
Network owns the listening transport, the peer registry and the channels of a
node. It periodically closes the peers that went silent and, while it is under
its peers limit, dials the known addresses that are available.

Everything a Network does happens on a single event loop goroutine: transport
events, timers and the work of the exported methods are serialized through
it, so the registry and the channels need no locking.
*/
type Network struct {
	// Initial, Running, or Shutdown
	state

	conf   *config.Config
	logger *logrus.Entry

	trans    *net.Transport
	registry *peers.Registry
	local    peers.PeerAddress

	// loop only
	channels         map[string]*Channel
	dialing          map[string]peers.PeerAddress
	awaiting         int
	awaitingOutbound int
	bytesIn          uint64
	bytesOut         uint64
	timers           *Timers
	selector         DialSelector

	metrics *networkMetrics

	observersLock sync.RWMutex
	observers     []Observer

	tasks        chan func()
	shutdownCh   chan struct{}
	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// NewNetwork creates a Network from conf. Zero fields of conf take their
// default values. Nothing is bound before Start.
func NewNetwork(conf *config.Config) *Network {
	conf = config.WithDefaults(conf)
	logger := conf.Logger()

	n := &Network{
		conf:       conf,
		logger:     logger,
		channels:   make(map[string]*Channel),
		dialing:    make(map[string]peers.PeerAddress),
		selector:   NewRandomDialSelector(),
		metrics:    newNetworkMetrics(),
		tasks:      make(chan func(), tasksBufferSize),
		shutdownCh: make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	n.timers = NewTimers(n.post)
	n.registry = peers.NewRegistry(peers.PeerAddress{}, logger.WithField("component", "registry"))
	n.registry.OnStatus = func(rec peers.PeerRecord) {
		n.notify(Event{
			Type:    EventPeerStatus,
			Address: rec.Address,
			Status:  rec.Status,
		})
	}

	return n
}

// SetDialSelector replaces the order in which available addresses are
// dialed. It must be called before Start.
func (n *Network) SetDialSelector(s DialSelector) {
	n.selector = s
}

// Observe registers an Observer. See Observer for what it may do.
func (n *Network) Observe(o Observer) {
	n.observersLock.Lock()
	defer n.observersLock.Unlock()
	n.observers = append(n.observers, o)
}

func (n *Network) notify(ev Event) {
	n.observersLock.RLock()
	observers := n.observers
	n.observersLock.RUnlock()

	for _, o := range observers {
		o(ev)
	}
}

// Start binds the listener, starts the event loop and dials the bootstrap
// addresses.
func (n *Network) Start() error {
	if !n.casState(Initial, Running) {
		return ErrAlreadyStarted
	}

	stream, ssl, err := n.newStreamLayer()
	if err != nil {
		n.setState(Initial)
		return err
	}

	local, err := peers.ParsePeerAddress(stream.AdvertiseAddr())
	if err != nil {
		stream.Close()
		n.setState(Initial)
		return fmt.Errorf("local address: %w", err)
	}
	if n.conf.Peer.Host != "" {
		local.Host = n.conf.Peer.Host
	}
	local.SSL = ssl

	n.local = local
	n.registry.SetLocalAddress(local)
	n.logger = n.logger.WithField("local", local.String())

	n.trans = net.NewTransport(stream, n.conf.Timeouts.Connect, n.logger.WithField("component", "transport"))
	n.trans.SetTLSClientConfig(&tls.Config{
		InsecureSkipVerify: n.conf.SSL.SkipVerify,
	})

	n.logger.WithFields(logrus.Fields{
		"bind":           n.trans.LocalAddr(),
		"peers":          n.conf.Limits.Peers,
		"inbound_peers":  n.conf.Limits.InboundPeers,
		"outbound_peers": n.conf.Limits.OutboundPeers,
	}).Info("Starting network")

	n.goFunc(n.trans.Listen)
	n.goFunc(n.loop)

	n.post(n.bootstrap)

	return nil
}

func (n *Network) newStreamLayer() (net.StreamLayer, bool, error) {
	if n.conf.Stream != nil {
		return n.conf.Stream, false, nil
	}

	tcp, err := net.NewTCPStreamLayer(
		n.conf.Peer.IP,
		n.conf.Peer.Port,
		n.conf.Peer.MaxPort,
		n.conf.Peer.PortIncrementation(),
		"",
	)
	if err != nil {
		return nil, false, err
	}

	if !n.conf.SSL.Enabled() {
		return tcp, false, nil
	}

	tlsConf, err := net.NewTLSServerConfig(n.conf.CertFile(), n.conf.KeyFile())
	if err != nil {
		tcp.Close()
		return nil, false, err
	}

	return net.NewTLSStreamLayer(tcp, tlsConf), true, nil
}

// Shutdown closes every channel and the listener, and waits for the
// goroutines of the Network to return.
func (n *Network) Shutdown() {
	n.shutdownOnce.Do(func() {
		if !n.casState(Running, Shutdown) {
			n.setState(Shutdown)
			return
		}

		n.logger.Info("Shutting down network")

		close(n.shutdownCh)
		<-n.loopDone

		n.trans.Close()
		n.waitRoutines()
	})
}

// post schedules fn on the event loop. It returns false once the Network is
// shut down.
func (n *Network) post(fn func()) bool {
	select {
	case <-n.shutdownCh:
		return false
	default:
	}

	select {
	case n.tasks <- fn:
		return true
	case <-n.shutdownCh:
		return false
	}
}

// exec runs fn on the event loop and waits for it. Before Start, fn runs on
// the calling goroutine. It must not be called from the loop itself.
func (n *Network) exec(fn func()) bool {
	if n.getState() == Initial {
		fn()
		return true
	}

	done := make(chan struct{})
	if !n.post(func() {
		fn()
		close(done)
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-n.loopDone:
		return false
	}
}

func (n *Network) loop() {
	defer close(n.loopDone)

	events := n.trans.Consumer()
	for {
		select {
		case ev := <-events:
			n.onTransportEvent(ev)
		case fn := <-n.tasks:
			fn()
		case <-n.shutdownCh:
			n.onShutdown()
			return
		}
	}
}

func (n *Network) onShutdown() {
	n.timers.ClearAll()
	n.savePeers()

	for id, ch := range n.channels {
		ch.Close("shutdown")
		n.closed(id, true, "shutdown")
	}

	n.logStats()
}

/*******************************************************************************
Orchestration
*******************************************************************************/

func (n *Network) bootstrap() {
	addrs := []peers.PeerAddress{}

	for _, s := range n.conf.Bootstrap {
		addr, err := peers.ParsePeerAddress(s)
		if err != nil {
			n.logger.WithError(err).WithField("address", s).Warn("Ignoring bootstrap address")
			continue
		}
		addrs = append(addrs, addr)
	}

	jsonPeers := n.jsonPeers()
	fromFile, err := jsonPeers.Peers()
	if err != nil {
		n.logger.WithError(err).WithField("file", jsonPeers.Path()).Warn("Ignoring peers file")
	}
	addrs = append(addrs, fromFile...)

	added := n.registry.Discovered(addrs)
	n.logger.WithField("count", len(added)).Debug("Bootstrap addresses")

	n.timers.SetInterval(connectMoreTimer, n.conf.Discovery.ConnectMoreInterval, n.connectMore)
	n.connectMore()
}

func (n *Network) jsonPeers() *peers.JSONPeers {
	return peers.NewJSONPeers(n.conf.DataDir, n.logger.WithField("component", "peers-file"))
}

// savePeers adds the ACTIVE peers to the peers file so that the next start
// can rejoin the network through them.
func (n *Network) savePeers() {
	addrs := []peers.PeerAddress{}
	for _, rec := range n.registry.Snapshot() {
		if rec.Status == peers.Active {
			addrs = append(addrs, rec.Address)
		}
	}
	if len(addrs) == 0 {
		return
	}

	jsonPeers := n.jsonPeers()
	known, err := jsonPeers.Peers()
	if err != nil {
		n.logger.WithError(err).WithField("file", jsonPeers.Path()).Warn("Not saving peers")
		return
	}
	for _, a := range known {
		if index, _ := peers.ExcludeAddress(addrs, a); index < 0 {
			addrs = append(addrs, a)
		}
	}
	sort.Sort(peers.ByKey(addrs))

	if err := jsonPeers.SetPeers(addrs); err != nil {
		n.logger.WithError(err).WithField("file", jsonPeers.Path()).Warn("Failed to save peers")
		return
	}
	n.logger.WithField("count", len(addrs)).Debug("Saved peers")
}

// connectMore is the periodic cycle: close the peers that went silent, then
// dial available addresses while under the peers limit.
func (n *Network) connectMore() {
	minActivity := time.Now().Add(-n.conf.Timeouts.WaitingForActivity)
	for _, addr := range n.registry.FallingPeers(minActivity) {
		n.logger.WithField("peer", addr.String()).Debug("Closing silent peer")
		n.registry.Close(addr, "inactivity")
	}

	n.metrics.setPeers(n.local, n.registry.Snapshot())

	if n.registry.ActiveCount() >= n.conf.Limits.Peers {
		return
	}

	for _, addr := range n.selector.Select(n.registry.AvailableAddresses()) {
		n.connect(addr)
	}
}

func (n *Network) connectionsCount() int {
	return n.registry.ActiveCount() + n.awaiting
}

// connect dials addr if the limits allow it. Dials in flight count against
// the limits like connections awaiting their handshake.
func (n *Network) connect(addr peers.PeerAddress) bool {
	if _, ok := n.dialing[addr.Key()]; ok {
		return false
	}

	outbound := n.registry.ActiveOutboundCount() + n.awaitingOutbound + len(n.dialing)
	if outbound >= n.conf.Limits.OutboundPeers {
		n.logger.WithField("peer", addr.String()).Debug("Outbound peers limit reached")
		return false
	}

	if n.connectionsCount()+len(n.dialing) >= n.conf.Limits.Peers {
		n.logger.WithField("peer", addr.String()).Debug("Peers limit reached")
		return false
	}

	if !n.registry.ConnectingTo(addr) {
		return false
	}

	if !n.trans.Connect(addr) {
		n.registry.FailedToCommunicateWith(addr)
		return false
	}

	n.dialing[addr.Key()] = addr
	n.selector.UpdateLast(addr)

	return true
}

func (n *Network) onTransportEvent(ev net.Event) {
	switch ev.Type {
	case net.EventConnection:
		n.onConnection(ev.Conn)
	case net.EventDialError:
		n.onDialError(ev.Addr, ev.Err)
	case net.EventMessage:
		if ch, ok := n.channels[ev.Conn.ID()]; ok {
			ch.onFrame(ev.Data)
		}
	case net.EventError:
		n.logger.WithError(ev.Err).WithField("peer", ev.Conn.PeerAddress().String()).Debug("Connection error")
	case net.EventClose:
		n.closed(ev.Conn.ID(), ev.ClosedByUs, ev.Reason)
	}
}

func (n *Network) onDialError(addr peers.PeerAddress, err error) {
	delete(n.dialing, addr.Key())

	// an inbound connection from the same peer may have won meanwhile
	if status, _ := n.registry.Status(addr); status == peers.Connecting {
		n.registry.FailedToCommunicateWith(addr)
	}
}

func (n *Network) channelConfig() channelConfig {
	return channelConfig{
		Local:           n.local,
		Registry:        n.registry,
		Timeouts:        n.conf.Timeouts,
		AskMoreInterval: n.conf.Discovery.AskMoreInterval,
		Post:            n.post,
		Emit:            n.onChannelEvent,
		Metrics:         n.metrics,
		Logger:          n.logger,
	}
}

func (n *Network) onConnection(conn Conn) {
	addr := conn.PeerAddress()

	ch := newChannel(conn, n.channelConfig())
	n.channels[conn.ID()] = ch
	n.awaiting++

	if conn.Inbound() {
		awaitingInbound := n.awaiting - n.awaitingOutbound
		if n.connectionsCount() > n.conf.Limits.Peers ||
			n.registry.ActiveInboundCount()+awaitingInbound > n.conf.Limits.InboundPeers {
			ch.logger.Debug("Peers limit reached, discarding after discovery")
			ch.awaitDiscoveryAndClose()
		}
	} else {
		delete(n.dialing, addr.Key())
		n.awaitingOutbound++
		n.registry.ConnectedTo(addr, ch)
	}

	n.notify(Event{Type: EventNewChannel, Channel: ch, Address: addr})

	ch.start()
}

func (n *Network) onChannelEvent(ev Event) {
	ch := ev.Channel

	switch ev.Type {
	case EventHandshakeSuccess:
		if !n.onHandshakeSuccess(ch, ev.Discard) {
			return
		}
	case EventHandshakeError:
		n.metrics.recordHandshake(n.local, "error")
	case EventPeersDiscovered:
		n.registry.Discovered(ev.Peers)
	}

	n.notify(ev)

	if ev.Type == EventAskedForPeers && ch.Discarding() {
		ch.Close("peers limit")
	}
}

func (n *Network) handshakeOver(ch *Channel) {
	if !ch.awaitingHandshake {
		return
	}
	ch.awaitingHandshake = false
	n.awaiting--
	if !ch.Inbound() {
		n.awaitingOutbound--
	}
}

// onHandshakeSuccess promotes the channel to ACTIVE. It returns false if the
// channel was closed instead.
func (n *Network) onHandshakeSuccess(ch *Channel, discard bool) bool {
	n.handshakeOver(ch)
	n.metrics.recordHandshake(n.local, "success")

	addr := ch.Address()

	if ch.Declared().Equal(n.local) {
		dialed := ch.conn.PeerAddress()
		n.logger.WithField("peer", dialed.String()).Warn("Connected to self")
		if !ch.Inbound() {
			// the dialed address is an alias of ours, never dial it again
			n.registry.Ban(dialed)
		}
		ch.Close("self connection")
		return false
	}

	if discard {
		n.registry.Discovered([]peers.PeerAddress{addr})
		return true
	}

	if !ch.Inbound() {
		dialed := ch.conn.PeerAddress()
		if !dialed.Equal(addr) {
			n.registry.Rekey(dialed, addr)
		}
	}

	if status, _ := n.registry.Status(addr); status == peers.Banned {
		ch.Close("banned")
		return false
	}

	if !n.claim(ch, addr) {
		return false
	}

	if !n.registry.ActiveTo(addr, ch, ch.Direction()) {
		ch.Close("refused")
		return false
	}

	return true
}

// dialerKey is the address key of the node that opened the connection.
func (n *Network) dialerKey(ch *Channel) string {
	if ch.Inbound() {
		return ch.Address().Key()
	}
	return n.local.Key()
}

// claim resolves two channels to the same peer. Both ends keep the
// connection opened by the node with the smaller address key. It returns
// false if ch lost and was closed.
func (n *Network) claim(ch *Channel, addr peers.PeerAddress) bool {
	existing, ok := n.registry.ChannelOf(addr).(*Channel)
	if !ok || existing == ch {
		return true
	}

	if n.dialerKey(ch) < n.dialerKey(existing) {
		n.logger.WithField("peer", addr.String()).Debug("Replacing duplicate connection")
		n.registry.DisconnectedFrom(addr)
		existing.Close("duplicate connection")
		return true
	}

	n.logger.WithField("peer", addr.String()).Debug("Dropping duplicate connection")
	ch.Close("duplicate connection")
	return false
}

// closed forgets the channel of a closed connection.
func (n *Network) closed(id string, byUs bool, reason string) {
	ch, ok := n.channels[id]
	if !ok {
		return
	}
	delete(n.channels, id)

	awaiting := ch.awaitingHandshake
	n.handshakeOver(ch)
	ch.stop()

	in, out := ch.BytesIn(), ch.BytesOut()
	n.bytesIn += in
	n.bytesOut += out
	n.metrics.addBytes(n.local, in, out)

	addr := ch.Address()
	if n.registry.ChannelOf(addr) == ch {
		if awaiting && !ch.Inbound() {
			n.registry.FailedToCommunicateWith(addr)
		} else {
			n.registry.DisconnectedFrom(addr)
		}
	}

	ch.logger.WithFields(logrus.Fields{
		"by_us":  byUs,
		"reason": reason,
	}).Debug("Channel closed")

	n.notify(Event{
		Type:       EventClosed,
		Channel:    ch,
		Address:    addr,
		ClosedByUs: byUs,
		Reason:     reason,
	})
}

/*******************************************************************************
Accessors
*******************************************************************************/

// Connect dials addr if the limits allow it. It returns false if the dial
// was not started.
func (n *Network) Connect(addr peers.PeerAddress) bool {
	if n.getState() != Running {
		return false
	}
	res := false
	n.exec(func() { res = n.connect(addr) })
	return res
}

// LocalAddress is the address declared in handshakes. It is only known
// after Start.
func (n *Network) LocalAddress() peers.PeerAddress {
	var res peers.PeerAddress
	n.exec(func() { res = n.local })
	return res
}

// Registry returns the peer registry. It may only be used from the event
// loop, that is from an Observer.
func (n *Network) Registry() *peers.Registry {
	return n.registry
}

// Channels returns the open channels.
func (n *Network) Channels() []*Channel {
	res := []*Channel{}
	n.exec(func() {
		for _, ch := range n.channels {
			res = append(res, ch)
		}
	})
	return res
}

// Peers returns a copy of the registry records, sorted by address.
func (n *Network) Peers() []peers.PeerRecord {
	var res []peers.PeerRecord
	n.exec(func() { res = n.registry.Snapshot() })
	return res
}

// ActiveCount returns the number of ACTIVE peers.
func (n *Network) ActiveCount() int {
	res := 0
	n.exec(func() { res = n.registry.ActiveCount() })
	return res
}

// ActiveInboundCount returns the number of ACTIVE inbound peers.
func (n *Network) ActiveInboundCount() int {
	res := 0
	n.exec(func() { res = n.registry.ActiveInboundCount() })
	return res
}

// ActiveOutboundCount returns the number of ACTIVE outbound peers.
func (n *Network) ActiveOutboundCount() int {
	res := 0
	n.exec(func() { res = n.registry.ActiveOutboundCount() })
	return res
}

// AwaitingHandshakeCount returns the number of channels still handshaking.
func (n *Network) AwaitingHandshakeCount() int {
	res := 0
	n.exec(func() { res = n.awaiting })
	return res
}

// Stats returns information about the Network.
func (n *Network) Stats() map[string]string {
	var s map[string]string
	n.exec(func() { s = n.stats() })
	return s
}

func (n *Network) stats() map[string]string {
	bytesIn, bytesOut := n.bytesIn, n.bytesOut
	for _, ch := range n.channels {
		bytesIn += ch.BytesIn()
		bytesOut += ch.BytesOut()
	}

	return map[string]string{
		"local_addr":         n.local.String(),
		"state":              n.getState().String(),
		"known_peers":        strconv.Itoa(n.registry.KnownCount()),
		"active_peers":       strconv.Itoa(n.registry.ActiveCount()),
		"active_inbound":     strconv.Itoa(n.registry.ActiveInboundCount()),
		"active_outbound":    strconv.Itoa(n.registry.ActiveOutboundCount()),
		"awaiting_handshake": strconv.Itoa(n.awaiting),
		"dialing":            strconv.Itoa(len(n.dialing)),
		"channels":           strconv.Itoa(len(n.channels)),
		"bytes_in":           strconv.FormatUint(bytesIn, 10),
		"bytes_out":          strconv.FormatUint(bytesOut, 10),
	}
}

func (n *Network) logStats() {
	stats := n.stats()

	n.logger.WithFields(logrus.Fields{
		"known_peers":  stats["known_peers"],
		"active_peers": stats["active_peers"],
		"bytes_in":     stats["bytes_in"],
		"bytes_out":    stats["bytes_out"],
	}).Info("Stats")
}
