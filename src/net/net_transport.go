package net

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/sirupsen/logrus"
)

const (
	consumerBufferSize = 256
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
Transport accepts and opens framed connections over a StreamLayer, which can
be simple TCP, TLS, or in-memory pipes.

Everything that happens on the connections (new connections, failed dials,
incoming frames, errors and closes) is reported as an Event on the channel
returned by Consumer. Outgoing connections to addresses with the SSL flag set
are upgraded to TLS after the stream is dialed.
*/
type Transport struct {
	logger *logrus.Entry

	stream         StreamLayer
	connectTimeout time.Duration
	tlsClient      *tls.Config

	consumeCh chan Event

	// keys of the addresses currently being dialed
	dialing mapset.Set[string]

	connsLock sync.Mutex
	conns     map[string]*Conn

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewTransport creates a new transport over stream. connectTimeout bounds
// every outgoing dial, TLS handshake included.
func NewTransport(
	stream StreamLayer,
	connectTimeout time.Duration,
	logger *logrus.Entry,
) *Transport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Transport{
		logger:         logger,
		stream:         stream,
		connectTimeout: connectTimeout,
		tlsClient:      &tls.Config{},
		consumeCh:      make(chan Event, consumerBufferSize),
		dialing:        mapset.NewSet[string](),
		conns:          make(map[string]*Conn),
		shutdownCh:     make(chan struct{}),
	}
}

// SetTLSClientConfig sets the config used to dial SSL addresses.
func (n *Transport) SetTLSClientConfig(config *tls.Config) {
	n.tlsClient = config
}

// Consumer returns the channel of connection events.
func (n *Transport) Consumer() <-chan Event {
	return n.consumeCh
}

// LocalAddr returns the address the stream is bound to.
func (n *Transport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr returns the address where other peers can reach us.
func (n *Transport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *Transport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops listening and closes every open connection.
func (n *Transport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.shutdown {
		return nil
	}

	n.connsLock.Lock()
	close(n.shutdownCh)
	conns := make([]*Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.connsLock.Unlock()

	for _, c := range conns {
		c.Close("transport shutdown")
	}

	n.shutdown = true
	return n.stream.Close()
}

// Connect dials addr in the background. The outcome is reported as an
// EventConnection or EventDialError. It returns false, and does nothing, if
// addr is already being dialed or the transport is shut down.
func (n *Transport) Connect(addr peers.PeerAddress) bool {
	if n.IsShutdown() {
		return false
	}
	if !n.dialing.Add(addr.Key()) {
		return false
	}

	go func() {
		conn, err := n.dial(addr)
		n.dialing.Remove(addr.Key())
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":  addr.String(),
				"error": err,
			}).Debug("Dial failed")
			n.emit(Event{Type: EventDialError, Addr: addr, Err: err})
			return
		}

		n.handleConn(conn, addr, false)
	}()

	return true
}

func (n *Transport) dial(addr peers.PeerAddress) (net.Conn, error) {
	deadline := time.Now().Add(n.connectTimeout)

	conn, err := n.stream.Dial(addr.DialAddr(), n.connectTimeout)
	if err != nil {
		return nil, err
	}

	if !addr.SSL {
		return conn, nil
	}

	config := n.tlsClient.Clone()
	if config.ServerName == "" && !config.InsecureSkipVerify {
		if addr.Host != "" {
			config.ServerName = addr.Host
		} else {
			config.ServerName = addr.IP
		}
	}

	tlsConn := tls.Client(conn, config)
	tlsConn.SetDeadline(deadline)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// Listen accepts incoming connections until the transport is closed.
func (n *Transport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		addr, err := remotePeerAddress(conn.RemoteAddr())
		if err != nil {
			n.logger.WithField("error", err).Error("Unusable remote address")
			conn.Close()
			continue
		}

		n.handleConn(conn, addr, true)
	}
}

func remotePeerAddress(addr net.Addr) (peers.PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return peers.PeerAddress{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return peers.PeerAddress{}, err
	}
	return peers.NewPeerAddress(host, uint16(port)), nil
}

// handleConn wraps an open socket and reports it to the consumer.
func (n *Transport) handleConn(conn net.Conn, addr peers.PeerAddress, inbound bool) {
	c := newConn(n, conn, addr, inbound)

	n.connsLock.Lock()
	if n.IsShutdown() {
		n.connsLock.Unlock()
		conn.Close()
		return
	}
	n.conns[c.id] = c
	n.connsLock.Unlock()

	// The Connection event must reach the consumer before any message of
	// the connection.
	n.emit(Event{Type: EventConnection, Conn: c, Addr: addr})
	c.start()
}

func (n *Transport) forget(c *Conn) {
	n.connsLock.Lock()
	delete(n.conns, c.id)
	n.connsLock.Unlock()
}

func (n *Transport) emit(ev Event) {
	select {
	case n.consumeCh <- ev:
	case <-n.shutdownCh:
	}
}
