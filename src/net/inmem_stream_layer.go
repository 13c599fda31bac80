package net

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")

	errConnRefused = errors.New("connection refused")
)

var inmemRegistry = struct {
	sync.Mutex
	listeners map[string]*InmemStreamLayer
	nextPort  int
}{
	listeners: make(map[string]*InmemStreamLayer),
	nextPort:  40000,
}

// inmemAddr is a TCP-looking address for in-memory connections, so that
// callers can treat it like a real remote address.
type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }

type inmemConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *inmemConn) LocalAddr() net.Addr  { return c.local }
func (c *inmemConn) RemoteAddr() net.Addr { return c.remote }

// InmemStreamLayer implements the StreamLayer interface with in-process
// pipes, to allow networks to be tested without going over sockets.
type InmemStreamLayer struct {
	addr     string
	acceptCh chan net.Conn

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewInmemStreamLayer registers a listener on addr ("ip:port"). If the port
// is 0, a free one is picked.
func NewInmemStreamLayer(addr string) (*InmemStreamLayer, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	inmemRegistry.Lock()
	defer inmemRegistry.Unlock()

	if port == "0" {
		for {
			inmemRegistry.nextPort++
			addr = net.JoinHostPort(host, strconv.Itoa(inmemRegistry.nextPort))
			if _, ok := inmemRegistry.listeners[addr]; !ok {
				break
			}
		}
	}

	if _, ok := inmemRegistry.listeners[addr]; ok {
		return nil, fmt.Errorf("listen on %s: address already in use", addr)
	}

	l := &InmemStreamLayer{
		addr:     addr,
		acceptCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
	inmemRegistry.listeners[addr] = l
	return l, nil
}

func ephemeralAddr(host string) net.Addr {
	inmemRegistry.Lock()
	defer inmemRegistry.Unlock()
	inmemRegistry.nextPort++
	return inmemAddr(net.JoinHostPort(host, strconv.Itoa(inmemRegistry.nextPort)))
}

// Dial implements the StreamLayer interface.
func (i *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	inmemRegistry.Lock()
	target, ok := inmemRegistry.listeners[address]
	inmemRegistry.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: %w", address, errConnRefused)
	}

	host, _, _ := net.SplitHostPort(i.addr)
	local := ephemeralAddr(host)

	client, server := net.Pipe()
	clientConn := &inmemConn{Conn: client, local: local, remote: inmemAddr(address)}
	serverConn := &inmemConn{Conn: server, local: inmemAddr(address), remote: local}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case target.acceptCh <- serverConn:
		return clientConn, nil
	case <-target.closeCh:
		return nil, fmt.Errorf("dial %s: %w", address, errConnRefused)
	case <-timeoutCh:
		return nil, fmt.Errorf("dial %s: i/o timeout", address)
	}
}

// Accept implements the net.Listener interface.
func (i *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case c := <-i.acceptCh:
		return c, nil
	case <-i.closeCh:
		return nil, ErrListenerClosed
	}
}

// Close implements the net.Listener interface.
func (i *InmemStreamLayer) Close() error {
	i.closeOnce.Do(func() {
		inmemRegistry.Lock()
		delete(inmemRegistry.listeners, i.addr)
		inmemRegistry.Unlock()
		close(i.closeCh)
	})
	return nil
}

// Addr implements the net.Listener interface.
func (i *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(i.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (i *InmemStreamLayer) AdvertiseAddr() string {
	return i.addr
}
