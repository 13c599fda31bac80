package net

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/peernet/src/peers"
)

const (
	// MaxFrameSize is the largest payload a frame may carry.
	MaxFrameSize = 1 << 20

	frameHeaderSize = 4
	sendQueueSize   = 128
	writeTimeout    = 10 * time.Second
)

var (
	// ErrConnClosed is returned by Send on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned by Send when the peer does not read fast
	// enough. The connection is closed.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Conn is one framed connection to a remote peer. Frames are a 4-byte
// big-endian length followed by the payload. Incoming frames, errors and the
// final close are reported as Events on the Transport's consumer channel.
//
// Send, Close and Ban never block on I/O: frames are queued for a writer
// goroutine, and Close lets the writer flush the queue before the socket is
// closed.
type Conn struct {
	id      string
	conn    net.Conn
	inbound bool
	addr    peers.PeerAddress
	trans   *Transport

	sendCh     chan []byte
	closeCh    chan struct{}
	writerDone chan struct{}

	mu         sync.Mutex
	closing    bool
	closedByUs bool
	banned     bool
	reason     string

	bytesIn  uint64
	bytesOut uint64
}

func newConn(trans *Transport, conn net.Conn, addr peers.PeerAddress, inbound bool) *Conn {
	return &Conn{
		id:         uuid.New().String(),
		conn:       conn,
		inbound:    inbound,
		addr:       addr,
		trans:      trans,
		sendCh:     make(chan []byte, sendQueueSize),
		closeCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID is a unique identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Inbound reports whether the remote peer opened the connection.
func (c *Conn) Inbound() bool {
	return c.inbound
}

// PeerAddress is the dialed address for outbound connections, and the
// observed remote ip:port for inbound ones.
func (c *Conn) PeerAddress() peers.PeerAddress {
	return c.addr
}

// RemoteAddr returns the socket's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// BytesIn is the number of bytes read so far, headers included.
func (c *Conn) BytesIn() uint64 {
	return atomic.LoadUint64(&c.bytesIn)
}

// BytesOut is the number of bytes written so far, headers included.
func (c *Conn) BytesOut() uint64 {
	return atomic.LoadUint64(&c.bytesOut)
}

// Banned reports whether the connection was closed with Ban.
func (c *Conn) Banned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.banned
}

// Send queues one frame.
func (c *Conn) Send(data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrConnClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.shutdownLocked("send queue full", true)
		return ErrSendQueueFull
	}
}

// Close flushes queued frames and closes the connection.
func (c *Conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked(reason, true)
}

// Ban closes the connection and flags it as banned.
func (c *Conn) Ban(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdownLocked(reason, true) {
		c.banned = true
	}
}

func (c *Conn) shutdown(reason string, byUs bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdownLocked(reason, byUs)
}

func (c *Conn) shutdownLocked(reason string, byUs bool) bool {
	if c.closing {
		return false
	}
	c.closing = true
	c.closedByUs = byUs
	c.reason = reason
	close(c.closeCh)
	return true
}

func (c *Conn) start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	w := bufio.NewWriter(c.conn)
	for {
		select {
		case data := <-c.sendCh:
			if err := c.writeFrame(w, data); err != nil {
				c.fail(err)
				return
			}
		case <-c.closeCh:
			// flush what was queued before the close
			for {
				select {
				case data := <-c.sendCh:
					if err := c.writeFrame(w, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) writeFrame(w *bufio.Writer, data []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	atomic.AddUint64(&c.bytesOut, uint64(frameHeaderSize+len(data)))
	return nil
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		data, err := c.readFrame(r)
		if err != nil {
			c.fail(err)
			break
		}
		c.trans.emit(Event{Type: EventMessage, Conn: c, Addr: c.addr, Data: data})
	}

	// wait for the writer to release the socket
	<-c.writerDone

	c.mu.Lock()
	ev := Event{
		Type:       EventClose,
		Conn:       c,
		Addr:       c.addr,
		ClosedByUs: c.closedByUs,
		Reason:     c.reason,
	}
	c.mu.Unlock()

	c.trans.forget(c)
	c.trans.emit(ev)
}

func (c *Conn) readFrame(r *bufio.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	atomic.AddUint64(&c.bytesIn, uint64(frameHeaderSize+int(size)))
	return data, nil
}

// fail records an I/O error. Errors caused by our own close are expected
// and not reported.
func (c *Conn) fail(err error) {
	reason := "closed by remote"
	if !errors.Is(err, io.EOF) {
		reason = err.Error()
	}
	if c.shutdown(reason, false) && !errors.Is(err, io.EOF) {
		c.trans.emit(Event{Type: EventError, Conn: c, Addr: c.addr, Err: err})
	}
	// unblock a reader waiting on a socket the writer has not closed yet
	c.conn.Close()
}
