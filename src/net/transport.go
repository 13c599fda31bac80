package net

import (
	"fmt"

	"github.com/mosaicnetworks/peernet/src/peers"
)

// EventType tells what happened to a connection.
type EventType int

const (
	// EventConnection is a new connection, inbound or outbound.
	EventConnection EventType = iota
	// EventDialError is an outbound connection that could not be opened.
	// Conn is nil and Err is set.
	EventDialError
	// EventMessage carries one frame in Data.
	EventMessage
	// EventClose is the last event of a connection.
	EventClose
	// EventError is a read or write error. It is followed by EventClose.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnection:
		return "Connection"
	case EventDialError:
		return "DialError"
	case EventMessage:
		return "Message"
	case EventClose:
		return "Close"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is what a Transport reports to its consumer. Events of a given
// connection are delivered in order, and EventClose is always the last one.
type Event struct {
	Type EventType
	Conn *Conn
	Addr peers.PeerAddress

	// EventMessage
	Data []byte

	// EventClose
	ClosedByUs bool
	Reason     string

	// EventDialError, EventError
	Err error
}
