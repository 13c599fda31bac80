package node

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/mosaicnetworks/peernet/src/wire"
)

// EventType identifies what an Event reports.
type EventType int

const (
	// EventNewChannel is fired when a connection is wrapped in a Channel.
	EventNewChannel EventType = iota
	// EventHandshakeSuccess is fired when both handshakes went through.
	EventHandshakeSuccess
	// EventHandshakeError is fired on an invalid handshake or a timeout.
	EventHandshakeError
	// EventMessage is fired for every decoded message.
	EventMessage
	// EventAskedForPeers is fired when the remote asked us for peers.
	EventAskedForPeers
	// EventPeersDiscovered is fired when the remote sent us peers.
	EventPeersDiscovered
	// EventClosed is fired when a channel is gone.
	EventClosed
	// EventPeerStatus is fired on every registry status change.
	EventPeerStatus
	// EventPing is fired when the remote pinged us.
	EventPing
	// EventPong is fired when one of our pings was answered.
	EventPong
	// EventPingLost is fired when one of our pings timed out.
	EventPingLost
)

func (t EventType) String() string {
	switch t {
	case EventNewChannel:
		return "newChannel"
	case EventHandshakeSuccess:
		return "handshake:success"
	case EventHandshakeError:
		return "handshake:error"
	case EventMessage:
		return "message"
	case EventAskedForPeers:
		return "askedforpeers"
	case EventPeersDiscovered:
		return "peersdiscovered"
	case EventClosed:
		return "closed"
	case EventPeerStatus:
		return "peer:status"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventPingLost:
		return "ping:lost"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is what a Network reports to its observers. Only the fields that
// make sense for the Type are set.
type Event struct {
	Type    EventType
	Channel *Channel
	Address peers.PeerAddress

	// EventMessage
	Message wire.Message

	// EventPeersDiscovered
	Peers []peers.PeerAddress

	// EventPeerStatus
	Status peers.PeerStatus

	// EventPing, EventPong, EventPingLost
	Nonce string
	RTT   time.Duration

	// EventClosed
	ClosedByUs bool
	Reason     string

	// EventHandshakeError
	Err error

	// EventHandshakeSuccess: the channel is only kept to answer one
	// discovery request and will not become active.
	Discard bool
}

// Observer receives the events of a Network. Observers run on the event
// loop: they must not block, and must not call the blocking methods of the
// Network (Connect, Stats, Peers, Channels...). The registry returned by
// Network.Registry may be read from an Observer.
type Observer func(Event)
