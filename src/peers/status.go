package peers

// PeerStatus is the position of a known address in the connection lifecycle.
type PeerStatus uint32

const (
	// New is a freshly learned address that was never dialed.
	New PeerStatus = iota
	// Connecting means a dial is in flight.
	Connecting
	// Connected means a transport connection exists but the handshake is not
	// complete.
	Connected
	// Active means the handshake completed in both directions.
	Active
	// Failed means we could not complete a connection.
	Failed
	// Disconnected means the peer was connected, then dropped.
	Disconnected
	// Banned is terminal.
	Banned
)

func (s PeerStatus) String() string {
	switch s {
	case New:
		return "NEW"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Active:
		return "ACTIVE"
	case Failed:
		return "FAILED"
	case Disconnected:
		return "DISCONNECTED"
	case Banned:
		return "BANNED"
	default:
		return "UNDEFINED"
	}
}

// Available reports whether an address in this status may be dialed.
func (s PeerStatus) Available() bool {
	return s == New || s == Failed || s == Disconnected
}

// Live reports whether the status carries a channel.
func (s PeerStatus) Live() bool {
	return s == Connected || s == Active
}

// Direction tells who initiated a connection.
type Direction uint8

const (
	// DirectionUnknown ...
	DirectionUnknown Direction = iota
	// Inbound connections were accepted by us.
	Inbound
	// Outbound connections were dialed by us.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}
