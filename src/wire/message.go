package wire

import (
	"fmt"

	"github.com/mosaicnetworks/peernet/src/peers"
)

// MessageType is the first byte of every encoded message.
type MessageType byte

const (
	// TypeHandshake ...
	TypeHandshake MessageType = 0
	// TypePing ...
	TypePing MessageType = 1
	// TypePong ...
	TypePong MessageType = 2
	// TypeGiveMorePeers ...
	TypeGiveMorePeers MessageType = 3
	// TypeHereArePeers ...
	TypeHereArePeers MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeGiveMorePeers:
		return "GiveMorePeers"
	case TypeHereArePeers:
		return "HereArePeers"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Message is a typed, ordered sequence of vectors.
type Message interface {
	Type() MessageType
	Vectors() []Vector
}

// Handshake announces the address the sender is listening on.
type Handshake struct {
	Address peers.PeerAddress
}

// Type implements Message
func (m *Handshake) Type() MessageType { return TypeHandshake }

// Vectors implements Message
func (m *Handshake) Vectors() []Vector {
	return []Vector{AddressVector{Address: m.Address}}
}

// Ping carries an opaque nonce, either a TimestampVector or a StringVector.
type Ping struct {
	Nonce Vector
}

// NewPing returns a Ping with a string nonce, or with a timestamp nonce taken
// from now when nonce is empty.
func NewPing(nonce string, now int64) *Ping {
	if nonce == "" {
		return &Ping{Nonce: TimestampVector{Value: uint64(now)}}
	}
	return &Ping{Nonce: StringVector{Value: nonce}}
}

// Type implements Message
func (m *Ping) Type() MessageType { return TypePing }

// Vectors implements Message
func (m *Ping) Vectors() []Vector { return []Vector{m.Nonce} }

// NonceString returns a printable form of the nonce.
func (m *Ping) NonceString() string { return nonceString(m.Nonce) }

// Pong echoes the nonce vector of a Ping.
type Pong struct {
	Nonce Vector
}

// Type implements Message
func (m *Pong) Type() MessageType { return TypePong }

// Vectors implements Message
func (m *Pong) Vectors() []Vector { return []Vector{m.Nonce} }

// NonceString returns a printable form of the nonce.
func (m *Pong) NonceString() string { return nonceString(m.Nonce) }

// GiveMorePeers asks for the addresses discovered after Since. A zero Since
// means from the beginning and is sent without a vector.
type GiveMorePeers struct {
	Since int64
}

// Type implements Message
func (m *GiveMorePeers) Type() MessageType { return TypeGiveMorePeers }

// Vectors implements Message
func (m *GiveMorePeers) Vectors() []Vector {
	if m.Since <= 0 {
		return nil
	}
	return []Vector{TimestampVector{Value: uint64(m.Since)}}
}

// HereArePeers answers GiveMorePeers with a list of addresses and the
// watermark to ask from next time.
type HereArePeers struct {
	Timestamp int64
	Peers     []peers.PeerAddress
}

// Type implements Message
func (m *HereArePeers) Type() MessageType { return TypeHereArePeers }

// Vectors implements Message
func (m *HereArePeers) Vectors() []Vector {
	vs := make([]Vector, 0, 1+len(m.Peers))
	vs = append(vs, TimestampVector{Value: uint64(m.Timestamp)})
	for _, p := range m.Peers {
		vs = append(vs, AddressVector{Address: p})
	}
	return vs
}

func nonceString(v Vector) string {
	switch n := v.(type) {
	case TimestampVector:
		return fmt.Sprintf("%d", n.Value)
	case StringVector:
		return n.Value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%x", v.Payload())
	}
}

// Encode returns the binary form of m: its type byte followed by each of its
// vectors in order.
func Encode(m Message) []byte {
	buf := []byte{byte(m.Type())}
	for _, v := range m.Vectors() {
		buf = AppendVector(buf, v)
	}
	return buf
}

// Decode parses a message. Every vector is decoded eagerly and checked
// against the schema of the message type; any deviation is a DecodeError.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, NewDecodeError("empty message")
	}
	t := MessageType(data[0])

	vs := []Vector{}
	for off := 1; off < len(data); {
		v, n, err := ReadVector(data[off:])
		if err != nil {
			if de, ok := err.(DecodeError); ok && !de.known {
				return nil, newTypedDecodeError(t, de.reason)
			}
			return nil, err
		}
		vs = append(vs, v)
		off += n
	}

	switch t {
	case TypeHandshake:
		if len(vs) != 1 {
			return nil, newTypedDecodeError(t, fmt.Sprintf("expected 1 vector, got %d", len(vs)))
		}
		a, ok := vs[0].(AddressVector)
		if !ok {
			return nil, newTypedDecodeError(t, "expected an address")
		}
		return &Handshake{Address: a.Address}, nil

	case TypePing, TypePong:
		if len(vs) != 1 {
			return nil, newTypedDecodeError(t, fmt.Sprintf("expected 1 vector, got %d", len(vs)))
		}
		switch vs[0].(type) {
		case TimestampVector, StringVector:
		default:
			return nil, newTypedDecodeError(t, "nonce must be a timestamp or a string")
		}
		if t == TypePing {
			return &Ping{Nonce: vs[0]}, nil
		}
		return &Pong{Nonce: vs[0]}, nil

	case TypeGiveMorePeers:
		switch len(vs) {
		case 0:
			return &GiveMorePeers{}, nil
		case 1:
			ts, ok := vs[0].(TimestampVector)
			if !ok {
				return nil, newTypedDecodeError(t, "expected a timestamp")
			}
			return &GiveMorePeers{Since: int64(ts.Value)}, nil
		default:
			return nil, newTypedDecodeError(t, fmt.Sprintf("expected at most 1 vector, got %d", len(vs)))
		}

	case TypeHereArePeers:
		if len(vs) == 0 {
			return nil, newTypedDecodeError(t, "missing timestamp")
		}
		ts, ok := vs[0].(TimestampVector)
		if !ok {
			return nil, newTypedDecodeError(t, "expected a timestamp")
		}
		msg := &HereArePeers{
			Timestamp: int64(ts.Value),
			Peers:     make([]peers.PeerAddress, 0, len(vs)-1),
		}
		for _, v := range vs[1:] {
			a, ok := v.(AddressVector)
			if !ok {
				return nil, newTypedDecodeError(t, "expected an address")
			}
			msg.Peers = append(msg.Peers, a.Address)
		}
		return msg, nil

	default:
		return nil, NewDecodeError(fmt.Sprintf("unknown message type %d", byte(t)))
	}
}
