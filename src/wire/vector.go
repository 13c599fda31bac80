package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/mosaicnetworks/peernet/src/peers"
)

// VectorTag identifies the variant of an encoded vector.
type VectorTag byte

const (
	// TagTimestamp marks a TimestampVector
	TagTimestamp VectorTag = 1
	// TagString marks a StringVector
	TagString VectorTag = 2
	// TagAddress marks an AddressVector
	TagAddress VectorTag = 3
	// TagRaw marks a RawVector
	TagRaw VectorTag = 4
)

func (t VectorTag) String() string {
	switch t {
	case TagTimestamp:
		return "Timestamp"
	case TagString:
		return "String"
	case TagAddress:
		return "Address"
	case TagRaw:
		return "Raw"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Vector is one typed field of a message. On the wire a vector is its tag
// byte, the uvarint length of its payload, then the payload.
type Vector interface {
	Tag() VectorTag
	Payload() []byte
}

const addressFlagSSL = 1 << 0

// TimestampVector carries an unsigned 64-bit time value, in nanoseconds
// since the epoch. It is encoded as the minimal big-endian byte string.
type TimestampVector struct {
	Value uint64
}

// Tag implements Vector
func (v TimestampVector) Tag() VectorTag { return TagTimestamp }

// Payload implements Vector
func (v TimestampVector) Payload() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v.Value)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return append([]byte(nil), buf[i:]...)
}

// StringVector carries a UTF-8 string.
type StringVector struct {
	Value string
}

// Tag implements Vector
func (v StringVector) Tag() VectorTag { return TagString }

// Payload implements Vector
func (v StringVector) Payload() []byte { return []byte(v.Value) }

// AddressVector carries a PeerAddress: a length-prefixed IP, the 2-byte
// port, a flags byte and the optional host in the remaining bytes.
type AddressVector struct {
	Address peers.PeerAddress
}

// Tag implements Vector
func (v AddressVector) Tag() VectorTag { return TagAddress }

// Payload implements Vector
func (v AddressVector) Payload() []byte {
	a := v.Address
	buf := make([]byte, 0, 1+len(a.IP)+3+len(a.Host))
	buf = append(buf, byte(len(a.IP)))
	buf = append(buf, a.IP...)
	buf = append(buf, byte(a.Port>>8), byte(a.Port))
	var flags byte
	if a.SSL {
		flags |= addressFlagSSL
	}
	buf = append(buf, flags)
	buf = append(buf, a.Host...)
	return buf
}

// RawVector carries opaque bytes.
type RawVector struct {
	Data []byte
}

// Tag implements Vector
func (v RawVector) Tag() VectorTag { return TagRaw }

// Payload implements Vector
func (v RawVector) Payload() []byte { return v.Data }

// VectorKey returns a string that identifies a vector by tag and payload.
// It is used to match a Pong to the Ping it answers.
func VectorKey(v Vector) string {
	return string(append([]byte{byte(v.Tag())}, v.Payload()...))
}

// AppendVector appends the encoded form of v to buf.
func AppendVector(buf []byte, v Vector) []byte {
	p := v.Payload()
	buf = append(buf, byte(v.Tag()))
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

// ReadVector decodes the first vector of buf and returns it with the number
// of bytes consumed.
func ReadVector(buf []byte) (Vector, int, error) {
	if len(buf) == 0 {
		return nil, 0, NewDecodeError("missing vector tag")
	}
	tag := VectorTag(buf[0])

	l, n := binary.Uvarint(buf[1:])
	if n <= 0 {
		return nil, 0, NewDecodeError("bad vector length")
	}
	start := 1 + n
	if l > uint64(len(buf)-start) {
		return nil, 0, NewDecodeError(fmt.Sprintf("%s vector overflows buffer", tag))
	}
	end := start + int(l)

	v, err := decodePayload(tag, buf[start:end])
	if err != nil {
		return nil, 0, err
	}
	return v, end, nil
}

func decodePayload(tag VectorTag, p []byte) (Vector, error) {
	switch tag {
	case TagTimestamp:
		if len(p) == 0 || len(p) > 8 {
			return nil, NewDecodeError(fmt.Sprintf("timestamp of %d bytes", len(p)))
		}
		var v uint64
		for _, b := range p {
			v = v<<8 | uint64(b)
		}
		return TimestampVector{Value: v}, nil
	case TagString:
		if !utf8.Valid(p) {
			return nil, NewDecodeError("string is not valid utf-8")
		}
		return StringVector{Value: string(p)}, nil
	case TagAddress:
		return decodeAddress(p)
	case TagRaw:
		return RawVector{Data: append([]byte(nil), p...)}, nil
	default:
		return nil, NewDecodeError(fmt.Sprintf("unknown vector tag %d", byte(tag)))
	}
}

func decodeAddress(p []byte) (Vector, error) {
	if len(p) < 1 {
		return nil, NewDecodeError("empty address")
	}
	ipLen := int(p[0])
	if len(p) < 1+ipLen+3 {
		return nil, NewDecodeError("short address")
	}
	ip := p[1 : 1+ipLen]
	rest := p[1+ipLen:]
	host := rest[3:]
	if !utf8.Valid(ip) || !utf8.Valid(host) {
		return nil, NewDecodeError("address is not valid utf-8")
	}

	addr := peers.PeerAddress{
		IP:   string(ip),
		Port: uint16(rest[0])<<8 | uint16(rest[1]),
		SSL:  rest[2]&addressFlagSSL != 0,
		Host: string(host),
	}
	return AddressVector{Address: addr}, nil
}
