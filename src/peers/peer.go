package peers

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxHostLength is the longest IP or host name an address may carry. The
// wire format prefixes it with a single length byte.
const MaxHostLength = 255

var (
	// ErrInvalidAddress is returned when a string cannot be parsed into a
	// PeerAddress.
	ErrInvalidAddress = errors.New("invalid peer address")
)

// PeerAddress identifies a remote endpoint. Two addresses are the same peer
// when their IP and Port match; Host and SSL are metadata carried along for
// dialing.
type PeerAddress struct {
	IP   string
	Host string
	Port uint16
	SSL  bool
}

// NewPeerAddress returns a plain-TCP PeerAddress.
func NewPeerAddress(ip string, port uint16) PeerAddress {
	return PeerAddress{IP: ip, Port: port}
}

// ParsePeerAddress parses "ip:port", "tls://ip:port" or "tcp://ip:port".
func ParsePeerAddress(s string) (PeerAddress, error) {
	addr := PeerAddress{}

	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "tls://"):
		addr.SSL = true
		s = strings.TrimPrefix(s, "tls://")
	case strings.HasPrefix(s, "tcp://"):
		s = strings.TrimPrefix(s, "tcp://")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return PeerAddress{}, fmt.Errorf("%w %q: bad port", ErrInvalidAddress, s)
	}

	if host == "" {
		return PeerAddress{}, fmt.Errorf("%w %q: empty host", ErrInvalidAddress, s)
	}
	if len(host) > MaxHostLength {
		return PeerAddress{}, fmt.Errorf("%w: host longer than %d bytes", ErrInvalidAddress, MaxHostLength)
	}

	if ip := net.ParseIP(host); ip != nil {
		addr.IP = ip.String()
	} else {
		addr.IP = host
		addr.Host = host
	}
	addr.Port = uint16(port)

	return addr, nil
}

// Key is the registry identity of the address: ip:port.
func (a PeerAddress) Key() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(int(a.Port)))
}

// DialAddr returns the host:port to dial, preferring Host over IP.
func (a PeerAddress) DialAddr() string {
	if a.Host != "" {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return a.Key()
}

// Equal reports whether both addresses designate the same peer.
func (a PeerAddress) Equal(b PeerAddress) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// IPEquals reports whether both addresses share the same IP.
func (a PeerAddress) IPEquals(b PeerAddress) bool {
	return a.IP == b.IP
}

// IsValid reports whether the address can be dialed.
func (a PeerAddress) IsValid() bool {
	return a.IP != "" && len(a.IP) <= MaxHostLength &&
		len(a.Host) <= MaxHostLength && a.Port != 0
}

// Corrected returns a copy of a whose Port, Host and SSL flag are taken from
// the declared address. The IP is never changed.
func (a PeerAddress) Corrected(declared PeerAddress) PeerAddress {
	return PeerAddress{
		IP:   a.IP,
		Host: declared.Host,
		Port: declared.Port,
		SSL:  declared.SSL,
	}
}

func (a PeerAddress) String() string {
	if a.SSL {
		return "tls://" + a.DialAddr()
	}
	return a.DialAddr()
}

// ExcludeAddress is used to exclude a single address from a list.
func ExcludeAddress(addrs []PeerAddress, addr PeerAddress) (int, []PeerAddress) {
	index := -1
	others := make([]PeerAddress, 0, len(addrs))
	for i, a := range addrs {
		if !a.Equal(addr) {
			others = append(others, a)
		} else {
			index = i
		}
	}
	return index, others
}

// ByKey implements sort.Interface for []PeerAddress based on Key.
type ByKey []PeerAddress

func (a ByKey) Len() int           { return len(a) }
func (a ByKey) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a ByKey) Less(i, j int) bool { return a[i].Key() < a[j].Key() }
