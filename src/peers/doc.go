// Package peers defines peer addresses and the registry that tracks what a
// node knows about them.
//
// A PeerAddress identifies a remote endpoint by IP and port. Host and the SSL
// flag travel with the address but are not part of its identity, so the
// registry keys records by "ip:port".
//
// The Registry holds one PeerRecord per known address and moves it through
// the following statuses:
//
//	NEW -> CONNECTING -> CONNECTED -> ACTIVE
//	CONNECTING|CONNECTED|ACTIVE -> FAILED|DISCONNECTED
//	any -> BANNED
//
// FAILED and DISCONNECTED addresses are available for dialing again. BANNED
// is terminal. Transitions that make no sense for the current status are
// logged and ignored, never panicked on.
//
// The registry also implements the watermark side of peer discovery:
// DiscoveryResponse returns the addresses learned after a given stamp,
// together with a new stamp the requester sends back next time. Stamps are
// strictly increasing, so two consecutive responses to the same requester
// never share an address.
package peers
