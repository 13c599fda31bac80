// Package node implements the reactive part of a peernet node.
//
// A Network owns the transport, the peer registry and one Channel per open
// connection. It runs a single event loop through which every transport event,
// timer and API call is serialized, so the protocol state machines never need
// locks.
//
// Channels
//
// Every connection, inbound or outbound, is wrapped in a Channel which runs
// three handlers in turn:
//
// The Handshaker exchanges listening addresses. The handshake succeeds when
// both ends have sent and received one, in any order. The remote address is
// then corrected with the declared port, host and ssl flag; the IP observed
// by the transport is never replaced.
//
// The LivenessProber answers pings and reports the round trip time of ours.
//
// The DiscoveryAgent asks the remote for the addresses it learned since the
// last answer, once right away and then periodically, and answers the same
// request from the local registry.
//
// Admission
//
// The Network dials known addresses while it is under its peers limit, and
// counts connections still handshaking and dials in flight against the
// limits. Inbound connections over the limits are not refused outright: they
// are kept long enough to answer one discovery request and then closed, so
// that the rejected node still learns about the network.
//
// Every few seconds the Network also closes the active peers that have been
// silent for too long.
package node
