// Package net implements the transport used by peernet nodes to exchange
// framed messages.
//
// A Transport sits on top of a StreamLayer, which provides the sockets.
// There are three implementations:
//
// - TCP: plain TCP, with optional port incrementation when the configured
// port is busy
//
// - TLS: TCP with TLS termination of accepted connections
//
// - Inmem: in-process pipes, used only for testing
//
// Transport
//
// The Transport accepts connections in Listen and opens them with Connect.
// Each connection is a Conn that reads and writes length-prefixed frames in
// its own goroutines. Everything that happens to connections is reported on
// the channel returned by Consumer, as Events: Connection, DialError,
// Message, Error and Close. For a given connection, Connection comes first
// and Close comes last.
//
// Outgoing connections to addresses marked SSL are upgraded to TLS after the
// stream is dialed, whatever the local StreamLayer is.
package net
