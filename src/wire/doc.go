// Package wire implements the binary encoding of the messages exchanged by
// peers.
//
// A message is a type byte followed by an ordered list of vectors. Each vector
// is a tag byte, the uvarint length of its payload, and the payload:
//
//	type | tag len payload | tag len payload | ...
//
// Decoding is strict: unknown types or tags, truncated vectors and vectors
// that do not match the schema of their message all produce a DecodeError.
package wire
