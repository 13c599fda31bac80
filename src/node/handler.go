package node

import (
	"github.com/mosaicnetworks/peernet/src/wire"
)

// Handler is one protocol of a Channel. The channel dispatches to a handler
// every message of the types it declares.
type Handler interface {
	// Types are the message types the handler consumes.
	Types() []wire.MessageType

	// Handle starts the handler.
	Handle()

	// OnMessage processes a decoded message.
	OnMessage(msg wire.Message)
}
