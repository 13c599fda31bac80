package node

import (
	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/mosaicnetworks/peernet/src/wire"
)

// Handshaker exchanges listening addresses. The handshake succeeds once a
// handshake was both sent and received, in either order.
type Handshaker struct {
	ch       *Channel
	sent     bool
	received bool
	done     bool
	declared peers.PeerAddress
}

func newHandshaker(ch *Channel) *Handshaker {
	return &Handshaker{ch: ch}
}

// Types implements Handler
func (h *Handshaker) Types() []wire.MessageType {
	return []wire.MessageType{wire.TypeHandshake}
}

// Handle sends our address.
func (h *Handshaker) Handle() {
	h.ch.send(&wire.Handshake{Address: h.ch.conf.Local})
	h.sent = true
	h.check()
}

// OnMessage implements Handler
func (h *Handshaker) OnMessage(msg wire.Message) {
	hs, ok := msg.(*wire.Handshake)
	if !ok {
		return
	}
	if h.received {
		h.ch.logger.Debug("Ignoring repeated handshake")
		return
	}
	h.received = true
	h.declared = hs.Address
	h.check()
}

func (h *Handshaker) check() {
	if h.done || !h.sent || !h.received {
		return
	}
	h.done = true
	h.ch.handshakeDone(h.declared)
}
