package node

import (
	"github.com/mosaicnetworks/peernet/src/wire"
)

const askMoreTimer = "askForMore"

// DiscoveryAgent exchanges peer addresses. It asks the remote for the
// addresses it discovered since the last answer, right away and then
// periodically, and answers the requests of the remote from the registry.
type DiscoveryAgent struct {
	ch     *Channel
	since  int64
	active bool
}

func newDiscoveryAgent(ch *Channel) *DiscoveryAgent {
	return &DiscoveryAgent{
		ch:     ch,
		active: true,
	}
}

// Types implements Handler
func (d *DiscoveryAgent) Types() []wire.MessageType {
	return []wire.MessageType{wire.TypeGiveMorePeers, wire.TypeHereArePeers}
}

// Handle asks for peers and arms the periodic request.
func (d *DiscoveryAgent) Handle() {
	if d.active {
		d.AskForPeers()
	}
	d.ch.timers.SetInterval(askMoreTimer, d.ch.conf.AskMoreInterval, func() {
		if d.active {
			d.AskForPeers()
		}
	})
}

// AskForPeers sends a GiveMorePeers with the last watermark received.
func (d *DiscoveryAgent) AskForPeers() {
	d.ch.send(&wire.GiveMorePeers{Since: d.since})
}

// Pause stops the periodic requests.
func (d *DiscoveryAgent) Pause() {
	d.active = false
}

// Resume restarts the periodic requests.
func (d *DiscoveryAgent) Resume() {
	d.active = true
}

// Active reports whether periodic requests are sent.
func (d *DiscoveryAgent) Active() bool {
	return d.active
}

// Since is the watermark sent with the next request.
func (d *DiscoveryAgent) Since() int64 {
	return d.since
}

// OnMessage implements Handler
func (d *DiscoveryAgent) OnMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.GiveMorePeers:
		addrs, stamp := d.ch.conf.Registry.DiscoveryResponse(m.Since)
		if len(addrs) > 0 {
			d.ch.send(&wire.HereArePeers{Timestamp: stamp, Peers: addrs})
		}
		d.ch.emit(Event{Type: EventAskedForPeers})
	case *wire.HereArePeers:
		d.since = m.Timestamp
		d.ch.logger.WithField("count", len(m.Peers)).Debug("Peers received")
		d.ch.emit(Event{Type: EventPeersDiscovered, Peers: m.Peers})
	}
}
