package node

import (
	"time"

	"github.com/mosaicnetworks/peernet/src/wire"
)

// LivenessProber answers pings and matches the pongs of our own pings.
type LivenessProber struct {
	ch *Channel

	// sending time of pending pings, by nonce key
	pending map[string]time.Time
}

func newLivenessProber(ch *Channel) *LivenessProber {
	return &LivenessProber{
		ch:      ch,
		pending: make(map[string]time.Time),
	}
}

// Types implements Handler
func (l *LivenessProber) Types() []wire.MessageType {
	return []wire.MessageType{wire.TypePing, wire.TypePong}
}

// Handle implements Handler. Pings are only sent on demand.
func (l *LivenessProber) Handle() {}

// Ping sends a ping and waits for its pong until the ping timeout. An empty
// nonce is replaced with the current timestamp.
func (l *LivenessProber) Ping(nonce string) {
	now := time.Now()
	ping := wire.NewPing(nonce, now.UnixNano())
	key := wire.VectorKey(ping.Nonce)
	nonce = ping.NonceString()

	// a reused nonce replaces the pending ping
	l.clear(key)

	l.pending[key] = now
	l.ch.timers.SetTimeout("ping:"+key, l.ch.conf.Timeouts.Ping, func() {
		delete(l.pending, key)
		l.ch.logger.WithField("nonce", nonce).Debug("Ping lost")
		l.ch.emit(Event{Type: EventPingLost, Nonce: nonce})
	})

	l.ch.send(ping)
}

// Pending is the number of pings waiting for a pong.
func (l *LivenessProber) Pending() int {
	return len(l.pending)
}

func (l *LivenessProber) clear(key string) {
	delete(l.pending, key)
	l.ch.timers.Clear("ping:" + key)
}

// OnMessage implements Handler
func (l *LivenessProber) OnMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Ping:
		l.ch.send(&wire.Pong{Nonce: m.Nonce})
		l.ch.emit(Event{Type: EventPing, Nonce: m.NonceString()})
	case *wire.Pong:
		key := wire.VectorKey(m.Nonce)
		sentAt, ok := l.pending[key]
		if !ok {
			l.ch.logger.WithField("nonce", m.NonceString()).Debug("Unexpected pong")
			return
		}
		l.clear(key)

		rtt := time.Since(sentAt)
		l.ch.conf.Metrics.observeRTT(l.ch.conf.Local, rtt)
		l.ch.emit(Event{Type: EventPong, Nonce: m.NonceString(), RTT: rtt})
	}
}
