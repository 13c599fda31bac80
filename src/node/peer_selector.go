package node

import (
	"math/rand"
	"time"

	"github.com/mosaicnetworks/peernet/src/peers"
)

//DialSelector orders the available addresses a Network dials when it is
//below its peers limit.
type DialSelector interface {
	Select(candidates []peers.PeerAddress) []peers.PeerAddress
	UpdateLast(addr peers.PeerAddress)
}

//+++++++++++++++++++++++++++++++++++++++
//RANDOM

//RandomDialSelector shuffles the candidates, and puts the last dialed address
//at the end so that a single unreachable peer is not retried first every
//cycle.
type RandomDialSelector struct {
	rnd  *rand.Rand
	last peers.PeerAddress
}

//NewRandomDialSelector is a factory method that returns a new instance of
//RandomDialSelector
func NewRandomDialSelector() *RandomDialSelector {
	return &RandomDialSelector{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

//UpdateLast sets the last dialed address
func (ps *RandomDialSelector) UpdateLast(addr peers.PeerAddress) {
	ps.last = addr
}

//Select returns a shuffled copy of the candidates
func (ps *RandomDialSelector) Select(candidates []peers.PeerAddress) []peers.PeerAddress {
	n, selectable := peers.ExcludeAddress(candidates, ps.last)

	res := make([]peers.PeerAddress, len(selectable))
	copy(res, selectable)
	ps.rnd.Shuffle(len(res), func(i, j int) {
		res[i], res[j] = res[j], res[i]
	})

	if n >= 0 {
		res = append(res, ps.last)
	}

	return res
}
