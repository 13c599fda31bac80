package node

import (
	"sync"
	"sync/atomic"
)

// State captures the state of a Network: Initial, Running, or Shutdown
type State uint32

const (
	//Initial is the state of a Network that was not started.
	Initial State = iota
	//Running is running
	Running
	//Shutdown is shutdown
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Running:
		return "Running"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
	wg    sync.WaitGroup
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// casState changes the state only if it is still old.
func (b *state) casState(old, new State) bool {
	stateAddr := (*uint32)(&b.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(old), uint32(new))
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}

// ChannelState is the protocol state of a Channel.
type ChannelState uint32

const (
	// AwaitingHandshake is the initial state of every channel.
	AwaitingHandshake ChannelState = iota
	// ChannelActive channels run liveness and discovery.
	ChannelActive
	// ChannelClosed channels ignore everything.
	ChannelClosed
)

// String ...
func (s ChannelState) String() string {
	switch s {
	case AwaitingHandshake:
		return "AwaitingHandshake"
	case ChannelActive:
		return "Active"
	case ChannelClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
