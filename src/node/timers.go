package node

import (
	"time"
)

// poster runs a function on the event loop. It returns false if the loop is
// gone.
type poster func(func()) bool

type timerEntry struct {
	timer *time.Timer
}

// Timers is a set of named one-shot and periodic timers whose callbacks run
// on the event loop. All methods must be called from the loop. A cleared
// timer never fires, even if its time.Timer already expired and the callback
// is queued.
type Timers struct {
	post   poster
	timers map[string]*timerEntry
}

// NewTimers creates an empty set of timers posting to post.
func NewTimers(post poster) *Timers {
	return &Timers{
		post:   post,
		timers: make(map[string]*timerEntry),
	}
}

// SetTimeout calls fn once after d. An existing timer with the same key is
// replaced.
func (t *Timers) SetTimeout(key string, d time.Duration, fn func()) {
	t.Clear(key)

	e := &timerEntry{}
	e.timer = time.AfterFunc(d, func() {
		t.post(func() {
			if t.timers[key] != e {
				return
			}
			delete(t.timers, key)
			fn()
		})
	})
	t.timers[key] = e
}

// SetInterval calls fn every d until the key is cleared.
func (t *Timers) SetInterval(key string, d time.Duration, fn func()) {
	t.Clear(key)

	e := &timerEntry{}
	var tick func()
	tick = func() {
		t.post(func() {
			if t.timers[key] != e {
				return
			}
			e.timer = time.AfterFunc(d, tick)
			fn()
		})
	}
	e.timer = time.AfterFunc(d, tick)
	t.timers[key] = e
}

// Clear stops the timer of key, if any.
func (t *Timers) Clear(key string) {
	if e, ok := t.timers[key]; ok {
		e.timer.Stop()
		delete(t.timers, key)
	}
}

// ClearAll stops every timer.
func (t *Timers) ClearAll() {
	for key := range t.timers {
		t.Clear(key)
	}
}

// Len is the number of armed timers.
func (t *Timers) Len() int {
	return len(t.timers)
}
