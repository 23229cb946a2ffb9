package adminhttp

import "sync"

// reloadSignal lets /events long-poll for the next plugins-reloaded
// notification. Each generation swaps in a fresh channel; waiters
// block on the channel captured at subscribe time, so a broadcast can
// never be missed between "read the channel" and "wait on it."
type reloadSignal struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}
}

func newReloadSignal() *reloadSignal {
	return &reloadSignal{ch: make(chan struct{})}
}

// subscribe returns the current generation and a channel that closes
// the next time Broadcast is called.
func (r *reloadSignal) subscribe() (uint64, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen, r.ch
}

// Broadcast wakes every waiter subscribed before this call.
func (r *reloadSignal) Broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.ch)
	r.ch = make(chan struct{})
	r.gen++
}
