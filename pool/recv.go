// File: pool/recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive work-item pool (spec §4.3, C3): R pre-posted receive buffers per
// peer. Each item is either Posted (sitting on the fabric's receive queue)
// or Held (handed to a dispatch handler). Invariant: posted + held == R at
// all times.

package pool

import "fmt"

type recvState int

const (
	recvPosted recvState = iota
	recvHeld
)

// RecvItem is one of the R pre-posted receive buffers.
type RecvItem struct {
	Index int
	Buf   []byte
}

// RecvPool holds the R receive buffers for one peer. All state transitions
// are guarded by a single spinlock.
type RecvPool struct {
	peerID uint32
	mu     spinlock
	items  []RecvItem
	states []recvState
	held   int
}

// NewRecvPool allocates r buffers of bufSize bytes and marks them Posted:
// the caller must actually post each one to the fabric's receive queue
// before traffic starts.
func NewRecvPool(peerID uint32, r, bufSize int) *RecvPool {
	p := &RecvPool{
		peerID: peerID,
		items:  make([]RecvItem, r),
		states: make([]recvState, r),
	}
	for i := range p.items {
		p.items[i] = RecvItem{Index: i, Buf: make([]byte, bufSize)}
	}
	return p
}

// Items returns the full fixed set, for the caller's initial post-all step.
func (p *RecvPool) Items() []RecvItem {
	return p.items
}

// OnCompletion transitions item i from Posted to Held when a receive
// completion arrives for it, and returns the item for dispatch.
//
// It is a FatalBug for the fabric to report a completion against an item
// that was not Posted: that means the ring is double-dispatching or the
// caller lost track of a held buffer (invariant posted+held=R violated).
func (p *RecvPool) OnCompletion(i int) *RecvItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.states[i] != recvPosted {
		panic(fmt.Sprintf("pool: receive completion for item %d (peer=%d) that was not posted", i, p.peerID))
	}
	p.states[i] = recvHeld
	p.held++
	return &p.items[i]
}

// Recycle transitions item i from Held back to Posted. The caller must
// then actually re-post the buffer to the fabric's receive queue; until it
// does, the pool's accounting is ahead of the fabric's (briefly acceptable,
// spec §4.3: "re-post vs free-on-finish").
func (p *RecvPool) Recycle(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.states[i] != recvHeld {
		panic(fmt.Sprintf("pool: recycle of item %d (peer=%d) that was not held", i, p.peerID))
	}
	p.states[i] = recvPosted
	p.held--
}

// HeldCount reports how many items are currently held by dispatch
// handlers (test hook for the posted+held=R invariant).
func (p *RecvPool) HeldCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held
}

// PostedCount reports how many items currently sit on the fabric's
// receive queue.
func (p *RecvPool) PostedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - p.held
}

// Capacity returns R, the fixed item count.
func (p *RecvPool) Capacity() int { return len(p.items) }
