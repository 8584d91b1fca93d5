// File: mesh/waiters.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WaiterRegistry maps a posted work-request's opaque tag back to the
// stack-resident channel blocking the poster (spec §4.5: "wake the
// waiter stored in the work-request's opaque tag"). Shared by the
// completion engine (which fires it) and the small-message channel and
// bulk engine (which allocate tags and wait on them), kept in package
// mesh rather than completion so neither of those two packages has to
// import the other.
package mesh

import (
	"sync"
	"sync/atomic"

	"github.com/kmesh-io/kmesh/fabric"
)

// WaiterRegistry is a tag allocator plus a table of one-shot completion
// channels, one per peer.
type WaiterRegistry struct {
	next uint64

	mu sync.Mutex
	m  map[uint64]chan fabric.Completion
}

func newWaiterRegistry() *WaiterRegistry {
	return &WaiterRegistry{m: make(map[uint64]chan fabric.Completion)}
}

// New allocates a fresh tag and the channel its completion will arrive on.
func (w *WaiterRegistry) New() (uint64, <-chan fabric.Completion) {
	tag := atomic.AddUint64(&w.next, 1)
	ch := make(chan fabric.Completion, 1)
	w.mu.Lock()
	w.m[tag] = ch
	w.mu.Unlock()
	return tag, ch
}

// Fire delivers a completion to its tag's waiter, if one is still
// registered, and removes it. Completions for unregistered tags are
// dropped (e.g. a connection-level error arriving after the original
// waiter already timed out via ctx).
func (w *WaiterRegistry) Fire(c fabric.Completion) {
	w.mu.Lock()
	ch, ok := w.m[c.Tag]
	if ok {
		delete(w.m, c.Tag)
	}
	w.mu.Unlock()
	if ok {
		ch <- c
	}
}

// FailAll wakes every outstanding waiter with a synthesized CompError, used
// when the peer's connection transitions to Error (spec §5).
func (w *WaiterRegistry) FailAll(err error) {
	w.mu.Lock()
	pending := w.m
	w.m = make(map[uint64]chan fabric.Completion)
	w.mu.Unlock()
	for tag, ch := range pending {
		ch <- fabric.Completion{Kind: fabric.CompError, Tag: tag, Err: err}
	}
}
