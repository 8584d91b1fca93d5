// File: channel/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatch registry (spec §4.9, C9): a fixed-size handler table keyed by
// message type, one-shot registration, and the buffer reclaim policy for
// delivered receive items. Grounded on the teacher's api.Handler shape
// (single Handle method over an opaque payload), generalized to a typed
// table plus the reclaim decision the spec assigns to this component.
package channel

import (
	"context"
	"sync"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/wire"
)

// ReclaimPolicy tells the registry what to do with a receive item once its
// handler returns (spec §4.9: re-posted, freed, or passed through).
type ReclaimPolicy int

const (
	// ReclaimRepost returns the item to the fabric's receive queue: the
	// default for ordinary messages, which always originate from a peer's
	// pre-posted pool.
	ReclaimRepost ReclaimPolicy = iota
	// ReclaimFree recycles the pool accounting without re-posting: used
	// for self-addressed or reply-path buffers that were never part of
	// the peer's posted set.
	ReclaimFree
	// ReclaimHold leaves the item Held: a polled-mode bulk read handed the
	// caller a pointer inside it, so it is not recycled until the caller
	// explicitly calls Registry.Release.
	ReclaimHold
)

// HandlerFunc processes one dispatched message and reports the reclaim
// policy for the receive item that carried it.
type HandlerFunc func(ctx context.Context, pcb *mesh.PeerControlBlock, msg *wire.Message) ReclaimPolicy

// Registry is the process-wide, fixed-size table of type handlers (spec
// §4.9, §5: "process-wide and initialized once at module load"). It
// implements completion.Dispatcher.
type Registry struct {
	mu         sync.Mutex
	handlers   [wire.TypeMax]HandlerFunc
	registered [wire.TypeMax]bool
}

// NewRegistry constructs an empty handler table.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds h to msgType. Registration is one-shot: calling this
// twice for the same type is a programming error (spec §4.9).
func (r *Registry) Register(msgType uint16, h HandlerFunc) {
	if int(msgType) >= wire.TypeMax {
		api.FatalBug("channel: message type %d exceeds TypeMax %d", msgType, wire.TypeMax)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[msgType] {
		api.FatalBug("channel: handler already registered for type %d", msgType)
	}
	r.handlers[msgType] = h
	r.registered[msgType] = true
}

// Dispatch looks up msg's handler and applies its reclaim policy to the
// receive item at recvIndex. It is the completion engine's Dispatcher.
//
// An unregistered type is P4's fatal bug: "every header observed on a
// receive completion has a registered handler or the completion engine
// flags a fatal bug."
func (r *Registry) Dispatch(ctx context.Context, pcb *mesh.PeerControlBlock, recvIndex int, msg *wire.Message) {
	r.mu.Lock()
	h, ok := r.handlers[msg.Header.Type], r.registered[msg.Header.Type]
	r.mu.Unlock()
	if !ok {
		api.FatalBug("channel: no handler registered for type %d (peer=%d)", msg.Header.Type, pcb.ID)
	}

	policy := h(ctx, pcb, msg)
	switch policy {
	case ReclaimRepost:
		item := pcb.Recv.Items()[recvIndex]
		pcb.Recv.Recycle(recvIndex)
		if err := pcb.QP.PostRecv(item.Buf, uint64(recvIndex)); err != nil {
			pcb.MarkError(err)
		}
	case ReclaimFree:
		pcb.Recv.Recycle(recvIndex)
	case ReclaimHold:
		// left Held; Release reclaims it once the caller is done.
	}
}

// Release recycles and re-posts a receive item previously left Held by a
// ReclaimHold handler, once the caller is finished with the buffer.
func (r *Registry) Release(pcb *mesh.PeerControlBlock, recvIndex int) {
	item := pcb.Recv.Items()[recvIndex]
	pcb.Recv.Recycle(recvIndex)
	if err := pcb.QP.PostRecv(item.Buf, uint64(recvIndex)); err != nil {
		pcb.MarkError(err)
	}
}
