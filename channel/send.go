// File: channel/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Small-message channel (spec §4.6, C6): reliable typed datagram send.
// Grounded on the teacher's transport send path (map, post, block on a
// stack-resident waiter, unmap), generalized from a websocket frame write
// to a posted send plus a tag registered on the peer's waiter registry.
package channel

import (
	"context"
	"fmt"
	"runtime"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/fabric"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/pool"
	"github.com/kmesh-io/kmesh/wire"
)

// sendRingRetries bounds how many times Send yields to the scheduler
// before giving up on a transiently full chunk ring (spec §4.1/§5: "may
// yield when full").
const sendRingRetries = 8

// Send transmits payload to pcb as a typed message and blocks until the
// fabric signals the send complete. myID is this node's own identity,
// written into the header's from_node field.
//
// peer == my_id is rejected as unsupported (the caller is expected to
// check this before even resolving a PeerControlBlock, since there is
// none for self); size > MaxMessageSize is a fatal bug, not a runtime
// error, per spec §4.6. The channel itself never retries: the fabric is
// assumed reliable end to end.
func Send(ctx context.Context, pcb *mesh.PeerControlBlock, myID uint32, msgType uint16, priority uint8, payload []byte) error {
	if pcb == nil || pcb.ID == myID {
		return api.ErrInvalidPeer
	}
	if pcb.State() == api.StateError {
		return fmt.Errorf("channel: send to peer %d: %w", pcb.ID, api.ErrConnectionClosed)
	}
	if wire.HeaderSize+len(payload) > wire.MaxMessageSize {
		api.FatalBug("channel: payload of %d bytes exceeds MaxMessageSize for peer %d", len(payload), pcb.ID)
	}

	msg := &wire.Message{
		Header: wire.Header{
			Type:     msgType,
			Priority: priority,
			FromNode: uint8(myID),
		},
		Payload: payload,
	}
	raw := wire.Encode(msg)

	block, err := acquireSendBlock(pcb.SendRing, len(raw))
	if err != nil {
		return err
	}
	defer pcb.SendRing.Put(block)
	copy(block.Data, raw)

	tag, waiter := pcb.Waiters.New()
	if err := pcb.QP.PostSend(block.Data, tag); err != nil {
		return fmt.Errorf("channel: post send to peer %d: %w", pcb.ID, err)
	}

	select {
	case comp := <-waiter:
		if comp.Kind == fabric.CompError {
			return comp.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquireSendBlock stages size bytes out of ring, yielding a bounded
// number of times if the ring is transiently full before giving up.
func acquireSendBlock(ring *pool.ChunkRing, size int) (*pool.Block, error) {
	for i := 0; i < sendRingRetries; i++ {
		if b, ok := ring.Get(size); ok {
			return b, nil
		}
		runtime.Gosched()
	}
	return nil, api.ErrPoolExhausted
}
