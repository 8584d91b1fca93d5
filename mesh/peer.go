// File: mesh/peer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PeerControlBlock (spec §3): everything the substrate keeps about one
// remote node — its queue pair, its receive-work and region pools, its
// connection state register, and the sentinel bookkeeping C8 fills in.
package mesh

import (
	"context"
	"sync"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/fabric"
	"github.com/kmesh-io/kmesh/pool"
	"github.com/kmesh-io/kmesh/wire"
)

// PeerControlBlock is the per-remote-node state described in spec §3.
type PeerControlBlock struct {
	ID uint32

	mu      sync.Mutex
	cond    *sync.Cond
	state   api.ConnState
	err     error
	errOnce sync.Once
	errCh   chan struct{}

	QP      fabric.QueuePair
	Waiters *WaiterRegistry

	Recv    *pool.RecvPool
	Regions map[pool.RegionKind]*pool.RegionPool

	// SendRing stages outbound small-message bytes (spec §4.1, C1) before
	// they are handed to the fabric's PostSend.
	SendRing *pool.ChunkRing

	// LocalSentinel is this node's own notify-variant sentinel buffer,
	// bound once at bootstrap (C8) and advertised to the peer.
	LocalSentinel    *pool.Slot
	LocalSentinelBuf []byte

	// PeerSentinel caches the remote peer's advertised sentinel window,
	// learned once through C8 and then stable for the life of the
	// connection.
	peerSentinelMu    sync.Mutex
	peerSentinelReady bool
	peerSentinelCond  *sync.Cond
	PeerSentinelAddr  uint64
	PeerSentinelKey   uint32
}

func newPeerControlBlock(id uint32) *PeerControlBlock {
	pcb := &PeerControlBlock{
		ID:    id,
		state: api.StateIdle,
		errCh: make(chan struct{}),
		Regions: map[pool.RegionKind]*pool.RegionPool{
			pool.KindGenericBulk:   pool.NewRegionPool(id, pool.KindGenericBulk, wire.RegionSlotsPerKind),
			pool.KindLocalSentinel: pool.NewRegionPool(id, pool.KindLocalSentinel, wire.RegionSlotsPerKind),
			pool.KindPeerSentinel:  pool.NewRegionPool(id, pool.KindPeerSentinel, wire.RegionSlotsPerKind),
		},
		Recv:     pool.NewRecvPool(id, wire.MaxInflightRecvs, wire.MaxMessageSize),
		SendRing: pool.NewChunkRing(wire.SendRingChunks, wire.SendRingChunkSize),
		Waiters:  newWaiterRegistry(),
	}
	pcb.cond = sync.NewCond(&pcb.mu)
	pcb.peerSentinelCond = sync.NewCond(&pcb.peerSentinelMu)
	return pcb
}

// State returns the current connection state.
func (p *PeerControlBlock) State() api.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions the state register and wakes every waiter.
func (p *PeerControlBlock) setState(s api.ConnState, err error) {
	p.mu.Lock()
	p.state = s
	p.err = err
	p.cond.Broadcast()
	p.mu.Unlock()
	if s == api.StateError {
		p.errOnce.Do(func() { close(p.errCh) })
	}
}

// Done returns a channel that closes the moment this peer transitions to
// Error. bulk.Engine's Read, Write and sentinel poll select on it
// alongside their own context and result channel so a fabric error wakes them immediately rather than hanging
// until ctx's own deadline.
func (p *PeerControlBlock) Done() <-chan struct{} { return p.errCh }

// Err returns the error that moved this peer to Error, or nil if it has
// not failed.
func (p *PeerControlBlock) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// WaitConnected blocks until the peer reaches Connected or Error, or ctx
// is done. Returns the terminal error, if any.
func (p *PeerControlBlock) WaitConnected(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.state != api.StateConnected && p.state != api.StateError {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.state == api.StateError {
			return p.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkError transitions the peer to Error and wakes every waiter,
// including any bulk/channel callers blocked on a reply from this peer
// (spec §5: "Fabric errors bubble up as Error on the connection and cause
// all waiters on that connection to wake with a failure indication").
func (p *PeerControlBlock) MarkError(cause error) {
	p.setState(api.StateError, cause)
	p.Waiters.FailAll(cause)
	if p.QP != nil {
		p.QP.Close()
	}
}

// SetPeerSentinel records the peer's advertised notify-variant sentinel
// window, learned once through the key-exchange bootstrap (C8).
func (p *PeerControlBlock) SetPeerSentinel(addr uint64, key uint32) {
	p.peerSentinelMu.Lock()
	p.PeerSentinelAddr = addr
	p.PeerSentinelKey = key
	p.peerSentinelReady = true
	p.peerSentinelCond.Broadcast()
	p.peerSentinelMu.Unlock()
}

// WaitPeerSentinel blocks until the peer's sentinel window has been
// learned through C8.
func (p *PeerControlBlock) WaitPeerSentinel(ctx context.Context) (uint64, uint32, error) {
	done := make(chan struct{})
	go func() {
		p.peerSentinelMu.Lock()
		for !p.peerSentinelReady {
			p.peerSentinelCond.Wait()
		}
		p.peerSentinelMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		p.peerSentinelMu.Lock()
		defer p.peerSentinelMu.Unlock()
		return p.PeerSentinelAddr, p.PeerSentinelKey, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}
