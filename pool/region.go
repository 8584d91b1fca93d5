// File: pool/region.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Region pool (spec §4.2, C2): per-peer, per-kind bitmap of K memory-region
// slots bound in turn to outgoing RDMA windows. A slot is acquired, bound
// to a fresh virtual range with a freshly minted key, used for exactly one
// remote operation, then released back to the bitmap.

package pool

import (
	"fmt"
	"sync/atomic"
)

// RegionKind distinguishes the three independent region pools a peer
// control block carries (spec §4.4): bulk transfer windows and the two
// sentinel windows used by the polled-mode notify variant (C7).
type RegionKind int

const (
	KindGenericBulk RegionKind = iota
	KindLocalSentinel
	KindPeerSentinel
)

func (k RegionKind) String() string {
	switch k {
	case KindGenericBulk:
		return "generic-bulk"
	case KindLocalSentinel:
		return "local-sentinel"
	case KindPeerSentinel:
		return "peer-sentinel"
	default:
		return "unknown-kind"
	}
}

// RegisteredRegion is the RDMA window bound to a slot: a virtual address
// range and the key a peer must present to read or write it.
type RegisteredRegion struct {
	Addr   uint64
	Length uint32
	Key    uint32
}

// WorkRequest is a pre-composed fabric operation the region pool hands back
// to the caller to post. The pool never talks to the fabric directly: it
// only prepares the scatter-gather entry and key.
type WorkRequest struct {
	Op     WorkRequestOp
	Region RegisteredRegion
}

type WorkRequestOp int

const (
	OpInvalidate WorkRequestOp = iota
	OpRegister
)

// Slot is one of the K region-pool entries. Exactly one acquirer may hold
// it bound at a time.
type Slot struct {
	Index  int
	Kind   RegionKind
	bound  bool
	region RegisteredRegion
}

// Region returns the slot's currently bound window. Only valid between
// Bind and Release.
func (s *Slot) Region() RegisteredRegion { return s.region }

// RegionPool is the fixed-size (K=wire.RegionSlotsPerKind) bitmap of region
// slots for one (peer, kind) pair. One spinlock guards the whole bitmap.
type RegionPool struct {
	peerID uint32
	kind   RegionKind
	mu     spinlock
	slots  []Slot
	bound  []bool
	keyCtr atomic.Uint32
}

// NewRegionPool allocates a K-slot region pool for one peer and kind.
func NewRegionPool(peerID uint32, kind RegionKind, k int) *RegionPool {
	p := &RegionPool{
		peerID: peerID,
		kind:   kind,
		slots:  make([]Slot, k),
		bound:  make([]bool, k),
	}
	for i := range p.slots {
		p.slots[i] = Slot{Index: i, Kind: kind}
	}
	return p
}

// TryAcquire scans the bitmap for a free slot. Returns (nil, false) if all
// K slots are bound. The bulk engine does not retry: its Read, Write and
// Bootstrap return api.ErrPoolExhausted at once when this fails.
func (p *RegionPool) TryAcquire() (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.bound {
		if !b {
			p.bound[i] = true
			return &p.slots[i], true
		}
	}
	return nil, false
}

// Bind assigns a fresh key (from a rolling counter, spec §4.2) and a
// virtual range to a slot the caller already holds via TryAcquire, and
// returns the invalidate-then-register work-request chain the caller must
// post, unsignaled, to the fabric queue pair before the slot is usable.
//
// Invariant I1: a slot must never be rebound without first invalidating
// its previous registration.
func (p *RegionPool) Bind(s *Slot, addr uint64, length uint32) [2]WorkRequest {
	key := p.keyCtr.Add(1)
	prev := s.region
	s.region = RegisteredRegion{Addr: addr, Length: length, Key: key}
	s.bound = true
	return [2]WorkRequest{
		{Op: OpInvalidate, Region: prev},
		{Op: OpRegister, Region: s.region},
	}
}

// Release returns a slot to the bitmap. It is a FatalBug to release a slot
// that was not held.
func (p *RegionPool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound[s.Index] {
		panic(fmt.Sprintf("pool: double release of region slot %d (peer=%d kind=%s)", s.Index, p.peerID, p.kind))
	}
	p.bound[s.Index] = false
	s.bound = false
}

// BoundCount reports the number of slots currently bound (test hook for
// P1: bound-count equals popcount of the bitmap).
func (p *RegionPool) BoundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.bound {
		if b {
			n++
		}
	}
	return n
}

// Capacity returns K, the fixed slot count.
func (p *RegionPool) Capacity() int { return len(p.slots) }
