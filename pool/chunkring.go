// File: pool/chunkring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Chunked ring allocator (spec §4.1, C1): a bounded FIFO of variable-size
// blocks staged across M physically-contiguous chunks, used to back
// outbound small messages. get() must not be called from interrupt
// context; put() may be called from any context.

package pool

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"
)

const (
	// chunkAlign is the alignment unit for both headers and payloads.
	chunkAlign = 64
	// blockHeaderSize is a single alignment unit; only the first 5 bytes
	// are meaningful, the rest keeps payload 64-byte aligned.
	blockHeaderSize = chunkAlign

	blockMagic = 0xAB

	flagReclaim = uint32(1) << 0
	flagLast    = uint32(1) << 1
	sizeShift   = 2
	sizeMask    = uint32(1)<<22 - 1
)

// blockHeader is encoded into the first blockHeaderSize bytes preceding a
// block's payload: bit0=reclaim, bit1=last, bits[2:24)=size (22 bits), and
// (in debug builds) a sanity magic byte at offset 4.
type blockHeader struct {
	reclaim bool
	last    bool
	size    uint32
}

func encodeBlockHeader(dst []byte, h blockHeader) {
	var word uint32
	if h.reclaim {
		word |= flagReclaim
	}
	if h.last {
		word |= flagLast
	}
	word |= (h.size & sizeMask) << sizeShift
	binary.LittleEndian.PutUint32(dst[0:4], word)
	dst[4] = blockMagic
}

func decodeBlockHeader(src []byte) blockHeader {
	word := binary.LittleEndian.Uint32(src[0:4])
	if debugRing && src[4] != blockMagic {
		panic(fmt.Sprintf("pool: chunk ring header magic corrupt: got 0x%x", src[4]))
	}
	return blockHeader{
		reclaim: word&flagReclaim != 0,
		last:    word&flagLast != 0,
		size:    (word >> sizeShift) & sizeMask,
	}
}

// debugRing enables the sanity-magic check (spec §3: "sanity-magic byte in
// debug mode"). Left on: the pool is small and the check is cheap relative
// to the cost of silently corrupting the allocator's own bookkeeping.
const debugRing = true

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// spinlock is a tight busy-wait mutex, matching the kernel-style "single
// spinlock held across the whole state update" contract in spec §4.1/§5.
type spinlock struct {
	locked atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() {
	s.locked.Store(false)
}

// cursor is a (chunk_index, offset) position within the ring.
type cursor struct {
	chunk  int
	offset int
}

// ChunkRing is the bounded FIFO allocator described in spec §4.1. All
// transitions (head, tail, chunk indices, wraparound) happen under a single
// spinlock held across the whole update.
type ChunkRing struct {
	mu         spinlock
	chunks     [][]byte
	chunkSize  int
	head       cursor
	tail       cursor
	wraparound int

	chunksReleased uint64 // observability: chunks walked off by reclamation
}

// NewChunkRing allocates M chunks of chunkSize bytes each. chunkSize must be
// a multiple of chunkAlign.
func NewChunkRing(m, chunkSize int) *ChunkRing {
	if chunkSize%chunkAlign != 0 {
		panic("pool: chunk size must be a multiple of 64")
	}
	chunks := make([][]byte, m)
	for i := range chunks {
		chunks[i] = make([]byte, chunkSize)
	}
	return &ChunkRing{chunks: chunks, chunkSize: chunkSize}
}

// Block is a handle to an allocated region; Put() reclaims it.
type Block struct {
	ring   *ChunkRing
	chunk  int
	offset int // offset of the header, not the payload
	Data   []byte
}

// writeTerminator writes a last=1, size=0 header at off within chunk c and
// advances the tail to the start of the next chunk, updating wraparound.
func (r *ChunkRing) writeTerminator(c, off int) {
	encodeBlockHeader(r.chunks[c][off:], blockHeader{last: true})
	next := (c + 1) % len(r.chunks)
	if next == 0 {
		r.wraparound++
	}
	r.tail = cursor{chunk: next, offset: 0}
}

// fullGivenTail reports whether advancing the tail to candidate would lap
// the head, i.e. the ring has no room left.
func (r *ChunkRing) fullGivenTail(candidate cursor) bool {
	return candidate.chunk == r.head.chunk && candidate.offset >= r.head.offset && r.wraparound > 0
}

// Get allocates size bytes and returns a Block whose Data is exactly size
// bytes long. Returns (nil, false) if the ring cannot advance without
// overrunning the head; the caller is expected to yield and retry (spec
// §5: "may yield when full"). Must not be called from interrupt context.
func (r *ChunkRing) Get(size int) (*Block, bool) {
	need := blockHeaderSize + alignUp(size, chunkAlign)
	if need-blockHeaderSize > len(r.chunks[0])-blockHeaderSize {
		panic("pool: requested block larger than one chunk")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		remaining := r.chunkSize - r.tail.offset
		if remaining < need {
			// Not enough room in this chunk: terminate it and retry in
			// the next chunk (spec §4.1).
			if remaining >= blockHeaderSize {
				r.writeTerminator(r.tail.chunk, r.tail.offset)
			} else {
				// Chunk is exactly exhausted; still must move on.
				next := (r.tail.chunk + 1) % len(r.chunks)
				if next == 0 {
					r.wraparound++
				}
				r.tail = cursor{chunk: next, offset: 0}
			}
			if r.fullGivenTail(r.tail) {
				return nil, false
			}
			continue
		}

		blockChunk, blockOff := r.tail.chunk, r.tail.offset
		newOffset := blockOff + need
		if r.chunkSize-newOffset < chunkAlign {
			// Annex the unusable remainder as padding of this block
			// (spec §4.1) so the tail lands exactly on the chunk
			// boundary.
			size32 := uint32(newOffset - blockOff - blockHeaderSize + (r.chunkSize - newOffset))
			encodeBlockHeader(r.chunks[blockChunk][blockOff:], blockHeader{size: size32})
			newOffset = r.chunkSize
		} else {
			encodeBlockHeader(r.chunks[blockChunk][blockOff:], blockHeader{size: uint32(need - blockHeaderSize)})
		}

		candidateTail := cursor{chunk: blockChunk, offset: newOffset}
		if newOffset == r.chunkSize {
			nextChunk := (blockChunk + 1) % len(r.chunks)
			wrap := r.wraparound
			if nextChunk == 0 {
				wrap++
			}
			if nextChunk == r.head.chunk && r.head.offset == 0 && wrap > 0 {
				// Would immediately lap the head; still valid, the
				// allocation itself succeeds since its bytes fit
				// before the boundary.
			}
			candidateTail = cursor{chunk: nextChunk, offset: 0}
			r.wraparound = wrap
		}
		r.tail = candidateTail

		payloadStart := blockOff + blockHeaderSize
		return &Block{
			ring:   r,
			chunk:  blockChunk,
			offset: blockOff,
			Data:   r.chunks[blockChunk][payloadStart : payloadStart+size],
		}, true
	}
}

// Put marks block reclaimable and advances the head past every contiguous
// reclaimed block, releasing chunks it walks off. Safe from any context.
func (r *ChunkRing) Put(b *Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hdr := decodeBlockHeader(r.chunks[b.chunk][b.offset:])
	hdr.reclaim = true
	encodeBlockHeader(r.chunks[b.chunk][b.offset:], hdr)

	for r.head != r.tail {
		hdr := decodeBlockHeader(r.chunks[r.head.chunk][r.head.offset:])
		if hdr.last {
			next := (r.head.chunk + 1) % len(r.chunks)
			if next == 0 {
				r.wraparound--
			}
			r.chunksReleased++
			r.head = cursor{chunk: next, offset: 0}
			continue
		}
		if !hdr.reclaim {
			break
		}
		newOff := r.head.offset + blockHeaderSize + int(hdr.size)
		if newOff >= r.chunkSize {
			next := (r.head.chunk + 1) % len(r.chunks)
			if next == 0 {
				r.wraparound--
			}
			r.chunksReleased++
			r.head = cursor{chunk: next, offset: 0}
			continue
		}
		r.head = cursor{chunk: r.head.chunk, offset: newOff}
	}
}

// ChunkRingStats reports the wraparound counter, the number of chunks
// reclamation has walked off, and the ring's total capacity in bytes. It
// does not report used bytes.
type ChunkRingStats struct {
	Wraparound     int
	ChunksReleased uint64
	CapacityBytes  int
}

func (r *ChunkRing) Stats() ChunkRingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ChunkRingStats{
		Wraparound:     r.wraparound,
		ChunksReleased: r.chunksReleased,
		CapacityBytes:  len(r.chunks) * r.chunkSize,
	}
}

// HeadEqualsTail reports whether the ring is fully reclaimed (test hook for
// scenario 4: "final state has head=tail").
func (r *ChunkRing) HeadEqualsTail() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head == r.tail
}
