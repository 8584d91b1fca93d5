// File: fabric/fabric.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fabric is the pluggable stand-in for the RDMA-capable transport: a
// queue pair per peer, one shared completion stream, and a per-connection
// memory-region registry addressed by key. No Go binding for real RDMA
// verbs exists in this project's reference corpus, so the fabric is
// implemented in software (package fabric/soft, TCP-based) with an
// optional epoll-driven Listener.Accept on Linux (package fabric/uring)
// — the same platform-split shape as the teacher's
// reactor_linux.go / reactor_stub.go.
package fabric

import "context"

// CompletionKind classifies a completion-queue entry (spec §4.5).
type CompletionKind int

const (
	CompSend CompletionKind = iota
	CompRecv
	CompRDMARead
	CompRDMAWrite
	CompError
)

func (k CompletionKind) String() string {
	switch k {
	case CompSend:
		return "send"
	case CompRecv:
		return "recv"
	case CompRDMARead:
		return "rdma-read"
	case CompRDMAWrite:
		return "rdma-write"
	case CompError:
		return "error"
	default:
		return "unknown"
	}
}

// Completion is one entry drained off a queue pair's completion stream.
type Completion struct {
	Kind CompletionKind
	Tag  uint64 // opaque waiter tag, set by the poster
	Buf  []byte // populated buffer, for CompRecv
	Err  error  // set when Kind == CompError
}

// QueuePair is one peer's reliable-connected transport endpoint: a single
// shared completion stream for both send and receive sides, one posting
// call at a time per spec §5 ("the fabric API is not reentrant per queue
// pair" — fabric/soft serializes posts with its own per-queue-pair
// mutex, so callers hold none).
type QueuePair interface {
	// PostSend posts a signaled send of data; a CompSend completion with
	// Tag arrives once the peer's transport has accepted it.
	PostSend(data []byte, tag uint64) error

	// PostRecv pre-posts buf as the destination for the next inbound
	// send frame; a CompRecv completion with Tag arrives on receipt.
	PostRecv(buf []byte, tag uint64) error

	// RegisterRegion makes buf remotely addressable under key: peers
	// presenting key in an RDMA read/write request will be served out of
	// buf. Mirrors the region pool's Bind/Register work-request.
	RegisterRegion(key uint32, buf []byte) error

	// InvalidateRegion removes a key from the local registry (spec I1:
	// must happen-before any subsequent RegisterRegion reuses the key).
	InvalidateRegion(key uint32) error

	// PostRDMARead issues a one-sided read of remoteKey's region on the
	// peer into dst; a CompRDMARead completion with tag arrives once the
	// full dst has been filled.
	PostRDMARead(ctx context.Context, dst []byte, remoteKey uint32, tag uint64) error

	// PostRDMAWrite issues a one-sided write of src into remoteKey's
	// region on the peer; a CompRDMAWrite completion with tag arrives
	// once the peer has applied it.
	PostRDMAWrite(ctx context.Context, src []byte, remoteKey uint32, tag uint64) error

	// Completions returns the queue pair's single completion channel.
	Completions() <-chan Completion

	// Close tears down the underlying connection; any blocked posts
	// fail and a terminal CompError is delivered.
	Close() error
}

// Listener accepts inbound queue-pair connections (spec §4.4: the
// acceptor side of the N×N mesh).
type Listener interface {
	Accept(ctx context.Context) (QueuePair, error)
	Addr() string
	Close() error
}

// Fabric is the per-process transport factory: one Listen, many Dial.
type Fabric interface {
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (QueuePair, error)
}
