// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// The three memory pools the messaging substrate allocates out of a peer's
// control block: the chunked ring allocator for staging outbound small
// messages (C1), the per-peer region pool for bind/invalidate RDMA windows
// (C2), and the pre-posted receive work-item pool (C3). All three are
// thread-safe; each documents its own concurrency contract.
package pool
