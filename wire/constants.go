// File: wire/constants.go
// Package wire defines the bit-exact inter-node message header for kmesh.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wire

// Fabric-wide parameters fixed by the spec (§6).
const (
	ListenPort      = 10453
	ListenBacklog    = 99
	ResponderResources = 1
	InitiatorDepth  = 1
	RetryCount      = 1
	MaxInflightSends = 128
	MaxInflightRecvs = 128
	RegionSlotsPerKind = 64

	// MaxMessageSize bounds a single small-message payload (header included).
	// Polled-inline bulk transfers reserve 6 bytes (a 4-byte length and
	// 1-byte flag ahead of the data, a 1-byte sentinel after it) out of this
	// budget; acknowledged transfers use the whole thing.
	MaxMessageSize = 1 << 16

	// MaxInlineTransferSize is the largest polled-inline payload; the spec
	// fixes this at MaxMessageSize-6.
	MaxInlineTransferSize = MaxMessageSize - 6

	// SendRingChunks is M, the chunk count of each peer's outbound chunked
	// ring allocator (C1). SendRingChunkSize must hold one full message
	// including its header, plus the ring's own 64-byte block header, so
	// it is MaxMessageSize+64.
	SendRingChunks    = 8
	SendRingChunkSize = MaxMessageSize + 64
)

// HeaderSize is the fixed 12-byte base header (spec §6).
const HeaderSize = 12

// RDMAHeaderSize is the 40-byte RDMA sub-header appended when IsRDMA is set.
const RDMAHeaderSize = 40

// Flag bits within the header's flags byte (offset 3).
const (
	FlagIsRDMA  byte = 1 << 0
	FlagRDMAAck byte = 1 << 1
	FlagIsWrite byte = 1 << 2
)

// PollVariant selects between the two polled-write sentinel mechanisms
// (spec §4.7, §9 resolved Open Question). Carried in the header's reserved
// byte at offset 5 when IsRDMA and polled.
type PollVariant byte

const (
	// PollVariantNone marks an acknowledged transfer (not polled).
	PollVariantNone PollVariant = iota
	// PollVariantInline: responder overwrites the data region itself with
	// a self-describing length+flag header and trailing sentinel byte.
	PollVariantInline
	// PollVariantNotify: responder performs a second, separate one-sided
	// write to a sentinel byte advertised via the key-exchange bootstrap.
	PollVariantNotify
)

// BulkKind distinguishes read vs write for an RDMA-carrying message.
type BulkKind byte

const (
	BulkRead BulkKind = iota
	BulkWrite
)

// TypeMax bounds the handler dispatch table (spec §4.9); message types are
// u16 on the wire but the in-process table only needs to be as large as the
// set of registered handlers.
const TypeMax = 256

// Reserved message types used by the core itself; client subsystems
// (page coherence, thread migration, syscall forwarding) register types
// above TypeReservedMax.
const (
	TypeKeyExchange    uint16 = 0
	TypeBulkRequest    uint16 = 1
	TypeBulkAck        uint16 = 2
	TypeReservedMax    uint16 = 8
)
