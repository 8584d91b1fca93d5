// File: wire/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bit-exact encode/decode of the kmesh message header (spec §3, §6):
//
//	offset  size  field
//	 0      2     type
//	 2      1     priority
//	 3      1     flags:   bit0=is_rdma, bit1=rdma_ack, bit2=is_write
//	 4      1     from_node
//	 5      1     reserved (carries PollVariant for RDMA messages)
//	 6      2     reserved
//	 8      4     total_size (including this header)
//
// followed, when IsRDMA is set, by a 40-byte RDMA sub-header:
//
//	peer_addr:u64, peer_key:u32, transfer_size:u32, reply_type:u16,
//	region_slot:u16, rendezvous_tag:u32, local_dma_addr:u64, pad:u64
package wire

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed, 12-byte base header every message carries.
type Header struct {
	Type       uint16
	Priority   uint8
	IsRDMA     bool
	RDMAAck    bool
	IsWrite    bool
	FromNode   uint8
	PollVar    PollVariant
	TotalSize  uint32
}

// RDMAHeader is the 40-byte sub-header present when Header.IsRDMA is true.
type RDMAHeader struct {
	PeerAddr      uint64
	PeerKey       uint32
	TransferSize  uint32
	ReplyType     uint16
	RegionSlot    uint16
	RendezvousTag uint32
	LocalDMAAddr  uint64
}

// Message bundles a decoded header with its RDMA sub-header (if present)
// and payload; it is the unit of delivery between wire encode/decode and
// the dispatch registry (C9).
type Message struct {
	Header Header
	RDMA   RDMAHeader
	Payload []byte
}

// EncodeHeader writes h into the first HeaderSize bytes of dst, which must
// be at least HeaderSize long.
func EncodeHeader(dst []byte, h Header) {
	if len(dst) < HeaderSize {
		panic("wire: EncodeHeader: dst shorter than HeaderSize")
	}
	binary.LittleEndian.PutUint16(dst[0:2], h.Type)
	dst[2] = h.Priority
	var flags byte
	if h.IsRDMA {
		flags |= FlagIsRDMA
	}
	if h.RDMAAck {
		flags |= FlagRDMAAck
	}
	if h.IsWrite {
		flags |= FlagIsWrite
	}
	dst[3] = flags
	dst[4] = h.FromNode
	dst[5] = byte(h.PollVar)
	dst[6] = 0
	dst[7] = 0
	binary.LittleEndian.PutUint32(dst[8:12], h.TotalSize)
}

// DecodeHeader parses the first HeaderSize bytes of src into a Header.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(src))
	}
	flags := src[3]
	return Header{
		Type:      binary.LittleEndian.Uint16(src[0:2]),
		Priority:  src[2],
		IsRDMA:    flags&FlagIsRDMA != 0,
		RDMAAck:   flags&FlagRDMAAck != 0,
		IsWrite:   flags&FlagIsWrite != 0,
		FromNode:  src[4],
		PollVar:   PollVariant(src[5]),
		TotalSize: binary.LittleEndian.Uint32(src[8:12]),
	}, nil
}

// EncodeRDMAHeader writes h into the first RDMAHeaderSize bytes of dst.
func EncodeRDMAHeader(dst []byte, h RDMAHeader) {
	if len(dst) < RDMAHeaderSize {
		panic("wire: EncodeRDMAHeader: dst shorter than RDMAHeaderSize")
	}
	binary.LittleEndian.PutUint64(dst[0:8], h.PeerAddr)
	binary.LittleEndian.PutUint32(dst[8:12], h.PeerKey)
	binary.LittleEndian.PutUint32(dst[12:16], h.TransferSize)
	binary.LittleEndian.PutUint16(dst[16:18], h.ReplyType)
	binary.LittleEndian.PutUint16(dst[18:20], h.RegionSlot)
	binary.LittleEndian.PutUint32(dst[20:24], h.RendezvousTag)
	binary.LittleEndian.PutUint64(dst[24:32], h.LocalDMAAddr)
	// offset 32..40 is padding to 8-byte alignment; left zeroed.
	for i := 32; i < RDMAHeaderSize; i++ {
		dst[i] = 0
	}
}

// DecodeRDMAHeader parses the first RDMAHeaderSize bytes of src.
func DecodeRDMAHeader(src []byte) (RDMAHeader, error) {
	if len(src) < RDMAHeaderSize {
		return RDMAHeader{}, fmt.Errorf("wire: short rdma header: %d bytes", len(src))
	}
	return RDMAHeader{
		PeerAddr:      binary.LittleEndian.Uint64(src[0:8]),
		PeerKey:       binary.LittleEndian.Uint32(src[8:12]),
		TransferSize:  binary.LittleEndian.Uint32(src[12:16]),
		ReplyType:     binary.LittleEndian.Uint16(src[16:18]),
		RegionSlot:    binary.LittleEndian.Uint16(src[18:20]),
		RendezvousTag: binary.LittleEndian.Uint32(src[20:24]),
		LocalDMAAddr:  binary.LittleEndian.Uint64(src[24:32]),
	}, nil
}

// Encode serializes a full Message (header, optional RDMA sub-header,
// payload) into a freshly allocated byte slice.
func Encode(m *Message) []byte {
	size := HeaderSize
	if m.Header.IsRDMA {
		size += RDMAHeaderSize
	}
	size += len(m.Payload)
	m.Header.TotalSize = uint32(size)

	buf := make([]byte, size)
	EncodeHeader(buf, m.Header)
	off := HeaderSize
	if m.Header.IsRDMA {
		EncodeRDMAHeader(buf[off:], m.RDMA)
		off += RDMAHeaderSize
	}
	copy(buf[off:], m.Payload)
	return buf
}

// Decode parses raw into a Message. The returned Payload aliases raw; callers
// that must retain it beyond the lifetime of raw's backing buffer should copy.
func Decode(raw []byte) (*Message, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	off := HeaderSize
	m := &Message{Header: h}
	if h.IsRDMA {
		rh, err := DecodeRDMAHeader(raw[off:])
		if err != nil {
			return nil, err
		}
		m.RDMA = rh
		off += RDMAHeaderSize
	}
	if int(h.TotalSize) > len(raw) {
		return nil, fmt.Errorf("wire: total_size %d exceeds received %d bytes", h.TotalSize, len(raw))
	}
	m.Payload = raw[off:h.TotalSize]
	return m, nil
}
