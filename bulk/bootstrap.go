// File: bulk/bootstrap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Key-exchange bootstrap (spec §4.8, C8): once a peer reaches Connected,
// each side binds a one-byte local sentinel region and advertises its
// key to the peer, then waits for the peer's own advertisement to land.
// RendezvousTag is sent as a fixed value and the receiving handler does
// not inspect it: the wait ends through WaitPeerSentinel. PeerAddr is
// carried for wire-format fidelity only — the software fabric addresses
// registered regions purely by key, so this simulation always sends 0.
package bulk

import (
	"context"
	"fmt"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/channel"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/pool"
	"github.com/kmesh-io/kmesh/wire"
)

// keyExchangeRendezvousTag is fixed: bootstrap runs exactly once per
// peer, so there is never more than one outstanding exchange to
// correlate.
const keyExchangeRendezvousTag = 1

// RegisterKeyExchangeHandler binds the inbound half of C8 into reg. It
// has no Engine-specific state: arrival just records the peer's
// sentinel window on its control block.
func RegisterKeyExchangeHandler(reg *channel.Registry) {
	reg.Register(wire.TypeKeyExchange, handleKeyExchange)
}

func handleKeyExchange(ctx context.Context, pcb *mesh.PeerControlBlock, msg *wire.Message) channel.ReclaimPolicy {
	pcb.SetPeerSentinel(msg.RDMA.PeerAddr, msg.RDMA.PeerKey)
	return channel.ReclaimRepost
}

// Bootstrap binds pcb's local notify-variant sentinel, advertises it to
// the peer, and blocks until the peer's own advertisement has arrived
// (spec: "the initiator knows when the exchange is done").
func Bootstrap(ctx context.Context, pcb *mesh.PeerControlBlock, myID uint32) error {
	slot, ok := pcb.Regions[pool.KindLocalSentinel].TryAcquire()
	if !ok {
		return api.ErrPoolExhausted
	}
	buf := make([]byte, 1)
	wrs := pcb.Regions[pool.KindLocalSentinel].Bind(slot, 0, 1)
	if err := applyWorkRequests(pcb, wrs, buf); err != nil {
		pcb.Regions[pool.KindLocalSentinel].Release(slot)
		return err
	}
	pcb.LocalSentinel = slot
	pcb.LocalSentinelBuf = buf

	msg := &wire.Message{
		Header: wire.Header{
			Type:     wire.TypeKeyExchange,
			FromNode: uint8(myID),
			IsRDMA:   true,
		},
		RDMA: wire.RDMAHeader{
			PeerAddr:      0,
			PeerKey:       slot.Region().Key,
			RendezvousTag: keyExchangeRendezvousTag,
		},
	}
	if err := pcb.QP.PostSend(wire.Encode(msg), 0); err != nil {
		return fmt.Errorf("bulk: post key-exchange to peer %d: %w", pcb.ID, err)
	}

	_, _, err := pcb.WaitPeerSentinel(ctx)
	return err
}
