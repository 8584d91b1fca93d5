package channel_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/channel"
	"github.com/kmesh-io/kmesh/completion"
	"github.com/kmesh-io/kmesh/fabric/soft"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/wire"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func establishPair(t *testing.T) (*mesh.PeerControlBlock, *mesh.PeerControlBlock) {
	t.Helper()
	nodes := mesh.NodeTable{freeAddr(t), freeAddr(t)}
	log := zap.NewNop()

	var pcb0, pcb1 *mesh.PeerControlBlock
	m0 := mesh.New(0, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcb0 = pcb })
	m1 := mesh.New(1, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcb1 = pcb })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- m1.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	go func() { errCh <- m0.Start(ctx) }()

	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	return pcb0, pcb1
}

// TestTwoNodeSmallMessage implements spec scenario 1: node 0 sends
// {type=7, payload="ping"} to node 1; node 1's handler observes
// from_node=0 and the exact payload bytes, and the receive item returns
// to the posted pool.
func TestTwoNodeSmallMessage(t *testing.T) {
	pcb0, pcb1 := establishPair(t)
	log := zap.NewNop()

	reg1 := channel.NewRegistry()
	received := make(chan *wire.Message, 1)
	reg1.Register(7, func(ctx context.Context, pcb *mesh.PeerControlBlock, msg *wire.Message) channel.ReclaimPolicy {
		received <- msg
		return channel.ReclaimRepost
	})

	eng0 := completion.NewEngine(pcb0, channel.NewRegistry(), 2, log)
	eng1 := completion.NewEngine(pcb1, reg1, 2, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng0.Run(ctx)
	go eng1.Run(ctx)

	// pcb0 is node 0's control block for peer 1: sending here arrives on
	// node 1's side (pcb1, registered against reg1).
	require.NoError(t, channel.Send(ctx, pcb0, 0, 7, 0, []byte("ping")))

	select {
	case msg := <-received:
		require.Equal(t, uint8(0), msg.Header.FromNode)
		require.Equal(t, []byte{0x70, 0x69, 0x6e, 0x67}, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler")
	}

	require.Eventually(t, func() bool {
		return pcb1.Recv.PostedCount() == wire.MaxInflightRecvs
	}, time.Second, 10*time.Millisecond)
}

func TestSendToSelfRejected(t *testing.T) {
	pcb0, _ := establishPair(t)
	err := channel.Send(context.Background(), pcb0, 1, 7, 0, []byte("x"))
	require.ErrorIs(t, err, api.ErrInvalidPeer)
}

func TestDoubleRegistrationIsFatal(t *testing.T) {
	reg := channel.NewRegistry()
	noop := func(ctx context.Context, pcb *mesh.PeerControlBlock, msg *wire.Message) channel.ReclaimPolicy {
		return channel.ReclaimFree
	}
	reg.Register(3, noop)
	require.Panics(t, func() { reg.Register(3, noop) })
}

func TestDispatchUnregisteredTypeIsFatal(t *testing.T) {
	pcb0, _ := establishPair(t)
	reg := channel.NewRegistry()
	msg := &wire.Message{Header: wire.Header{Type: 99, FromNode: 1}, Payload: nil}
	require.Panics(t, func() { reg.Dispatch(context.Background(), pcb0, 0, msg) })
}
