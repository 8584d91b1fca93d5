package completion_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

// recordingDispatcher satisfies completion.Dispatcher and records every
// message it is handed, recycling the receive item once done.
type recordingDispatcher struct {
	got chan *wire.Message
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{got: make(chan *wire.Message, 8)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, pcb *mesh.PeerControlBlock, recvIndex int, msg *wire.Message) {
	payload := append([]byte(nil), msg.Payload...)
	d.got <- &wire.Message{Header: msg.Header, Payload: payload}
	pcb.Recv.Recycle(recvIndex)
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

func TestEngineDeliversReceivedMessage(t *testing.T) {
	pcb0, pcb1 := establishPair(t)

	log := zap.NewNop()
	disp0 := newRecordingDispatcher()
	disp1 := newRecordingDispatcher()
	eng0 := completion.NewEngine(pcb0, disp0, 2, log)
	eng1 := completion.NewEngine(pcb1, disp1, 2, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng0.Run(ctx)
	go eng1.Run(ctx)

	// pcb1 is node 1's control block for peer 0: its queue pair writes
	// onto the same TCP connection that node 0's queue pair (pcb0, node
	// 0's control block for peer 1) reads from. So a send posted here
	// arrives as a receive completion on disp0, tagged with node 1 as
	// the sender.
	msg := &wire.Message{
		Header:  wire.Header{Type: 7, FromNode: 1, PollVar: wire.PollVariantNone},
		Payload: []byte("hello peer 0"),
	}
	raw := wire.Encode(msg)
	require.NoError(t, pcb1.QP.PostSend(raw, 1))

	select {
	case got := <-disp0.got:
		require.Equal(t, uint16(7), got.Header.Type)
		require.Equal(t, "hello peer 0", string(got.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestEngineFiresSendWaiter(t *testing.T) {
	pcb0, pcb1 := establishPair(t)

	log := zap.NewNop()
	eng0 := completion.NewEngine(pcb0, newRecordingDispatcher(), 2, log)
	eng1 := completion.NewEngine(pcb1, newRecordingDispatcher(), 2, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng0.Run(ctx)
	go eng1.Run(ctx)

	tag, waiter := pcb1.Waiters.New()
	msg := &wire.Message{Header: wire.Header{Type: 1, FromNode: 1}, Payload: []byte("x")}
	require.NoError(t, pcb1.QP.PostSend(wire.Encode(msg), tag))

	select {
	case comp := <-waiter:
		require.Equal(t, tag, comp.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send completion")
	}
}
