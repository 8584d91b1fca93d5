package mesh_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
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

func TestTwoNodeMeshEstablishment(t *testing.T) {
	nodes := mesh.NodeTable{freeAddr(t), freeAddr(t)}
	log := zap.NewNop()

	var established0, established1 *mesh.PeerControlBlock

	m0 := mesh.New(0, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { established0 = pcb })
	m1 := mesh.New(1, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { established1 = pcb })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- m1.Start(ctx) }()
	time.Sleep(50 * time.Millisecond) // node 1 dials node 0, retrying with backoff until node 0's listener is up
	go func() { errCh <- m0.Start(ctx) }()

	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	require.Equal(t, api.StateConnected, m0.Peer(1).State())
	require.Equal(t, api.StateConnected, m1.Peer(0).State())
	require.NotNil(t, established0)
	require.NotNil(t, established1)
	require.Equal(t, wire.MaxInflightRecvs, established0.Recv.PostedCount())
}
