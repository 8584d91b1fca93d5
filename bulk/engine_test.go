package bulk_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/bulk"
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

// memProvider is a DataProvider backed by a single fixed buffer, used as
// the responder's served/recorded state in tests.
type memProvider struct {
	mu    sync.Mutex
	store []byte
}

func (p *memProvider) Source(ctx context.Context, pcb *mesh.PeerControlBlock, n uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, n)
	copy(out, p.store)
	return out
}

func (p *memProvider) Store(ctx context.Context, pcb *mesh.PeerControlBlock, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = append([]byte(nil), data...)
}

func (p *memProvider) get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.store...)
}

type harness struct {
	pcb0, pcb1         *mesh.PeerControlBlock
	engine0, engine1   *bulk.Engine
	provider0, provider1 *memProvider
	cancel             context.CancelFunc
}

func setup(t *testing.T) *harness {
	t.Helper()
	nodes := mesh.NodeTable{freeAddr(t), freeAddr(t)}
	log := zap.NewNop()

	var pcb0, pcb1 *mesh.PeerControlBlock
	m0 := mesh.New(0, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcb0 = pcb })
	m1 := mesh.New(1, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcb1 = pcb })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	errCh := make(chan error, 2)
	go func() { errCh <- m1.Start(connectCtx) }()
	time.Sleep(50 * time.Millisecond)
	go func() { errCh <- m0.Start(connectCtx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	provider0 := &memProvider{store: []byte("node0 data")}
	provider1 := &memProvider{store: []byte("node1 data")}
	engine0 := bulk.NewEngine(0, provider0, log)
	engine1 := bulk.NewEngine(1, provider1, log)

	reg0 := channel.NewRegistry()
	reg1 := channel.NewRegistry()
	engine0.RegisterHandlers(reg0)
	engine1.RegisterHandlers(reg1)
	bulk.RegisterKeyExchangeHandler(reg0)
	bulk.RegisterKeyExchangeHandler(reg1)

	eng0 := completion.NewEngine(pcb0, reg0, 2, log)
	eng1 := completion.NewEngine(pcb1, reg1, 2, log)

	ctx, cancel := context.WithCancel(context.Background())
	go eng0.Run(ctx)
	go eng1.Run(ctx)

	return &harness{pcb0: pcb0, pcb1: pcb1, engine0: engine0, engine1: engine1, provider0: provider0, provider1: provider1, cancel: cancel}
}

// TestAcknowledgedRead implements spec scenario 2: node 0 reads node 1's
// data via an acknowledged remote read.
func TestAcknowledgedRead(t *testing.T) {
	h := setup(t)
	defer h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dst := make([]byte, len("node1 data"))
	require.NoError(t, h.engine0.Read(ctx, h.pcb0, dst))
	require.Equal(t, "node1 data", string(dst))
}

func TestAcknowledgedWrite(t *testing.T) {
	h := setup(t)
	defer h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.engine0.Write(ctx, h.pcb0, []byte("pushed from node0"), wire.PollVariantNone))
	require.Eventually(t, func() bool {
		return string(h.provider1.get()) == "pushed from node0"
	}, time.Second, 10*time.Millisecond)
}

// TestPolledWriteInline implements spec scenario 3: a polled write using
// the inline sentinel variant, with no reply message.
func TestPolledWriteInline(t *testing.T) {
	h := setup(t)
	defer h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, h.engine0.Write(ctx, h.pcb0, []byte("inline payload"), wire.PollVariantInline))
	require.Equal(t, "inline payload", string(h.provider1.get()))
}

func TestPolledWriteNotify(t *testing.T) {
	h := setup(t)
	defer h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bootstrapErrCh := make(chan error, 2)
	go func() { bootstrapErrCh <- bulk.Bootstrap(ctx, h.pcb0, 0) }()
	go func() { bootstrapErrCh <- bulk.Bootstrap(ctx, h.pcb1, 1) }()
	require.NoError(t, <-bootstrapErrCh)
	require.NoError(t, <-bootstrapErrCh)

	require.NoError(t, h.engine0.Write(ctx, h.pcb0, []byte("notify payload"), wire.PollVariantNotify))
	require.Equal(t, "notify payload", string(h.provider1.get()))
}
