package bulk_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/bulk"
	"github.com/kmesh-io/kmesh/channel"
	"github.com/kmesh-io/kmesh/completion"
	"github.com/kmesh-io/kmesh/fabric/soft"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/wire"
)

// gatedProvider blocks every Source call until gate is closed, so a
// caller can hold a bulk read outstanding on purpose.
type gatedProvider struct {
	mu       sync.Mutex
	store    []byte
	gate     chan struct{}
	inFlight atomic.Int32
}

func newGatedProvider(store []byte) *gatedProvider {
	return &gatedProvider{store: store, gate: make(chan struct{})}
}

func (p *gatedProvider) Source(ctx context.Context, pcb *mesh.PeerControlBlock, n uint32) []byte {
	p.inFlight.Add(1)
	<-p.gate
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, n)
	copy(out, p.store)
	return out
}

func (p *gatedProvider) Store(ctx context.Context, pcb *mesh.PeerControlBlock, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = append([]byte(nil), data...)
}

// threeNodeHarness wires node 0 against two peers, 1 (the victim, whose
// connection the test breaks mid-op) and 2 (left alone, used to prove
// the break is peer-scoped rather than mesh-wide).
type threeNodeHarness struct {
	engine0        *bulk.Engine
	pcbToVictim    *mesh.PeerControlBlock
	pcbToOther     *mesh.PeerControlBlock
	victimProvider *gatedProvider
	otherProvider  *memProvider
	cancel         context.CancelFunc
}

func setupThreeNode(t *testing.T) *threeNodeHarness {
	t.Helper()
	nodes := mesh.NodeTable{freeAddr(t), freeAddr(t), freeAddr(t)}
	log := zap.NewNop()

	var pcbToVictim, pcbToOther, pcbVictimSide, pcbOtherSide *mesh.PeerControlBlock
	m0 := mesh.New(0, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) {
		if pcb.ID == 1 {
			pcbToVictim = pcb
		} else {
			pcbToOther = pcb
		}
	})
	m1 := mesh.New(1, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcbVictimSide = pcb })
	m2 := mesh.New(2, nodes, soft.New(), log, func(pcb *mesh.PeerControlBlock) { pcbOtherSide = pcb })

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connectCancel()
	errCh := make(chan error, 3)
	go func() { errCh <- m0.Start(connectCtx) }()
	go func() { errCh <- m1.Start(connectCtx) }()
	go func() { errCh <- m2.Start(connectCtx) }()
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	victimProvider := newGatedProvider([]byte("victim data"))
	otherProvider := &memProvider{store: []byte("other data")}
	engine0 := bulk.NewEngine(0, &memProvider{store: []byte("node0 data")}, log)
	engineVictim := bulk.NewEngine(1, victimProvider, log)
	engineOther := bulk.NewEngine(2, otherProvider, log)

	reg0 := channel.NewRegistry()
	regVictim := channel.NewRegistry()
	regOther := channel.NewRegistry()
	engine0.RegisterHandlers(reg0)
	engineVictim.RegisterHandlers(regVictim)
	engineOther.RegisterHandlers(regOther)

	ctx, cancel := context.WithCancel(context.Background())
	go completion.NewEngine(pcbToVictim, reg0, 2, log).Run(ctx)
	go completion.NewEngine(pcbToOther, reg0, 2, log).Run(ctx)
	go completion.NewEngine(pcbVictimSide, regVictim, 2, log).Run(ctx)
	go completion.NewEngine(pcbOtherSide, regOther, 2, log).Run(ctx)

	return &threeNodeHarness{
		engine0:        engine0,
		pcbToVictim:    pcbToVictim,
		pcbToOther:     pcbToOther,
		victimProvider: victimProvider,
		otherProvider:  otherProvider,
		cancel:         cancel,
	}
}

// TestConnectionLossMidOp implements spec scenario 6: inducing an Error
// event on one peer while bulk operations are outstanding against it
// fails every outstanding operation and every subsequent send to that
// peer, while leaving an unrelated peer's traffic unaffected.
func TestConnectionLossMidOp(t *testing.T) {
	h := setupThreeNode(t)
	defer h.cancel()
	defer close(h.victimProvider.gate)

	const numOutstanding = 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, numOutstanding)
	for i := 0; i < numOutstanding; i++ {
		go func() {
			dst := make([]byte, len("victim data"))
			errs <- h.engine0.Read(ctx, h.pcbToVictim, dst)
		}()
	}

	require.Eventually(t, func() bool {
		return h.victimProvider.inFlight.Load() >= numOutstanding
	}, 2*time.Second, 5*time.Millisecond, "all 4 reads should have reached the responder before the break")

	h.pcbToVictim.MarkError(api.ErrConnectionClosed)

	for i := 0; i < numOutstanding; i++ {
		err := <-errs
		require.Error(t, err, "every outstanding bulk read must fail once its peer errors")
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), time.Second)
	defer sendCancel()
	start := time.Now()
	err := channel.Send(sendCtx, h.pcbToVictim, 0, wire.TypeBulkRequest, 0, []byte("ping"))
	require.Error(t, err, "sends to the broken peer must fail immediately, not hang until ctx deadline")
	require.Less(t, time.Since(start), 500*time.Millisecond)

	dst := make([]byte, len("other data"))
	require.NoError(t, h.engine0.Read(ctx, h.pcbToOther, dst), "an unrelated peer must be unaffected by the break")
	require.Equal(t, "other data", string(dst))
}
