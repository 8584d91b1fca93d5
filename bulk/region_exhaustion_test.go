package bulk_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/pool"
)

// TestRegionPoolExhaustion implements spec scenario 5: 128 concurrent
// bulk initiators against the same peer with K=64 region slots. Every
// initiator eventually completes, and the region pool's bound-slot count
// never exceeds its fixed capacity.
func TestRegionPoolExhaustion(t *testing.T) {
	h := setup(t)
	defer h.cancel()

	const numInitiators = 128
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	regions := h.pcb0.Regions[pool.KindGenericBulk]
	require.Equal(t, 64, regions.Capacity(), "scenario 5 assumes K=64")

	var maxBound atomic.Int32
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
				if b := int32(regions.BoundCount()); b > maxBound.Load() {
					maxBound.Store(b)
				}
				runtime.Gosched()
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numInitiators)
	for i := 0; i < numInitiators; i++ {
		go func() {
			defer wg.Done()
			dst := make([]byte, len("node1 data"))
			for {
				err := h.engine0.Read(ctx, h.pcb0, dst)
				if err == nil {
					return
				}
				if errors.Is(err, api.ErrPoolExhausted) {
					runtime.Gosched()
					continue
				}
				require.NoError(t, err)
				return
			}
		}()
	}
	wg.Wait()
	close(stop)
	sampler.Wait()

	require.LessOrEqual(t, int(maxBound.Load()), regions.Capacity(),
		"bitmap must never hold more set bits than its fixed capacity")
	require.Equal(t, 0, regions.BoundCount(), "every slot must be released once its initiator completes")
}
