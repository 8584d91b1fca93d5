// File: bulk/provider.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bulk

import (
	"context"

	"github.com/kmesh-io/kmesh/mesh"
)

// DataProvider supplies and consumes the application data a bulk engine
// serves on the responder side of a transfer (spec §4.7). Source answers
// an inbound read of n bytes; Store records an inbound write's payload
// before the engine pushes its completion signal back to the initiator.
type DataProvider interface {
	Source(ctx context.Context, pcb *mesh.PeerControlBlock, n uint32) []byte
	Store(ctx context.Context, pcb *mesh.PeerControlBlock, data []byte)
}
