package mesh_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/fabric/soft"
	"github.com/kmesh-io/kmesh/mesh"
)

// TestPeerMarkErrorWakesDone confirms MarkError both flips State to
// Error and closes the Done channel exactly once, independent of any
// fabric I/O, which is what lets bulk.Engine and channel.Send react to
// a connection loss without polling State in a loop.
func TestPeerMarkErrorWakesDone(t *testing.T) {
	log := zap.NewNop()
	m := mesh.New(0, mesh.NodeTable{"a", "b"}, soft.New(), log, func(*mesh.PeerControlBlock) {})
	pcb := m.Peer(1)
	require.NotNil(t, pcb)
	require.Equal(t, api.StateIdle, pcb.State())

	select {
	case <-pcb.Done():
		t.Fatal("Done must not be closed before any error")
	default:
	}

	cause := errors.New("induced failure")
	pcb.MarkError(cause)

	select {
	case <-pcb.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must close immediately after MarkError")
	}
	require.Equal(t, api.StateError, pcb.State())
	require.ErrorIs(t, pcb.Err(), cause)

	require.NotPanics(t, func() { pcb.MarkError(errors.New("second error")) })
}
