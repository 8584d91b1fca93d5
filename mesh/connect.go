// File: mesh/connect.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection manager (C4, spec §4.4): deterministic N×N mesh
// establishment. Each node connects to every lower-indexed node and
// accepts from every higher-indexed one. Grounded on the teacher's transport/tcp accept-loop shape
// (recover-then-log per connection), generalized from an HTTP upgrade
// handshake to queue-pair establishment over the fabric abstraction.
package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/fabric"
)

// dialMaxElapsed bounds how long connectTo retries a single peer dial
// before giving up and marking the peer Error; the listener side of a
// not-yet-started peer is a transient condition during cluster roll-out.
const dialMaxElapsed = 30 * time.Second

// EstablishedHandler is invoked exactly once per peer, the moment its
// queue pair transitions to Connected. Typical use: post the peer's
// receive pool, attach the completion engine, kick off C8 bootstrap.
type EstablishedHandler func(pcb *PeerControlBlock)

// Mesh owns the fixed N-node cluster's connection establishment and the
// resulting peer control blocks.
type Mesh struct {
	myID  uint32
	nodes NodeTable
	fab   fabric.Fabric
	log   *zap.Logger

	onEstablished EstablishedHandler
	peers         map[uint32]*PeerControlBlock

	dialBackOff *backoff.ExponentialBackOff
}

// New constructs a Mesh for myID against the given fixed node table.
func New(myID uint32, nodes NodeTable, fab fabric.Fabric, log *zap.Logger, onEstablished EstablishedHandler) *Mesh {
	m := &Mesh{
		myID:          myID,
		nodes:         nodes,
		fab:           fab,
		log:           log,
		onEstablished: onEstablished,
		peers:         make(map[uint32]*PeerControlBlock, len(nodes)-1),
		dialBackOff: &backoff.ExponentialBackOff{
			InitialInterval:     backoff.DefaultInitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         2 * time.Second,
		},
	}
	for i := range nodes {
		if uint32(i) == myID {
			continue
		}
		m.peers[uint32(i)] = newPeerControlBlock(uint32(i))
	}
	return m
}

// Peer returns the control block for peer id, or nil if id is out of
// range or equals myID.
func (m *Mesh) Peer(id uint32) *PeerControlBlock { return m.peers[id] }

// SetDialBackOff overrides the retry schedule used by connectTo. Must be
// called before Start.
func (m *Mesh) SetDialBackOff(b *backoff.ExponentialBackOff) { m.dialBackOff = b }

// MyID returns this node's identity.
func (m *Mesh) MyID() uint32 { return m.myID }

// Start drives the deterministic handshake of spec §4.4: this node
// connects, in order, to every peer with a lower id, then accepts
// inbound connections from every peer with a higher id. Returns once
// every peer has reached Connected or Error.
func (m *Mesh) Start(ctx context.Context) error {
	ln, err := m.fab.Listen(ctx, m.nodes[m.myID])
	if err != nil {
		return fmt.Errorf("mesh: listen on %s: %w", m.nodes[m.myID], err)
	}

	expectedAccepts := m.nodes.N() - int(m.myID) - 1
	acceptDone := make(chan error, 1)
	go m.acceptLoop(ctx, ln, expectedAccepts, acceptDone)

	for j := uint32(0); j < m.myID; j++ {
		if err := m.connectTo(ctx, j); err != nil {
			m.log.Error("mesh: connect failed", zap.Uint32("peer", j), zap.Error(err))
			m.peers[j].MarkError(err)
		}
	}

	if expectedAccepts > 0 {
		if err := <-acceptDone; err != nil {
			return err
		}
	}
	return nil
}

// connectTo dials peerID, retrying with exponential backoff while the
// peer's listener has not come up yet. Mesh.Start calls every
// connectTo in order, so a slow-starting peer at the back of the table
// does not fail the whole node's join.
func (m *Mesh) connectTo(ctx context.Context, peerID uint32) error {
	pcb := m.peers[peerID]
	pcb.setState(api.StateAddrResolved, nil)

	qp, err := backoff.Retry(ctx, func() (fabric.QueuePair, error) {
		qp, err := m.fab.Dial(ctx, m.nodes[peerID])
		if err != nil {
			return nil, err
		}
		return qp, nil
	}, backoff.WithBackOff(m.dialBackOff), backoff.WithMaxElapsedTime(dialMaxElapsed))
	if err != nil {
		return err
	}
	m.complete(pcb, qp)
	return nil
}

func (m *Mesh) acceptLoop(ctx context.Context, ln fabric.Listener, expected int, done chan<- error) {
	defer close(done)
	for k := 1; k <= expected; k++ {
		qp, err := ln.Accept(ctx)
		if err != nil {
			done <- fmt.Errorf("mesh: accept %d/%d: %w", k, expected, err)
			return
		}
		peerID := m.myID + uint32(k)
		pcb, ok := m.peers[peerID]
		if !ok {
			m.log.Error("mesh: accepted connection demultiplexed to an unknown peer id", zap.Uint32("peer", peerID))
			qp.Close()
			continue
		}
		m.complete(pcb, qp)
	}
}

func (m *Mesh) complete(pcb *PeerControlBlock, qp fabric.QueuePair) {
	pcb.QP = qp
	for _, item := range pcb.Recv.Items() {
		if err := qp.PostRecv(item.Buf, uint64(item.Index)); err != nil {
			m.log.Error("mesh: failed to post receive buffer", zap.Uint32("peer", pcb.ID), zap.Error(err))
			pcb.MarkError(err)
			return
		}
	}
	pcb.setState(api.StateConnected, nil)
	m.log.Info("mesh: peer connected", zap.Uint32("peer", pcb.ID))
	if m.onEstablished != nil {
		m.onEstablished(pcb)
	}
}

// Ensure compile-time interface compliance.
var _ api.GracefulShutdown = (*Mesh)(nil)

// Shutdown closes every peer's queue pair. Safe to call once all
// in-flight operations on the mesh have quiesced; it does not itself
// wait for outstanding posts to drain.
func (m *Mesh) Shutdown() error {
	var firstErr error
	for id, pcb := range m.peers {
		if pcb.QP == nil {
			continue
		}
		if err := pcb.QP.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mesh: close peer %d: %w", id, err)
		}
	}
	return firstErr
}
