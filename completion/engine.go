// File: completion/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion engine (C5, spec §4.5): one goroutine per peer drains that
// peer's single completion stream, classifies each entry, and either
// wakes a waiter directly (send / remote-read / remote-write) or hands a
// receive off to the bottom-half dispatcher. Grounded on the teacher's
// internal/concurrency.Executor worker-pool shape (recover-and-log
// around each dispatched task), generalized from a generic task queue to
// the fabric's completion channel.
package completion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/fabric"
	"github.com/kmesh-io/kmesh/internal/concurrency"
	"github.com/kmesh-io/kmesh/mesh"
	"github.com/kmesh-io/kmesh/wire"
)

// Dispatcher is implemented by the channel package's handler registry
// (C9). Declared here, rather than imported from channel, so completion
// and channel do not import each other: completion dispatches into it,
// channel waits on completion's peer waiters.
type Dispatcher interface {
	Dispatch(ctx context.Context, pcb *mesh.PeerControlBlock, recvIndex int, msg *wire.Message)
}

// MetricsSink receives per-message byte counts as the completion engine
// observes them. Optional: an Engine with no sink set skips the call.
type MetricsSink interface {
	RecordMessage(inboundBytes, outboundBytes uint64)
}

// Engine drains one peer's completion stream.
type Engine struct {
	pcb        *mesh.PeerControlBlock
	dispatcher Dispatcher
	bottomHalf *concurrency.Executor
	log        *zap.Logger
	metrics    MetricsSink
}

// NewEngine constructs a completion engine for one peer. bottomHalfWorkers
// sizes the eapache/queue-backed pool that runs receive handlers off the
// completion goroutine (spec §5 ambient addition: a slow handler must not
// stall draining of other message types).
func NewEngine(pcb *mesh.PeerControlBlock, dispatcher Dispatcher, bottomHalfWorkers int, log *zap.Logger) *Engine {
	return &Engine{
		pcb:        pcb,
		dispatcher: dispatcher,
		bottomHalf: concurrency.NewExecutor(bottomHalfWorkers, 0),
		log:        log,
	}
}

// SetMetrics attaches a sink that RecordMessage is called against for
// every successfully decoded receive. Call before Run; nil disables it.
func (e *Engine) SetMetrics(m MetricsSink) { e.metrics = m }

// Run drains completions until the queue pair closes or ctx is done. A
// FatalBug panic raised while handling a completion is recovered here (or,
// for a dispatched handler, inside its bottom-half task), logged, and
// turns into the peer transitioning to Error — never silently swallowed
// (spec §7).
func (e *Engine) Run(ctx context.Context) {
	defer e.bottomHalf.Close()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("completion: fatal bug on peer %d: %v", e.pcb.ID, r)
			e.log.Error("completion: fatal bug, aborting peer", zap.Uint32("peer", e.pcb.ID), zap.Any("panic", r))
			e.pcb.MarkError(err)
		}
	}()

	completions := e.pcb.QP.Completions()
	for {
		select {
		case <-ctx.Done():
			return
		case comp, ok := <-completions:
			if !ok {
				e.pcb.MarkError(fmt.Errorf("completion: fabric connection closed for peer %d", e.pcb.ID))
				return
			}
			e.handle(ctx, comp)
		}
	}
}

func (e *Engine) handle(ctx context.Context, comp fabric.Completion) {
	switch comp.Kind {
	case fabric.CompSend, fabric.CompRDMARead, fabric.CompRDMAWrite:
		e.pcb.Waiters.Fire(comp)

	case fabric.CompRecv:
		e.handleReceive(ctx, comp)

	case fabric.CompError:
		e.log.Warn("completion: connection error reported", zap.Uint32("peer", e.pcb.ID), zap.Error(comp.Err))
		e.pcb.MarkError(comp.Err)

	default:
		api.FatalBug("completion: unrecognized completion kind %v for peer %d", comp.Kind, e.pcb.ID)
	}
}

// handleReceive validates the header (spec §4.5, I5) and hands the
// message to the bottom-half dispatcher. The receive item stays Held
// until the dispatcher's handler finishes and recycles or frees it (C3,
// C9).
func (e *Engine) handleReceive(ctx context.Context, comp fabric.Completion) {
	recvIndex := int(comp.Tag)
	item := e.pcb.Recv.OnCompletion(recvIndex)

	msg, err := wire.Decode(comp.Buf)
	if err != nil {
		api.FatalBug("completion: malformed header from peer %d: %v", e.pcb.ID, err)
	}
	if msg.Header.FromNode != uint8(e.pcb.ID) {
		api.FatalBug("completion: from_node %d does not match peer %d (I5 violation)", msg.Header.FromNode, e.pcb.ID)
	}
	if msg.Header.Type >= wire.TypeMax {
		api.FatalBug("completion: message type %d out of range for peer %d", msg.Header.Type, e.pcb.ID)
	}
	if msg.Header.TotalSize > wire.MaxMessageSize {
		api.FatalBug("completion: message size %d exceeds MaxMessageSize for peer %d", msg.Header.TotalSize, e.pcb.ID)
	}

	if e.metrics != nil {
		e.metrics.RecordMessage(uint64(len(comp.Buf)), 0)
	}

	submitErr := e.bottomHalf.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("completion: fatal bug in handler on peer %d: %v", e.pcb.ID, r)
				e.log.Error("completion: fatal bug in handler, aborting peer", zap.Uint32("peer", e.pcb.ID), zap.Any("panic", r))
				e.pcb.MarkError(err)
			}
		}()
		e.dispatcher.Dispatch(ctx, e.pcb, item.Index, msg)
	})
	if submitErr != nil {
		e.log.Error("completion: bottom-half executor closed, dropping receive", zap.Uint32("peer", e.pcb.ID))
	}
}
