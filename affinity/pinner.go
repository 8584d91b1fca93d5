// File: affinity/pinner.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pinner implements api.Affinity on top of the package-level
// SetAffinity/setAffinityPlatform functions, tracking the binding state
// the api.Affinity contract exposes.

package affinity

import (
	"sync"

	"github.com/kmesh-io/kmesh/api"
)

// Ensure compile-time interface compliance.
var _ api.Affinity = (*Pinner)(nil)

// Pinner binds the calling OS thread to a CPU/NUMA pair at a fixed
// scope. kmeshd uses a single Pinner, for its main OS thread when
// --pin-cpu is set.
type Pinner struct {
	scope api.AffinityScope

	mu     sync.Mutex
	cpuID  int
	numaID int
	pinned bool
}

// NewPinner constructs a Pinner for the given binding scope.
func NewPinner(scope api.AffinityScope) *Pinner {
	return &Pinner{scope: scope, cpuID: -1, numaID: -1}
}

// Pin binds the current OS thread to cpuID. numaID is recorded for
// reporting only: this package's platform backends bind by CPU, not by
// NUMA node directly.
func (p *Pinner) Pin(cpuID, numaID int) error {
	if err := SetAffinity(cpuID); err != nil {
		return err
	}
	p.mu.Lock()
	p.cpuID = cpuID
	p.numaID = numaID
	p.pinned = true
	p.mu.Unlock()
	return nil
}

// Unpin clears the recorded binding. The underlying OS thread affinity
// mask is left as-is: there is no portable way to restore "no affinity"
// once narrowed, so Unpin only clears the Pinned flag ImmutableDescriptor
// reports; Get still returns the last pinned CPU/NUMA pair.
func (p *Pinner) Unpin() error {
	p.mu.Lock()
	p.pinned = false
	p.mu.Unlock()
	return nil
}

// Get reports the last successfully pinned CPU/NUMA pair.
func (p *Pinner) Get() (cpuID, numaID int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpuID, p.numaID, nil
}

// Scope returns this Pinner's binding scope.
func (p *Pinner) Scope() api.AffinityScope { return p.scope }

// ImmutableDescriptor returns a snapshot of the current binding state.
func (p *Pinner) ImmutableDescriptor() api.AffinityDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return api.AffinityDescriptor{
		CPUID:  p.cpuID,
		NUMAID: p.numaID,
		Scope:  p.scope,
		Pinned: p.pinned,
	}
}
