// File: control/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Node-table configuration and the per-daemon control surface: the typed
// YAML config cobra's CLI loads at startup, plus the Node type gluing the
// config store, metrics registry and debug probes into the api.Control,
// api.Debug and api.GracefulShutdown contracts.

package control

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/mesh"
)

// Config is the on-disk shape of a kmeshd node's configuration.
type Config struct {
	// NodeID is this process's position in Peers (spec §4.4: the node
	// table is a fixed, identically-ordered list on every node).
	NodeID uint32 `yaml:"node_id"`
	// Peers lists every node's listen address, including this node's own
	// at index NodeID.
	Peers []string `yaml:"peers"`
	// ChunkSize is informational: it is logged at startup and published
	// in the config snapshot, but it does not resize the ring and is not
	// checked against the compiled-in wire.SendRingChunkSize, since the
	// chunk ring's layout constants are fixed at build time (spec §6's
	// fabric-wide parameter table).
	ChunkSize datasize.ByteSize `yaml:"chunk_size"`
	// RegionSlots is informational for the same reason; it is not checked
	// against wire.RegionSlotsPerKind.
	RegionSlots int `yaml:"region_slots"`
	// DialInitialInterval and DialMaxInterval configure the exponential
	// backoff mesh.Mesh uses while dialing a not-yet-started peer.
	DialInitialInterval time.Duration `yaml:"dial_initial_interval"`
	DialMaxInterval     time.Duration `yaml:"dial_max_interval"`
}

// DefaultConfig returns the configuration used when no on-disk overrides
// apply.
func DefaultConfig() *Config {
	return &Config{
		DialInitialInterval: 500 * time.Millisecond,
		DialMaxInterval:     2 * time.Second,
	}
}

// LoadConfig reads and parses a YAML node configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("control: parse config file: %w", err)
	}
	return cfg, nil
}

// NodeTable converts Peers into the mesh package's address list type.
func (c *Config) NodeTable() mesh.NodeTable {
	return mesh.NodeTable(c.Peers)
}

// Node is the control-plane facade a daemon's main() wires once at
// startup: it owns the config store, metrics, debug probes, and the mesh
// it fronts, and exposes them through api.Control/api.Debug/
// api.GracefulShutdown so any supervising harness can drive them
// uniformly.
type Node struct {
	log     *zap.Logger
	cfg     *ConfigStore
	metrics *MetricsRegistry
	debug   *DebugProbes
	mesh    *mesh.Mesh
}

// Ensure compile-time interface compliance.
var (
	_ api.Control         = (*Node)(nil)
	_ api.Debug           = (*Node)(nil)
	_ api.GracefulShutdown = (*Node)(nil)
)

// NewNode wires a control surface around an already-constructed mesh.
func NewNode(log *zap.Logger, m *mesh.Mesh, cfg *Config) *Node {
	n := &Node{
		log:     log,
		cfg:     NewConfigStore(),
		metrics: NewMetricsRegistry(),
		debug:   NewDebugProbes(),
		mesh:    m,
	}
	n.cfg.SetConfig(map[string]any{
		"node_id":      cfg.NodeID,
		"peers":        cfg.Peers,
		"chunk_size":   cfg.ChunkSize.String(),
		"region_slots": cfg.RegionSlots,
	})
	RegisterPlatformProbes(n.debug)
	n.debug.RegisterProbe("mesh.my_id", func() any { return n.mesh.MyID() })
	return n
}

// GetConfig implements api.Control.
func (n *Node) GetConfig() map[string]any { return n.cfg.GetSnapshot() }

// SetConfig implements api.Control. The config store accepts arbitrary
// merges; this node has no fields that are safe to change live, so every
// call succeeds and simply republishes the snapshot to hot-reload
// listeners.
func (n *Node) SetConfig(cfg map[string]any) error {
	n.cfg.SetConfig(cfg)
	return nil
}

// Stats implements api.Control, returning the metrics registry snapshot.
func (n *Node) Stats() map[string]any { return n.metrics.GetSnapshot() }

// OnReload implements api.Control.
func (n *Node) OnReload(fn func()) { n.cfg.OnReload(fn) }

// RegisterDebugProbe implements api.Control.
func (n *Node) RegisterDebugProbe(name string, fn func() any) { n.debug.RegisterProbe(name, fn) }

// DumpState implements api.Debug.
func (n *Node) DumpState() map[string]any { return n.debug.DumpState() }

// RegisterProbe implements api.Debug.
func (n *Node) RegisterProbe(name string, fn func() any) { n.debug.RegisterProbe(name, fn) }

// Shutdown implements api.GracefulShutdown, closing every peer
// connection the mesh holds.
func (n *Node) Shutdown() error {
	n.log.Info("control: shutting down node")
	return n.mesh.Shutdown()
}

// RecordMessage updates the standard message/byte counters a handler
// should bump on every send/receive; used to populate api.APIMetrics on
// demand via Stats().
func (n *Node) RecordMessage(inboundBytes, outboundBytes uint64) {
	snap := n.metrics.GetSnapshot()
	in, _ := snap["inbound_bytes"].(uint64)
	out, _ := snap["outbound_bytes"].(uint64)
	count, _ := snap["num_messages"].(int)
	n.metrics.Set("inbound_bytes", in+inboundBytes)
	n.metrics.Set("outbound_bytes", out+outboundBytes)
	n.metrics.Set("num_messages", count+1)
}
