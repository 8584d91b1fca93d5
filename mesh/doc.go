// Package mesh drives the deterministic N×N connection establishment
// (spec §4.4, C4) and owns the per-peer control blocks: queue pair, pool
// set, and connection-state register.
package mesh
