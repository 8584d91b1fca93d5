// Package control
// Author: momentics <momentics@gmail.com>
//
// Hot-reload, runtime metrics, node-table configuration, and debug
// introspection for the kmesh daemon.
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable snapshot config reads and atomic updates
//   - Runtime observers for hot-reload
//   - Metrics telemetry contracts
//   - State export, debug hooks, and probe registration
package control
