// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

import "time"

// ConnState enumerates the lifecycle of a peer's connection as driven by
// the connection manager's callback (spec §4.4).
type ConnState int

const (
	StateIdle ConnState = iota
	StateAddrResolved
	StateRouteResolved
	StateConnectRequest
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateAddrResolved:
		return "addr_resolved"
	case StateRouteResolved:
		return "route_resolved"
	case StateConnectRequest:
		return "connect_request"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// APIMetrics provides a standard layout for service health/statistics reporting.
type APIMetrics struct {
	NumPeers        int
	NumMessages     int
	InboundTraffic  uint64 // bytes received
	OutboundTraffic uint64 // bytes sent
	StartedAt       time.Time
}

// ServiceInfo exposes descriptive build- and runtime info for external tools.
type ServiceInfo struct {
	Name      string
	Version   string
	Build     string
	StartedAt time.Time
}
