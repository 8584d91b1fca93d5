// File: mesh/node.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Node table and self-identification (spec §6: "array of textual IPv4
// addresses indexed by node id; a node's own id is found by matching an
// interface address").
package mesh

import (
	"fmt"
	"net"
)

// NodeTable is the fixed, compile/boot-time cluster membership: addr[i]
// is the "ip:port" dial target for node i.
type NodeTable []string

// ResolveSelf returns the index into the table whose address matches one
// of the host's own interface addresses.
func (t NodeTable) ResolveSelf() (uint32, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, fmt.Errorf("mesh: listing interface addresses: %w", err)
	}
	local := make(map[string]bool, len(ifaceAddrs))
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		local[ipNet.IP.String()] = true
	}
	for i, addr := range t {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		ips, err := net.LookupHost(host)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if local[ip] {
				return uint32(i), nil
			}
		}
	}
	return 0, fmt.Errorf("mesh: no local interface address matches any entry in the node table")
}

// N is the fixed cluster size.
func (t NodeTable) N() int { return len(t) }
