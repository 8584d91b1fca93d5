//go:build !linux
// +build !linux

// File: fabric/uring/uring_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-Linux fallback: silently downgrades to the software fabric rather
// than failing, since the epoll acceleration is an optimization, not a
// correctness requirement.
package uring

import (
	"github.com/kmesh-io/kmesh/fabric"
	"github.com/kmesh-io/kmesh/fabric/soft"
)

// New returns the plain software fabric on platforms without epoll.
func New() (fabric.Fabric, error) {
	return soft.New(), nil
}
