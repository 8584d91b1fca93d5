// File: completion/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package completion drains a peer's fabric completion stream (C5): it
// wakes send/RDMA waiters directly and hands receive completions off to
// a bottom-half dispatcher for C9 handler invocation.
package completion
