// File: channel/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package channel implements the small-message channel (C6) and the
// dispatch registry (C9): reliable typed datagram send, a fixed-size
// type-to-handler table with one-shot registration, and the reclaim
// policy for delivered receive buffers.
package channel
