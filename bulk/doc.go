// File: bulk/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package bulk implements the acknowledged and polled bulk transfer
// engine (C7) and the key-exchange bootstrap (C8) that advertises each
// node's notify-variant sentinel window to its peers.
package bulk
