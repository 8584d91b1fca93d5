// Package fabric abstracts the reliable-connected, RDMA-capable transport
// the messaging substrate runs over: queue pairs, a shared completion
// stream per peer, and a keyed memory-region registry for one-sided
// read/write. See fabric/soft for the portable TCP-based simulation and
// fabric/uring for the Linux epoll-accelerated accept path.
package fabric
