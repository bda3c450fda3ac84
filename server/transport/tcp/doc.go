// Package tcp implements the raw descriptor TCP transport of the memdb server.
//
// The event loop multiplexes sockets itself, so this package works on plain
// descriptors instead of the net package's runtime-integrated connections:
//
//   - Listener: a non-blocking, dual-stack (IPv6 with IPv4-mapped addresses) listening
//     socket with SO_REUSEADDR, bound to all interfaces. Accept returns ErrWouldBlock
//     once the pending queue is drained.
//
//   - Conn: an accepted connection implementing io.ReadWriteCloser. Read returns
//     ErrWouldBlock instead of waiting; Write delivers the whole buffer.
//
// Accepted connections get TCP_NODELAY and optional kernel buffer sizes (see WithNoDelay
// and WithBufferSizes).
package tcp
