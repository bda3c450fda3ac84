//go:build linux || darwin || freebsd

package server

import (
	"errors"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/ValentinKolb/memdb/server/transport/tcp"
	"sync"
)

// Handler serves one readiness notification of a connection on a worker goroutine.
//
// ServeConn should consume the input that is currently available (Read returns
// tcp.ErrWouldBlock once it is drained) and write its responses. Returning nil keeps
// the connection and re-arms it for the next request; any error, io.EOF included,
// closes it.
type Handler interface {
	ServeConn(conn *tcp.Conn, kv store.IStore) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(conn *tcp.Conn, kv store.IStore) error

func (f HandlerFunc) ServeConn(conn *tcp.Conn, kv store.IStore) error {
	return f(conn, kv)
}

// DiscardHandler reads and drops all input. It keeps connections open until the peer
// closes them and is used when no protocol handler is installed.
type DiscardHandler struct{}

var discardBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, 16*1024)
		return &b
	},
}

func (DiscardHandler) ServeConn(conn *tcp.Conn, _ store.IStore) error {
	bp := discardBuffers.Get().(*[]byte)
	defer discardBuffers.Put(bp)

	for {
		_, err := conn.Read(*bp)
		if errors.Is(err, tcp.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
