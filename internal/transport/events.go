// Package transport implements the asynchronous TCP substrate: a pollable
// listener, per-connection peers running overlapped receive/send on
// background goroutines, and the server that aggregates them.
//
// All events surface synchronously on the goroutine that calls Poll; I/O
// completion callbacks only enqueue.
package transport

import (
	"fmt"
	"net"
	"time"
)

// PeerID identifies a peer for the lifetime of the process. IDs are
// assigned monotonically by the server and never reused.
type PeerID uint32

// Connection is the immutable identity of a peer, safe to copy into
// pooled objects that outlive the peer itself.
type Connection struct {
	ID        PeerID
	Addr      net.Addr
	CreatedAt time.Time
}

func (c Connection) String() string {
	return fmt.Sprintf("peer(%d, %v)", c.ID, c.Addr)
}

// ResetReason records why a peer reached the Disconnected state.
type ResetReason uint8

const (
	// ServerReset is a disconnect chosen by this host.
	ServerReset ResetReason = iota

	// RemoteReset is a close or reset observed from the remote end.
	RemoteReset

	// TimedOut is an idle grace period expiry.
	TimedOut
)

func (r ResetReason) String() string {
	switch r {
	case ServerReset:
		return "server reset"
	case RemoteReset:
		return "remote reset"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Handlers is the upward event surface of a server. Every callback fires
// on the goroutine calling Poll.
type Handlers struct {
	// OnJoin fires once per accepted connection.
	OnJoin func(Connection)

	// OnReset fires exactly once per peer, after which the peer is gone.
	OnReset func(Connection, ResetReason)

	// OnIncoming hands over a received chunk; ownership of data passes to
	// the handler, which must return it to the buffer pool.
	OnIncoming func(conn Connection, data []byte)

	// OnOutgoing reports a completed (or dropped) send so the owner can
	// reclaim the buffer.
	OnOutgoing func(conn Connection, buf []byte, offset, length int)
}
