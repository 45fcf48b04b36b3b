package hosting

import (
	"fmt"
	"net"

	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/pool"
)

type fakeAddr struct{ id transport.PeerID }

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return fmt.Sprintf("fake:%d", a.id) }

type sentMessage struct {
	id   transport.PeerID
	data []byte
}

type sendCompletion struct {
	conn   transport.Connection
	buf    []byte
	off, n int
}

// fakeServer is an in-memory transport.Server for driving the
// application tick-by-tick. Queued joins, resets, and inbound chunks are
// delivered on the next Poll, like the real server; send buffers come
// back through OnOutgoing one poll after the send.
type fakeServer struct {
	handlers transport.Handlers

	started bool
	stopped bool

	conns map[transport.PeerID]transport.Connection
	order []transport.PeerID

	pendingJoins    []transport.Connection
	pendingResets   []resetEvent
	pendingIncoming []incomingEvent
	completions     []sendCompletion

	// sent records every payload handed to Send, copied out.
	sent        []sentMessage
	disconnects []transport.PeerID
}

var _ transport.Server = (*fakeServer)(nil)

func newFakeServer() *fakeServer {
	return &fakeServer{conns: make(map[transport.PeerID]transport.Connection)}
}

func (f *fakeServer) Bind(h transport.Handlers) { f.handlers = h }

func (f *fakeServer) Start(port uint16, backlog int) error {
	f.started = true
	return nil
}

func (f *fakeServer) Stop() error {
	f.stopped = true
	for _, id := range f.Peers() {
		_ = f.Disconnect(id)
	}
	f.Poll()
	return nil
}

func (f *fakeServer) Poll() {
	joins := f.pendingJoins
	f.pendingJoins = nil
	for _, c := range joins {
		f.handlers.OnJoin(c)
	}

	resets := f.pendingResets
	f.pendingResets = nil
	for _, ev := range resets {
		delete(f.conns, ev.conn.ID)
		for i, id := range f.order {
			if id == ev.conn.ID {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
		f.handlers.OnReset(ev.conn, ev.reason)
	}

	incoming := f.pendingIncoming
	f.pendingIncoming = nil
	for _, ev := range incoming {
		f.handlers.OnIncoming(ev.conn, ev.data)
	}

	completions := f.completions
	f.completions = nil
	for _, c := range completions {
		f.handlers.OnOutgoing(c.conn, c.buf, c.off, c.n)
	}
}

func (f *fakeServer) Send(id transport.PeerID, buf []byte, off, n int) error {
	conn, ok := f.conns[id]
	if !ok {
		return transport.ErrUnknownPeer
	}

	f.sent = append(f.sent, sentMessage{
		id:   id,
		data: append([]byte(nil), buf[off:off+n]...),
	})
	f.completions = append(f.completions, sendCompletion{conn: conn, buf: buf, off: off, n: n})

	return nil
}

func (f *fakeServer) Disconnect(id transport.PeerID) error {
	conn, ok := f.conns[id]
	if !ok {
		return transport.ErrUnknownPeer
	}

	f.disconnects = append(f.disconnects, id)
	f.pendingResets = append(f.pendingResets, resetEvent{conn: conn, reason: transport.ServerReset})

	return nil
}

func (f *fakeServer) IsConnected(id transport.PeerID) bool {
	_, ok := f.conns[id]
	return ok
}

func (f *fakeServer) Peers() []transport.PeerID {
	return append([]transport.PeerID(nil), f.order...)
}

func (f *fakeServer) Addr() net.Addr { return fakeAddr{} }

// join queues a peer join for the next poll.
func (f *fakeServer) join(id transport.PeerID) transport.Connection {
	conn := transport.Connection{ID: id, Addr: fakeAddr{id: id}}
	f.conns[id] = conn
	f.order = append(f.order, id)
	f.pendingJoins = append(f.pendingJoins, conn)

	return conn
}

// remoteReset queues a remote-initiated reset for the next poll.
func (f *fakeServer) remoteReset(id transport.PeerID) {
	f.pendingResets = append(f.pendingResets, resetEvent{
		conn:   f.conns[id],
		reason: transport.RemoteReset,
	})
}

// receive queues inbound bytes for the next poll; data must come from the
// application's buffer pool.
func (f *fakeServer) receive(id transport.PeerID, data []byte) {
	f.pendingIncoming = append(f.pendingIncoming, incomingEvent{conn: f.conns[id], data: data})
}

// frameBytes copies already-encoded frames back to back into one pool
// buffer, the way a peer's receive path would present them.
func frameBytes(bufs *pool.Buffers, frames ...[]byte) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}

	buf := bufs.Take(total)
	off := 0
	for _, f := range frames {
		off += copy(buf[off:], f)
	}

	return buf
}
