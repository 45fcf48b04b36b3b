package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prxssh/warren/pkg/doublebuf"
	"github.com/prxssh/warren/pkg/pool"
)

// PeerState is the lifecycle of a connection. Transitions are strictly
// Connected -> Disconnecting -> Disconnected and never reverse.
type PeerState uint8

const (
	Connected PeerState = iota
	Disconnecting
	Disconnected
)

func (s PeerState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type receiveDone struct {
	buf []byte
	n   int
	err error
}

type sendDone struct {
	buf    []byte
	off, n int
	err    error
}

type PeerOpts struct {
	Log     *slog.Logger
	Conn    net.Conn
	ID      PeerID
	Buffers *pool.Buffers

	ReceiveBufferSize int
	GracePeriod       time.Duration
	WriteTimeout      time.Duration

	// Now overrides the time source, for tests.
	Now func() time.Time

	OnReset    func(Connection, ResetReason)
	OnIncoming func(Connection, []byte)
	OnOutgoing func(Connection, []byte, int, int)
}

// Peer owns one socket. Receives and sends run on background goroutines
// whose completions land in double buffers; Poll drains them on the owning
// goroutine and is the only method that fires events.
//
// At most one receive is outstanding at a time; sends are fire-and-forget
// and arbitrarily concurrent.
type Peer struct {
	log  *slog.Logger
	conn net.Conn
	c    Connection
	bufs *pool.Buffers

	recvSize     int
	grace        time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	inbox  doublebuf.Buffer[receiveDone]
	outbox doublebuf.Buffer[sendDone]

	// Owned by the polling goroutine.
	state        PeerState
	reason       ResetReason
	lastActivity time.Time
	receiving    bool
	remoteClosed bool

	disconnectDone atomic.Bool
	pendingSends   atomic.Int32

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	onReset    func(Connection, ResetReason)
	onIncoming func(Connection, []byte)
	onOutgoing func(Connection, []byte, int, int)
}

// NewPeer wraps an accepted socket. The peer starts in Connected; the
// first receive is armed by the next Poll.
func NewPeer(opts *PeerOpts) *Peer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := Connection{ID: opts.ID, Addr: opts.Conn.RemoteAddr(), CreatedAt: now()}

	return &Peer{
		log:          opts.Log.With("src", "peer", "id", uint32(opts.ID), "addr", c.Addr),
		conn:         opts.Conn,
		c:            c,
		bufs:         opts.Buffers,
		recvSize:     opts.ReceiveBufferSize,
		grace:        opts.GracePeriod,
		writeTimeout: opts.WriteTimeout,
		now:          now,
		state:        Connected,
		lastActivity: c.CreatedAt,
		onReset:      opts.OnReset,
		onIncoming:   opts.OnIncoming,
		onOutgoing:   opts.OnOutgoing,
	}
}

// Connection returns the peer's immutable identity.
func (p *Peer) Connection() Connection { return p.c }

// State returns the current lifecycle state. Valid only on the polling
// goroutine.
func (p *Peer) State() PeerState { return p.state }

// BytesIn is the total received from the socket.
func (p *Peer) BytesIn() uint64 { return p.bytesIn.Load() }

// BytesOut is the total written to the socket.
func (p *Peer) BytesOut() uint64 { return p.bytesOut.Load() }

// Poll drains completion buffers, fires events, and advances the state
// machine. It is a no-op once the peer is Disconnected.
func (p *Peer) Poll() {
	switch p.state {
	case Disconnected:
		return

	case Disconnecting:
		p.drainOutbox()
		p.drainInbox()

		if p.disconnectDone.Load() && !p.receiving &&
			p.pendingSends.Load() == 0 && p.outbox.Len() == 0 {
			p.state = Disconnected
			p.log.Debug("peer disconnected", "reason", p.reason.String())
			if p.onReset != nil {
				p.onReset(p.c, p.reason)
			}
		}

	case Connected:
		p.drainOutbox()
		p.drainInbox()

		switch {
		case p.remoteClosed:
			p.beginDisconnect(RemoteReset)
		case p.now().Sub(p.lastActivity) > p.grace:
			p.beginDisconnect(TimedOut)
		case !p.receiving:
			p.beginReceive()
		}
	}
}

// Send writes buf[off:off+n] to the socket in the background. Outside the
// Connected state the write is dropped, but a completion is still
// enqueued so the buffer owner reclaims it on the next poll.
func (p *Peer) Send(buf []byte, off, n int) {
	if p.state != Connected {
		p.outbox.Push(sendDone{buf: buf, off: off, n: n})
		return
	}

	p.pendingSends.Add(1)
	go func() {
		if p.writeTimeout > 0 {
			_ = p.conn.SetWriteDeadline(p.now().Add(p.writeTimeout))
		}

		written, err := p.conn.Write(buf[off : off+n])
		p.bytesOut.Add(uint64(written))

		if err != nil && isGracefulNetError(err) {
			err = nil
		}

		p.outbox.Push(sendDone{buf: buf, off: off, n: n, err: err})
		p.pendingSends.Add(-1)
	}()
}

// Disconnect initiates a server-chosen disconnect. No-op unless Connected.
func (p *Peer) Disconnect() {
	if p.state != Connected {
		return
	}
	p.beginDisconnect(ServerReset)
}

// Dispose closes the socket. Call after the peer reaches Disconnected.
func (p *Peer) Dispose() {
	_ = p.conn.Close()
}

func (p *Peer) beginDisconnect(reason ResetReason) {
	p.state = Disconnecting
	p.reason = reason
	p.log.Debug("peer disconnecting", "reason", reason.String())

	// Closing the socket also unblocks the pending receive, whose error
	// completion releases its buffer on a later poll.
	go func() {
		_ = p.conn.Close()
		p.disconnectDone.Store(true)
	}()
}

func (p *Peer) beginReceive() {
	p.receiving = true
	buf := p.bufs.Take(p.recvSize)

	go func() {
		n, err := p.conn.Read(buf)
		p.inbox.Push(receiveDone{buf: buf, n: n, err: err})
	}()
}

func (p *Peer) drainInbox() {
	for _, done := range p.inbox.Drain() {
		p.receiving = false

		if done.err != nil {
			p.bufs.Return(done.buf)
			p.remoteClosed = true
			continue
		}
		if done.n == 0 {
			p.bufs.Return(done.buf)
			continue
		}

		p.lastActivity = p.now()
		p.bytesIn.Add(uint64(done.n))

		if p.onIncoming != nil {
			p.onIncoming(p.c, done.buf[:done.n])
		} else {
			p.bufs.Return(done.buf)
		}
	}
}

func (p *Peer) drainOutbox() {
	for _, done := range p.outbox.Drain() {
		if done.err != nil {
			p.log.Warn("send failed", "error", done.err.Error())
			p.remoteClosed = true
		} else {
			p.lastActivity = p.now()
		}

		if p.onOutgoing != nil {
			p.onOutgoing(p.c, done.buf, done.off, done.n)
		}
	}
}

// isGracefulNetError reports whether err is an orderly shutdown observed on
// a send: the peer went away, not a fault worth surfacing.
func isGracefulNetError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ENETRESET)
}
