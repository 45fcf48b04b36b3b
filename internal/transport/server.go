package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/warren/internal/metrics"
	"github.com/prxssh/warren/pkg/pool"
	"github.com/prxssh/warren/pkg/retry"
)

var (
	ErrUnknownPeer   = errors.New("transport: unknown peer")
	ErrPeersDraining = errors.New("transport: peers still draining")
)

// Server aggregates a listener and its peers behind a single pollable
// surface. Implemented by TCPServer; the hosting layer programs against
// the interface so tests can substitute an in-memory server.
type Server interface {
	// Bind installs the upward event handlers. Must be called before
	// Start.
	Bind(Handlers)

	Start(port uint16, backlog int) error
	Stop() error

	// Poll polls the listener, then every peer in insertion order.
	Poll()

	// Send queues buf[off:off+n] for the peer. The buffer comes back
	// through Handlers.OnOutgoing.
	Send(id PeerID, buf []byte, off, n int) error
	Disconnect(id PeerID) error
	IsConnected(id PeerID) bool

	// Peers lists live peer ids in insertion order.
	Peers() []PeerID

	Addr() net.Addr
}

type TCPServerOpts struct {
	Log     *slog.Logger
	Buffers *pool.Buffers
	Metrics *metrics.Metrics

	ReceiveBufferSize int
	GracePeriod       time.Duration
	WriteTimeout      time.Duration

	// Now overrides the time source, for tests.
	Now func() time.Time
}

// TCPServer is the production Server over real sockets.
type TCPServer struct {
	log      *slog.Logger
	instance uuid.UUID

	listener *Listener
	handlers Handlers

	bufs    *pool.Buffers
	metrics *metrics.Metrics

	recvSize     int
	grace        time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	peers  map[PeerID]*Peer
	order  []PeerID
	nextID PeerID

	totalJoined uint64
	totalReset  uint64
}

// ServerStats is a value snapshot of the server's counters.
type ServerStats struct {
	ConnectedPeers int
	TotalJoined    uint64
	TotalReset     uint64
	BytesIn        uint64
	BytesOut       uint64
}

var _ Server = (*TCPServer)(nil)

func NewTCPServer(opts *TCPServerOpts) *TCPServer {
	instance := uuid.New()

	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &TCPServer{
		log:          opts.Log.With("src", "server", "instance", instance.String()),
		instance:     instance,
		bufs:         opts.Buffers,
		metrics:      m,
		recvSize:     opts.ReceiveBufferSize,
		grace:        opts.GracePeriod,
		writeTimeout: opts.WriteTimeout,
		now:          now,
		peers:        make(map[PeerID]*Peer),
	}
	s.listener = NewListener(&ListenerOpts{
		Log:         opts.Log,
		OnConnected: s.admit,
	})

	return s
}

func (s *TCPServer) Bind(handlers Handlers) { s.handlers = handlers }

// Start binds the listener and performs one immediate poll so connections
// racing the startup are admitted right away.
func (s *TCPServer) Start(port uint16, backlog int) error {
	if err := s.listener.Listen(port, backlog); err != nil {
		return err
	}
	s.Poll()

	return nil
}

// Stop closes the listener, disconnects every peer, and polls until all
// of them reach their terminal state.
func (s *TCPServer) Stop() error {
	if err := s.listener.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("listener stop", "error", err.Error())
	}

	for _, id := range s.Peers() {
		if err := s.Disconnect(id); err != nil {
			s.log.Warn("disconnect during stop", "id", uint32(id), "error", err.Error())
		}
	}

	err := retry.Do(context.Background(), func(context.Context) error {
		s.pollPeers()
		if len(s.peers) > 0 {
			return fmt.Errorf("%w: %d left", ErrPeersDraining, len(s.peers))
		}
		return nil
	}, retry.WithLinearBackoff(100, 10*time.Millisecond)...)
	if err != nil {
		// Drain stalled; close what is left.
		for id, peer := range s.peers {
			peer.Dispose()
			delete(s.peers, id)
		}
		s.order = s.order[:0]
		return fmt.Errorf("transport: stopping server: %w", err)
	}

	s.log.Info("server stopped")

	return nil
}

func (s *TCPServer) Poll() {
	s.listener.Poll()
	s.pollPeers()
}

func (s *TCPServer) pollPeers() {
	// Snapshot: a peer's reset handler mutates the registry mid-walk.
	ids := append([]PeerID(nil), s.order...)
	for _, id := range ids {
		if peer, ok := s.peers[id]; ok {
			peer.Poll()
		}
	}
}

func (s *TCPServer) Send(id PeerID, buf []byte, off, n int) error {
	peer, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	peer.Send(buf, off, n)
	s.metrics.BytesOut.Add(float64(n))

	return nil
}

func (s *TCPServer) Disconnect(id PeerID) error {
	peer, ok := s.peers[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	peer.Disconnect()

	return nil
}

func (s *TCPServer) IsConnected(id PeerID) bool {
	peer, ok := s.peers[id]
	return ok && peer.State() == Connected
}

func (s *TCPServer) Peers() []PeerID {
	return append([]PeerID(nil), s.order...)
}

func (s *TCPServer) Addr() net.Addr { return s.listener.Addr() }

// Stats snapshots the server counters. Byte totals include peers that
// have since been reset only up to their disposal.
func (s *TCPServer) Stats() ServerStats {
	stats := ServerStats{
		ConnectedPeers: len(s.peers),
		TotalJoined:    s.totalJoined,
		TotalReset:     s.totalReset,
	}
	for _, peer := range s.peers {
		stats.BytesIn += peer.BytesIn()
		stats.BytesOut += peer.BytesOut()
	}

	return stats
}

// admit registers an accepted socket as a peer and announces the join.
func (s *TCPServer) admit(conn net.Conn) {
	s.nextID++
	id := s.nextID

	peer := NewPeer(&PeerOpts{
		Log:               s.log,
		Conn:              conn,
		ID:                id,
		Buffers:           s.bufs,
		ReceiveBufferSize: s.recvSize,
		GracePeriod:       s.grace,
		WriteTimeout:      s.writeTimeout,
		Now:               s.now,
		OnReset:           s.peerReset,
		OnIncoming:        s.peerIncoming,
		OnOutgoing:        s.handlers.OnOutgoing,
	})

	s.peers[id] = peer
	s.order = append(s.order, id)

	s.totalJoined++
	s.metrics.ConnectedPeers.Inc()
	s.metrics.PeersJoined.Inc()
	s.log.Info("peer joined", "id", uint32(id), "addr", conn.RemoteAddr())

	if s.handlers.OnJoin != nil {
		s.handlers.OnJoin(peer.Connection())
	}
}

func (s *TCPServer) peerIncoming(c Connection, data []byte) {
	s.metrics.BytesIn.Add(float64(len(data)))

	if s.handlers.OnIncoming != nil {
		s.handlers.OnIncoming(c, data)
	} else {
		s.bufs.Return(data)
	}
}

func (s *TCPServer) peerReset(c Connection, reason ResetReason) {
	peer, ok := s.peers[c.ID]
	if !ok {
		return
	}

	delete(s.peers, c.ID)
	for i, id := range s.order {
		if id == c.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	peer.Dispose()

	s.totalReset++
	s.metrics.ConnectedPeers.Dec()
	s.metrics.PeersReset.WithLabelValues(reason.String()).Inc()
	s.log.Info("peer reset", "id", uint32(c.ID), "reason", reason.String())

	if s.handlers.OnReset != nil {
		s.handlers.OnReset(c, reason)
	}
}
