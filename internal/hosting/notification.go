package hosting

import (
	"errors"

	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/pool"
)

// ErrNoTargets rejects targeted notifications enqueued without peers.
var ErrNoTargets = errors.New("hosting: notification requires at least one target peer")

// Command selects how a notification is fanned out during egress.
type Command uint8

const (
	// CommandSend delivers to the listed peers.
	CommandSend Command = iota

	// CommandBroadcastNarrow delivers to an explicit, non-empty peer set.
	CommandBroadcastNarrow

	// CommandBroadcastWide delivers to every connected peer.
	CommandBroadcastWide

	// CommandReset optionally delivers a last message, then disconnects
	// the listed peers.
	CommandReset
)

func (c Command) String() string {
	switch c {
	case CommandSend:
		return "send"
	case CommandBroadcastNarrow:
		return "broadcast narrow"
	case CommandBroadcastWide:
		return "broadcast wide"
	case CommandReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Notification is a producer-initiated server-to-peer message. Allocated
// from the center's pool on enqueue and released exactly once after
// egress.
type Notification struct {
	Command Command
	Message protocol.Message
	Peers   []transport.PeerID
}

func (n *Notification) Clear() {
	n.Command = CommandSend
	n.Message = nil
	n.Peers = n.Peers[:0]
}

// NotificationCenter queues outgoing notifications. Producers (services,
// scripts, handlers) enqueue; the application drains once per tick via
// Handle. Tick-goroutine affine.
type NotificationCenter interface {
	// Send queues a message for one or more explicit peers.
	Send(msg protocol.Message, peers ...transport.PeerID) error

	// BroadcastNarrow queues a message for an explicit, non-empty peer
	// set.
	BroadcastNarrow(msg protocol.Message, peers ...transport.PeerID) error

	// BroadcastWide queues a message for every connected peer.
	BroadcastWide(msg protocol.Message)

	// Reset queues a disconnect for the peers, optionally preceded by a
	// last message. A nil message suppresses the send.
	Reset(msg protocol.Message, peers ...transport.PeerID) error

	// Handle drains the queue, invoking fn once per notification in
	// enqueue order. fn takes ownership: it either releases the
	// notification or forwards it to egress for a later release.
	Handle(fn func(*Notification))

	// Release returns a notification to the pool.
	Release(*Notification)
}

type notificationCenter struct {
	pool  *pool.Pool[*Notification]
	queue []*Notification
}

// NewNotificationCenter returns the default in-memory center.
func NewNotificationCenter() NotificationCenter {
	return &notificationCenter{
		pool: pool.New(func() *Notification { return &Notification{} }),
	}
}

func (c *notificationCenter) enqueue(cmd Command, msg protocol.Message, peers []transport.PeerID) {
	n := c.pool.Take()
	n.Command = cmd
	n.Message = msg
	n.Peers = append(n.Peers, peers...)
	c.queue = append(c.queue, n)
}

func (c *notificationCenter) Send(msg protocol.Message, peers ...transport.PeerID) error {
	if len(peers) == 0 {
		return ErrNoTargets
	}
	c.enqueue(CommandSend, msg, peers)

	return nil
}

func (c *notificationCenter) BroadcastNarrow(msg protocol.Message, peers ...transport.PeerID) error {
	if len(peers) == 0 {
		return ErrNoTargets
	}
	c.enqueue(CommandBroadcastNarrow, msg, peers)

	return nil
}

func (c *notificationCenter) BroadcastWide(msg protocol.Message) {
	c.enqueue(CommandBroadcastWide, msg, nil)
}

func (c *notificationCenter) Reset(msg protocol.Message, peers ...transport.PeerID) error {
	if len(peers) == 0 {
		return ErrNoTargets
	}
	c.enqueue(CommandReset, msg, peers)

	return nil
}

func (c *notificationCenter) Handle(fn func(*Notification)) {
	queued := c.queue
	c.queue = c.queue[len(c.queue):]

	for _, n := range queued {
		fn(n)
	}
}

func (c *notificationCenter) Release(n *Notification) {
	c.pool.Return(n)
}
