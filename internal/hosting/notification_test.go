package hosting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/warren/internal/protocol"
)

func TestNotificationCenter_TargetedCommandsRequirePeers(t *testing.T) {
	c := NewNotificationCenter()

	assert.ErrorIs(t, c.Send(protocol.NewFrame(1, nil)), ErrNoTargets)
	assert.ErrorIs(t, c.BroadcastNarrow(protocol.NewFrame(1, nil)), ErrNoTargets)
	assert.ErrorIs(t, c.Reset(nil), ErrNoTargets)

	// nothing was queued
	c.Handle(func(*Notification) { t.Fatalf("queue should be empty") })
}

func TestNotificationCenter_HandleDrainsInOrder(t *testing.T) {
	c := NewNotificationCenter()

	require.NoError(t, c.Send(protocol.NewFrame(1, nil), 1))
	c.BroadcastWide(protocol.NewFrame(2, nil))
	require.NoError(t, c.Reset(nil, 2, 3))

	var commands []Command
	c.Handle(func(n *Notification) {
		commands = append(commands, n.Command)
		c.Release(n)
	})

	assert.Equal(t, []Command{CommandSend, CommandBroadcastWide, CommandReset}, commands)

	// the queue was consumed
	c.Handle(func(*Notification) { t.Fatalf("queue should be drained") })
}

func TestNotificationCenter_ResetAllowsNilMessage(t *testing.T) {
	c := NewNotificationCenter()
	require.NoError(t, c.Reset(nil, 5))

	c.Handle(func(n *Notification) {
		assert.Equal(t, CommandReset, n.Command)
		assert.Nil(t, n.Message)
		assert.Len(t, n.Peers, 1)
		c.Release(n)
	})
}

func TestNotificationCenter_ReleaseClearsForReuse(t *testing.T) {
	c := NewNotificationCenter().(*notificationCenter)

	require.NoError(t, c.Send(protocol.NewFrame(1, []byte("x")), 1, 2))

	var held *Notification
	c.Handle(func(n *Notification) { held = n })
	require.NotNil(t, held)

	c.Release(held)
	assert.Zero(t, c.pool.Outstanding())

	c.BroadcastWide(nil)
	c.Handle(func(n *Notification) {
		assert.Same(t, held, n, "pool should reuse the released notification")
		assert.Empty(t, n.Peers)
		c.Release(n)
	})
}
