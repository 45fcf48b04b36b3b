package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/prxssh/warren/pkg/doublebuf"
	"github.com/prxssh/warren/pkg/retry"
)

// ErrNotListening is returned by operations that need a bound socket.
var ErrNotListening = errors.New("transport: listener is not listening")

type ListenerOpts struct {
	Log *slog.Logger

	// OnConnected receives each accepted socket during Poll.
	OnConnected func(net.Conn)
}

// Listener accepts inbound TCP connections on a background goroutine and
// hands them to the polling goroutine.
//
// A bind failure is fatal; accept failures are logged, retried with
// backoff, and leave the listener open.
type Listener struct {
	log         *slog.Logger
	onConnected func(net.Conn)

	ln       net.Listener
	accepted doublebuf.Buffer[net.Conn]
	backlog  int
	closed   atomic.Bool
	done     chan struct{}
}

func NewListener(opts *ListenerOpts) *Listener {
	return &Listener{
		log:         opts.Log.With("src", "listener"),
		onConnected: opts.OnConnected,
	}
}

// Listen binds the port and starts accepting. backlog caps how many
// accepted sockets may sit undrained between polls; past it the accept
// loop closes new arrivals.
func (l *Listener) Listen(port uint16, backlog int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("transport: binding port %d: %w", port, err)
	}

	l.ln = ln
	l.backlog = backlog
	l.done = make(chan struct{})
	l.log.Info("listening", "addr", ln.Addr())

	go l.acceptLoop()

	return nil
}

// Addr reports the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the socket and waits for the accept loop to finish.
// Accepted connections not yet drained are closed.
func (l *Listener) Stop() error {
	if l.ln == nil {
		return ErrNotListening
	}

	l.closed.Store(true)
	err := l.ln.Close()
	<-l.done

	for _, conn := range l.accepted.Drain() {
		_ = conn.Close()
	}

	return err
}

// Poll synchronously emits every connection accepted since the previous
// poll.
func (l *Listener) Poll() {
	for _, conn := range l.accepted.Drain() {
		l.onConnected(conn)
	}
}

func (l *Listener) acceptLoop() {
	defer close(l.done)

	for {
		var conn net.Conn

		opts := append(retry.WithExponentialBackoff(5, 10*time.Millisecond, time.Second),
			retry.WithRetryIf(func(err error) bool {
				return !l.closed.Load() && !errors.Is(err, net.ErrClosed)
			}),
			retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
				l.log.Warn("accept failed", "attempt", attempt, "error", err.Error())
			}),
		)

		err := retry.Do(context.Background(), func(context.Context) error {
			c, err := l.ln.Accept()
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, opts...)
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept retries exhausted; still accepting", "error", err.Error())
			continue
		}

		if l.accepted.Len() >= l.backlog {
			l.log.Warn("accept backlog full; closing connection", "addr", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		l.accepted.Push(conn)
	}
}
