package hosting

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prxssh/warren/internal/metrics"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/clock"
	"github.com/prxssh/warren/pkg/middleware"
	"github.com/prxssh/warren/pkg/pool"
)

type resetEvent struct {
	conn   transport.Connection
	reason transport.ResetReason
}

type incomingEvent struct {
	conn transport.Connection
	data []byte
}

// ApplicationOpts wires a fully configured application. Builder fills the
// defaults; see Builder.
type ApplicationOpts struct {
	Log *slog.Logger

	Server        transport.Server
	Router        Router
	Notifications NotificationCenter
	Serializer    protocol.Serializer
	Clock         *clock.Clock
	Buffers       *pool.Buffers
	Metrics       *metrics.Metrics
	Host          *Host

	RequestMiddleware      *middleware.Pipeline[*RequestContext]
	ResponseMiddleware     *middleware.Pipeline[*RequestResponseContext]
	NotificationMiddleware *middleware.Pipeline[*NotificationContext]

	// TickInterval paces the loop; zero runs unpaced.
	TickInterval time.Duration

	// Now overrides the timestamp source, for tests.
	Now func() time.Time
}

// Application owns the tick loop. One goroutine — the one that calls
// Start — owns every mutable structure here; the transport's worker
// goroutines never touch them.
//
// A tick runs the staged pipeline in strict order: poll, lifecycle,
// deserialize, request middleware, dispatch, extensions, response and
// notification middleware, egress, reset.
type Application struct {
	log *slog.Logger

	server        transport.Server
	router        Router
	notifications NotificationCenter
	serializer    protocol.Serializer
	clock         *clock.Clock
	bufs          *pool.Buffers
	metrics       *metrics.Metrics
	host          *Host

	requestMiddleware      *middleware.Pipeline[*RequestContext]
	responseMiddleware     *middleware.Pipeline[*RequestResponseContext]
	notificationMiddleware *middleware.Pipeline[*NotificationContext]

	requests  *pool.Pool[*Request]
	responses *pool.Pool[*Response]

	tickInterval time.Duration
	now          func() time.Time
	tickTime     time.Time

	joinEvents     []transport.Connection
	resetEvents    []resetEvent
	incomingEvents []incomingEvent

	incomingRequests []*Request
	acceptedRequests []*Request

	acceptedResponses []requestResponse
	outgoingResponses []requestResponse

	outgoingNotifications []*Notification

	// leavedPeers were reset by the server during this tick; their
	// inbound data is discarded. leavingPeers are marked for disconnect
	// at the end of this tick.
	leavedPeers  map[transport.PeerID]struct{}
	leavingPeers map[transport.PeerID]struct{}

	running atomic.Bool

	onStarting     []func()
	onShuttingDown []func()
	onJoin         []func(transport.Connection)
	onReset        []func(transport.Connection, transport.ResetReason)
	onBadRequest   []func(transport.Connection, []byte)
}

func NewApplication(opts *ApplicationOpts) *Application {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Application{
		log:                    opts.Log.With("src", "application"),
		server:                 opts.Server,
		router:                 opts.Router,
		notifications:          opts.Notifications,
		serializer:             opts.Serializer,
		clock:                  opts.Clock,
		bufs:                   opts.Buffers,
		metrics:                opts.Metrics,
		host:                   opts.Host,
		requestMiddleware:      opts.RequestMiddleware,
		responseMiddleware:     opts.ResponseMiddleware,
		notificationMiddleware: opts.NotificationMiddleware,
		requests:               pool.New(func() *Request { return &Request{} }),
		responses:              pool.New(func() *Response { return &Response{} }),
		tickInterval:           opts.TickInterval,
		now:                    now,
		leavedPeers:            make(map[transport.PeerID]struct{}),
		leavingPeers:           make(map[transport.PeerID]struct{}),
	}
}

// Scripts exposes runtime script registration.
func (a *Application) Scripts() *ScriptLoader { return a.host.Loader() }

// Notifications exposes the center for producers outside the extension
// model.
func (a *Application) Notifications() NotificationCenter { return a.notifications }

// OnStarting subscribes to the event fired once, before the server
// starts accepting.
func (a *Application) OnStarting(fn func()) { a.onStarting = append(a.onStarting, fn) }

// OnShuttingDown subscribes to the event fired once, before scripts
// unload and the server stops.
func (a *Application) OnShuttingDown(fn func()) { a.onShuttingDown = append(a.onShuttingDown, fn) }

// OnJoin subscribes to peer joins.
func (a *Application) OnJoin(fn func(transport.Connection)) { a.onJoin = append(a.onJoin, fn) }

// OnReset subscribes to peer resets.
func (a *Application) OnReset(fn func(transport.Connection, transport.ResetReason)) {
	a.onReset = append(a.onReset, fn)
}

// OnBadRequest subscribes to frames that failed deserialization. The
// bytes are only valid during the callback.
func (a *Application) OnBadRequest(fn func(transport.Connection, []byte)) {
	a.onBadRequest = append(a.onBadRequest, fn)
}

// Shutdown asks the loop to stop; the in-flight tick completes normally.
// Safe to call from any goroutine.
func (a *Application) Shutdown() { a.running.Store(false) }

// Start runs the application until Shutdown: it binds the server
// handlers, initializes services, loads startup scripts, fires Starting,
// starts the server, and enters the tick loop. Startup failures return a
// *ConfigurationError: a service or startup script failure returns before
// any lifecycle event fires; a server start failure returns after Starting
// has fired.
func (a *Application) Start(port uint16, backlog int) error {
	if err := a.bootstrap(port, backlog); err != nil {
		return err
	}

	a.running.Store(true)
	for a.running.Load() {
		a.tick()

		if a.tickInterval > 0 {
			if rest := a.tickInterval - a.clock.Current(); rest > 0 {
				time.Sleep(rest)
			}
		}
	}

	return a.teardown()
}

// bootstrap binds the server handlers, initializes the extension host,
// fires Starting, and starts the server.
func (a *Application) bootstrap(port uint16, backlog int) error {
	a.server.Bind(transport.Handlers{
		OnJoin: func(c transport.Connection) {
			a.joinEvents = append(a.joinEvents, c)
		},
		OnReset: func(c transport.Connection, reason transport.ResetReason) {
			a.resetEvents = append(a.resetEvents, resetEvent{conn: c, reason: reason})
		},
		OnIncoming: func(c transport.Connection, data []byte) {
			a.incomingEvents = append(a.incomingEvents, incomingEvent{conn: c, data: data})
		},
		OnOutgoing: func(c transport.Connection, buf []byte, off, n int) {
			a.bufs.Return(buf)
		},
	})

	if err := a.host.initialize(); err != nil {
		return err
	}

	a.emit(a.onStarting)

	if err := a.server.Start(port, backlog); err != nil {
		return configErr("starting server", err)
	}

	a.log.Info("application started")

	return nil
}

// teardown fires ShuttingDown, unloads every live script, and stops the
// server.
func (a *Application) teardown() error {
	a.emit(a.onShuttingDown)
	a.host.shutdown()

	err := a.server.Stop()
	a.log.Info("application stopped", "ticks", a.clock.Ticks())

	return err
}

// tick executes the staged pipeline once. Exported for tests driving the
// loop by hand through Tick.
func (a *Application) Tick() { a.tick() }

func (a *Application) tick() {
	// Stage 1 — poll. Every event drained below carries this tick's
	// timestamp.
	a.clock.Tick()
	a.tickTime = a.now()
	a.server.Poll()

	a.stageLifecycle()
	a.stageDeserialize()
	a.stageRequestMiddleware()
	a.stageDispatch()
	a.host.tick()
	a.stageResponseMiddleware()
	a.stageNotificationMiddleware()
	a.stageEgressResponses()
	a.stageEgressNotifications()
	a.stageReset()

	a.metrics.Ticks.Inc()
	a.metrics.TickDuration.Observe(a.clock.Current().Seconds())
}

// Stage 2 — lifecycle: joins first, then resets. Peers reset during this
// tick's poll are recorded so their queued inbound data is discarded.
func (a *Application) stageLifecycle() {
	joins := a.joinEvents
	a.joinEvents = a.joinEvents[len(a.joinEvents):]
	for _, conn := range joins {
		for _, fn := range a.onJoin {
			a.safeEmit(func() { fn(conn) })
		}
	}

	clear(a.leavedPeers)

	resets := a.resetEvents
	a.resetEvents = a.resetEvents[len(a.resetEvents):]
	for _, ev := range resets {
		for _, fn := range a.onReset {
			a.safeEmit(func() { fn(ev.conn, ev.reason) })
		}
		a.leavedPeers[ev.conn.ID] = struct{}{}
	}
}

// Stage 3 — deserialize: split each receive buffer into frames and
// populate pooled requests. All frames alias the shared buffer through a
// refBuffer, so the pool sees exactly one return.
func (a *Application) stageDeserialize() {
	events := a.incomingEvents
	a.incomingEvents = a.incomingEvents[len(a.incomingEvents):]

	for _, ev := range events {
		if _, left := a.leavedPeers[ev.conn.ID]; left {
			a.bufs.Return(ev.data)
			continue
		}

		buffer := newRefBuffer(ev.data, a.bufs)
		offset := 0
		for offset < len(ev.data) {
			size, err := a.serializer.SizeFromBuffer(ev.data, offset)
			if err == nil && offset+int(size) > len(ev.data) {
				err = protocol.ErrShortBuffer
			}

			var msg protocol.Message
			if err == nil {
				msg, err = a.serializer.Deserialize(ev.data, offset)
			}
			if err != nil {
				// Framing is lost from here on; the remainder of the
				// buffer is discarded.
				a.badFrame(ev.conn, ev.data[offset:], err)
				break
			}

			req := a.requests.Take()
			req.Message = msg
			req.Contents = ev.data[offset : offset+int(size)]
			req.Peer = ev.conn
			req.Timestamp = a.tickTime
			req.buffer = buffer
			buffer.retain()

			a.incomingRequests = append(a.incomingRequests, req)
			offset += int(size)
		}

		buffer.release()
	}
}

func (a *Application) badFrame(conn transport.Connection, data []byte, err error) {
	a.log.Warn("bad frame",
		"peer", uint32(conn.ID), "bytes", len(data), "error", err.Error())
	a.metrics.BadRequests.Inc()

	for _, fn := range a.onBadRequest {
		a.safeEmit(func() { fn(conn, data) })
	}
}

// Stage 4 — request middleware.
func (a *Application) stageRequestMiddleware() {
	requests := a.incomingRequests
	a.incomingRequests = a.incomingRequests[len(a.incomingRequests):]

	for _, req := range requests {
		dropped, err := a.requestMiddleware.Invoke(&RequestContext{Request: req})
		if err != nil {
			a.log.Warn("request middleware failed",
				"peer", uint32(req.Peer.ID), "error", err.Error())
		}
		if dropped {
			a.releaseRequest(req)
			continue
		}

		a.acceptedRequests = append(a.acceptedRequests, req)
	}
}

// Stage 5 — dispatch. A request from a peer already marked leaving is
// discarded: an earlier request in this tick reset the peer.
func (a *Application) stageDispatch() {
	requests := a.acceptedRequests
	a.acceptedRequests = a.acceptedRequests[len(a.acceptedRequests):]

	for _, req := range requests {
		if _, leaving := a.leavingPeers[req.Peer.ID]; leaving {
			a.releaseRequest(req)
			continue
		}

		resp := a.responses.Take()
		a.router.Dispatch(req, resp)
		a.metrics.Requests.WithLabelValues(resp.Status.String()).Inc()

		switch resp.Status {
		case StatusEmpty:
			a.log.Warn("handler left response empty", "peer", uint32(req.Peer.ID))
			a.releasePair(req, resp)
			continue

		case StatusReset:
			a.leavingPeers[req.Peer.ID] = struct{}{}

		case StatusOk:

		case StatusServerError:
			a.log.Warn("handler failed",
				"peer", uint32(req.Peer.ID), "error", fmt.Sprint(resp.Err))

		case StatusBadRequest, StatusNoRoute:
			a.log.Warn("request refused",
				"peer", uint32(req.Peer.ID), "status", resp.Status.String())
		}

		if resp.ContainsReply() {
			a.acceptedResponses = append(a.acceptedResponses, requestResponse{req: req, resp: resp})
		} else {
			a.releasePair(req, resp)
		}
	}
}

// Stage 7a — response middleware; survivors move to the egress queue.
func (a *Application) stageResponseMiddleware() {
	responses := a.acceptedResponses
	a.acceptedResponses = a.acceptedResponses[len(a.acceptedResponses):]

	for _, rr := range responses {
		dropped, err := a.responseMiddleware.Invoke(&RequestResponseContext{
			Request:  rr.req,
			Response: rr.resp,
		})
		if err != nil {
			a.log.Warn("response middleware failed",
				"peer", uint32(rr.req.Peer.ID), "error", err.Error())
		}
		if dropped {
			a.releasePair(rr.req, rr.resp)
			continue
		}

		a.outgoingResponses = append(a.outgoingResponses, rr)
	}
}

// Stage 7b — notification middleware; the center is drained exactly once
// per tick.
func (a *Application) stageNotificationMiddleware() {
	peers := a.server.Peers()

	a.notifications.Handle(func(n *Notification) {
		dropped, err := a.notificationMiddleware.Invoke(&NotificationContext{
			Peers:        peers,
			Notification: n,
		})
		if err != nil {
			a.log.Warn("notification middleware failed",
				"command", n.Command.String(), "error", err.Error())
		}
		if dropped {
			a.notifications.Release(n)
			return
		}

		a.outgoingNotifications = append(a.outgoingNotifications, n)
	})
}

// Stage 8a — response egress: serialize each reply into a pool buffer and
// hand it to the send path, which returns it through the outgoing
// completion.
func (a *Application) stageEgressResponses() {
	responses := a.outgoingResponses
	a.outgoingResponses = a.outgoingResponses[len(a.outgoingResponses):]

	for _, rr := range responses {
		a.sendMessage(rr.req.Peer.ID, rr.resp.Message)
		a.releasePair(rr.req, rr.resp)
	}
}

// Stage 8b — notification egress. Every per-peer delivery gets its own
// pool buffer so each send completion releases exactly one.
func (a *Application) stageEgressNotifications() {
	notifications := a.outgoingNotifications
	a.outgoingNotifications = a.outgoingNotifications[len(a.outgoingNotifications):]

	for _, n := range notifications {
		a.metrics.Notifications.WithLabelValues(n.Command.String()).Inc()

		switch n.Command {
		case CommandSend, CommandBroadcastNarrow:
			for _, id := range n.Peers {
				if _, leaving := a.leavingPeers[id]; leaving {
					continue
				}
				a.sendMessage(id, n.Message)
			}

		case CommandBroadcastWide:
			for _, id := range a.server.Peers() {
				if _, leaving := a.leavingPeers[id]; leaving {
					continue
				}
				a.sendMessage(id, n.Message)
			}

		case CommandReset:
			for _, id := range n.Peers {
				if _, leaving := a.leavingPeers[id]; leaving {
					continue
				}
				// A nil message suppresses the farewell but the peer
				// still leaves.
				if n.Message != nil {
					a.sendMessage(id, n.Message)
				}
				a.leavingPeers[id] = struct{}{}
			}
		}

		a.notifications.Release(n)
	}
}

// Stage 9 — reset: disconnect every peer marked leaving.
func (a *Application) stageReset() {
	for id := range a.leavingPeers {
		if err := a.server.Disconnect(id); err != nil {
			a.log.Warn("disconnect failed", "peer", uint32(id), "error", err.Error())
		}
	}
	clear(a.leavingPeers)
}

// sendMessage serializes msg into a fresh pool buffer and hands it to the
// send path. On failure the buffer is reclaimed here instead.
func (a *Application) sendMessage(id transport.PeerID, msg protocol.Message) {
	size, err := a.serializer.SizeFromMessage(msg)
	if err != nil {
		a.log.Warn("unserializable message", "peer", uint32(id), "error", err.Error())
		return
	}

	buf := a.bufs.Take(int(size))
	if err := a.serializer.Serialize(msg, buf, 0); err != nil {
		a.bufs.Return(buf)
		a.log.Warn("serialization failed", "peer", uint32(id), "error", err.Error())
		return
	}

	if err := a.server.Send(id, buf, 0, int(size)); err != nil {
		a.bufs.Return(buf)
		a.log.Warn("send failed", "peer", uint32(id), "error", err.Error())
	}
}

func (a *Application) releaseRequest(req *Request) {
	req.buffer.release()
	a.requests.Return(req)
}

func (a *Application) releasePair(req *Request, resp *Response) {
	a.releaseRequest(req)
	a.responses.Return(resp)
}

func (a *Application) emit(fns []func()) {
	for _, fn := range fns {
		a.safeEmit(fn)
	}
}

// safeEmit contains subscriber panics; user callbacks never abort the
// tick loop.
func (a *Application) safeEmit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Warn("event subscriber panic contained", "panic", fmt.Sprint(r))
		}
	}()

	fn()
}
