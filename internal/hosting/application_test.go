package hosting

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/middleware"
	"github.com/prxssh/warren/pkg/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testApp struct {
	app  *Application
	srv  *fakeServer
	bufs *pool.Buffers
}

func buildTestApp(t *testing.T, configure func(*Builder)) *testApp {
	t.Helper()

	srv := newFakeServer()
	bufs := pool.NewBuffers()

	b := NewBuilder().Log(testLogger()).Server(srv).Buffers(bufs)
	if configure != nil {
		configure(b)
	}

	app, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, app.bootstrap(0, 16))

	return &testApp{app: app, srv: srv, bufs: bufs}
}

// assertNoLeaks runs one settle tick and checks that every pooled object
// made it back.
func (ta *testApp) assertNoLeaks(t *testing.T) {
	t.Helper()

	ta.app.Tick()

	assert.Zero(t, ta.bufs.Outstanding(), "byte buffers leaked")
	assert.Zero(t, ta.app.requests.Outstanding(), "requests leaked")
	assert.Zero(t, ta.app.responses.Outstanding(), "responses leaked")
}

func encodeFrame(t *testing.T, typ protocol.FrameType, payload []byte) []byte {
	t.Helper()

	codec := &protocol.FrameCodec{}
	frame := protocol.NewFrame(typ, payload)

	size, err := codec.SizeFromMessage(frame)
	require.NoError(t, err)

	buf := make([]byte, size)
	require.NoError(t, codec.Serialize(frame, buf, 0))

	return buf
}

func decodeFrame(t *testing.T, data []byte) *protocol.Frame {
	t.Helper()

	codec := &protocol.FrameCodec{}
	msg, err := codec.Deserialize(data, 0)
	require.NoError(t, err)

	return msg.(*protocol.Frame)
}

const (
	typePing protocol.FrameType = 1
	typePong protocol.FrameType = 2
	typeBye  protocol.FrameType = 3
)

func TestApplication_PingPong(t *testing.T) {
	var joins, resets int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchFrameType(typePing), func(req *Request, resp *Response) error {
			resp.Ok(protocol.NewFrame(typePong, []byte("pong")))
			return nil
		})
		b.Router(router)
	})
	ta.app.OnJoin(func(transport.Connection) { joins++ })
	ta.app.OnReset(func(transport.Connection, transport.ResetReason) { resets++ })

	ta.srv.join(1)
	ta.app.Tick()
	require.Equal(t, 1, joins)

	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, []byte("ping"))))
	ta.app.Tick()

	require.Len(t, ta.srv.sent, 1)
	reply := decodeFrame(t, ta.srv.sent[0].data)
	assert.Equal(t, typePong, reply.Type)
	assert.Equal(t, []byte("pong"), reply.Payload)

	assert.True(t, ta.srv.IsConnected(1))
	assert.Zero(t, resets)
	ta.assertNoLeaks(t)
}

func TestApplication_ResetOnHandler(t *testing.T) {
	var resetReason transport.ResetReason
	var resets int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			resp.Reset(protocol.NewFrame(typeBye, []byte("goodbye")))
			return nil
		})
		b.Router(router)
	})
	ta.app.OnReset(func(c transport.Connection, r transport.ResetReason) {
		resets++
		resetReason = r
	})

	ta.srv.join(1)
	ta.app.Tick()

	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	// reply went out before the disconnect
	require.Len(t, ta.srv.sent, 1)
	assert.Equal(t, typeBye, decodeFrame(t, ta.srv.sent[0].data).Type)
	require.Equal(t, []transport.PeerID{1}, ta.srv.disconnects)

	// the reset surfaces on a subsequent tick
	ta.app.Tick()
	require.Equal(t, 1, resets)
	assert.Equal(t, transport.ServerReset, resetReason)

	ta.assertNoLeaks(t)
}

func TestApplication_LeavingPeerDiscardsLaterRequests(t *testing.T) {
	var handled int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			handled++
			resp.Reset(nil)
			return nil
		})
		b.Router(router)
	})

	ta.srv.join(1)
	ta.app.Tick()

	// two frames in one receive: the first resets the peer, the second
	// must be discarded
	ta.srv.receive(1, frameBytes(ta.bufs,
		encodeFrame(t, typePing, []byte("a")),
		encodeFrame(t, typePing, []byte("b")),
	))
	ta.app.Tick()

	assert.Equal(t, 1, handled)
	assert.Equal(t, []transport.PeerID{1}, ta.srv.disconnects)
	ta.assertNoLeaks(t)
}

func TestApplication_LeavedPeerContributesNoRequests(t *testing.T) {
	var handled, resets int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			handled++
			resp.Ok(nil)
			return nil
		})
		b.Router(router)
	})
	ta.app.OnReset(func(transport.Connection, transport.ResetReason) { resets++ })

	ta.srv.join(1)
	ta.app.Tick()

	// data received before the reset, both surfacing in the same poll
	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.srv.remoteReset(1)
	ta.app.Tick()

	assert.Equal(t, 1, resets)
	assert.Zero(t, handled, "request from a leaved peer was dispatched")
	ta.assertNoLeaks(t)
}

func TestApplication_BroadcastWide(t *testing.T) {
	ta := buildTestApp(t, nil)

	for id := transport.PeerID(1); id <= 3; id++ {
		ta.srv.join(id)
	}
	ta.app.Tick()

	ta.app.Notifications().BroadcastWide(protocol.NewFrame(typePong, []byte("snapshot")))
	ta.app.Tick()

	require.Len(t, ta.srv.sent, 3)
	seen := map[transport.PeerID]bool{}
	for _, sent := range ta.srv.sent {
		seen[sent.id] = true
		assert.Equal(t, []byte("snapshot"), decodeFrame(t, sent.data).Payload)
	}
	assert.Len(t, seen, 3)

	ta.assertNoLeaks(t)
}

func TestApplication_NarrowBroadcastExcludesLeaving(t *testing.T) {
	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			resp.Reset(nil)
			return nil
		})
		b.Router(router)
	})

	for id := transport.PeerID(1); id <= 3; id++ {
		ta.srv.join(id)
	}
	ta.app.Tick()

	// peer 1's request marks it leaving; the narrow broadcast targeting
	// all three then skips it
	require.NoError(t, ta.app.Notifications().BroadcastNarrow(
		protocol.NewFrame(typePong, []byte("news")), 1, 2, 3))
	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	targets := map[transport.PeerID]bool{}
	for _, sent := range ta.srv.sent {
		targets[sent.id] = true
	}
	assert.Equal(t, map[transport.PeerID]bool{2: true, 3: true}, targets)
	assert.Equal(t, []transport.PeerID{1}, ta.srv.disconnects)

	ta.assertNoLeaks(t)
}

func TestApplication_ResetNotificationNilMessageSuppressesSend(t *testing.T) {
	var resets int
	ta := buildTestApp(t, nil)
	ta.app.OnReset(func(transport.Connection, transport.ResetReason) { resets++ })

	ta.srv.join(1)
	ta.app.Tick()

	require.NoError(t, ta.app.Notifications().Reset(nil, 1))
	ta.app.Tick()

	assert.Empty(t, ta.srv.sent)
	assert.Equal(t, []transport.PeerID{1}, ta.srv.disconnects)

	ta.app.Tick()
	assert.Equal(t, 1, resets)
	ta.assertNoLeaks(t)
}

func TestApplication_BadFrameDiscardsRemainder(t *testing.T) {
	var handled int
	var badBytes []byte

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			handled++
			resp.Ok(nil)
			return nil
		})
		b.Router(router)
	})
	ta.app.OnBadRequest(func(c transport.Connection, data []byte) {
		badBytes = append([]byte(nil), data...)
	})

	ta.srv.join(1)
	ta.app.Tick()

	// a zero length prefix is invalid framing; the valid frame behind it
	// must not be processed
	garbage := []byte{0, 0, 0, 0}
	ta.srv.receive(1, frameBytes(ta.bufs, garbage, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	assert.Zero(t, handled)
	require.NotNil(t, badBytes)
	assert.Equal(t, garbage, badBytes[:4])

	ta.assertNoLeaks(t)
}

func TestApplication_TruncatedTrailingFrame(t *testing.T) {
	var handled, bad int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			handled++
			resp.Ok(nil)
			return nil
		})
		b.Router(router)
	})
	ta.app.OnBadRequest(func(transport.Connection, []byte) { bad++ })

	ta.srv.join(1)
	ta.app.Tick()

	full := encodeFrame(t, typePing, []byte("complete"))
	truncated := encodeFrame(t, typePing, []byte("cut off"))[:5]
	ta.srv.receive(1, frameBytes(ta.bufs, full, truncated))
	ta.app.Tick()

	assert.Equal(t, 1, handled, "the complete leading frame should dispatch")
	assert.Equal(t, 1, bad)
	ta.assertNoLeaks(t)
}

func TestApplication_RequestMiddlewareRejectReleases(t *testing.T) {
	var handled int

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			handled++
			resp.Ok(nil)
			return nil
		})
		b.Router(router)
		b.RequestMiddleware(func(ctx *RequestContext) (middleware.Decision, error) {
			return middleware.Reject, nil
		})
	})

	ta.srv.join(1)
	ta.app.Tick()

	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	assert.Zero(t, handled)
	ta.assertNoLeaks(t)
}

func TestApplication_ResponseMiddlewareRejectDropsReply(t *testing.T) {
	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			resp.Ok(protocol.NewFrame(typePong, nil))
			return nil
		})
		b.Router(router)
		b.ResponseMiddleware(func(ctx *RequestResponseContext) (middleware.Decision, error) {
			return middleware.Reject, nil
		})
	})

	ta.srv.join(1)
	ta.app.Tick()

	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	assert.Empty(t, ta.srv.sent)
	ta.assertNoLeaks(t)
}

func TestApplication_NotificationMiddlewareRejectDrops(t *testing.T) {
	ta := buildTestApp(t, func(b *Builder) {
		b.NotificationMiddleware(func(ctx *NotificationContext) (middleware.Decision, error) {
			return middleware.Reject, nil
		})
	})

	ta.srv.join(1)
	ta.app.Tick()

	ta.app.Notifications().BroadcastWide(protocol.NewFrame(typePong, nil))
	ta.app.Tick()

	assert.Empty(t, ta.srv.sent)
	ta.assertNoLeaks(t)
}

func TestApplication_NoRouteSendsNoReply(t *testing.T) {
	ta := buildTestApp(t, nil) // no routes at all

	ta.srv.join(1)
	ta.app.Tick()

	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	// no route: warned, no reply, nothing leaks
	assert.Empty(t, ta.srv.sent)
	assert.True(t, ta.srv.IsConnected(1))
	ta.assertNoLeaks(t)
}

func TestApplication_TickOrdering(t *testing.T) {
	var order []string

	ta := buildTestApp(t, func(b *Builder) {
		router := NewRouter()
		router.Route(MatchAny(), func(req *Request, resp *Response) error {
			order = append(order, "handler")
			resp.Ok(nil)
			return nil
		})
		b.Router(router)
		b.Service(func(r *Registry) (Service, error) {
			return tickFunc(func() { order = append(order, "service") }), nil
		})
		b.Script(func(ctx *ScriptContext) (Script, error) {
			return activeScriptFunc(func() { order = append(order, "script") }), nil
		})
	})
	ta.app.OnJoin(func(transport.Connection) { order = append(order, "join") })

	ta.srv.join(1)
	ta.srv.receive(1, frameBytes(ta.bufs, encodeFrame(t, typePing, nil)))
	ta.app.Tick()

	require.Equal(t, []string{"join", "handler", "service", "script"}, order)
	ta.assertNoLeaks(t)
}

func TestApplication_ServicePanicDoesNotSkipScripts(t *testing.T) {
	var scriptTicks int

	ta := buildTestApp(t, func(b *Builder) {
		b.Service(func(r *Registry) (Service, error) {
			return tickFunc(func() { panic("service exploded") }), nil
		})
		b.Script(func(ctx *ScriptContext) (Script, error) {
			return activeScriptFunc(func() { scriptTicks++ }), nil
		})
	})

	ta.app.Tick()
	ta.app.Tick()

	assert.Equal(t, 2, scriptTicks)
}

func TestApplication_StartupFailureIsConfigurationError(t *testing.T) {
	srv := newFakeServer()
	app, err := NewBuilder().
		Log(testLogger()).
		Server(srv).
		Service(func(r *Registry) (Service, error) { return nil, nil }).
		Build()
	require.NoError(t, err)

	var starting bool
	app.OnStarting(func() { starting = true })

	err = app.Start(0, 16)
	require.Error(t, err)

	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, starting, "Starting fired despite startup failure")
	assert.False(t, srv.started)
}

// tickFunc adapts a func to ActiveService.
type tickFunc func()

func (f tickFunc) Tick() { f() }

// activeScriptFunc adapts a func to ActiveScript.
type activeScriptFunc func()

func (f activeScriptFunc) Tick() { f() }
