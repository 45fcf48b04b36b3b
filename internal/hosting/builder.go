package hosting

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prxssh/warren/internal/metrics"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/clock"
	"github.com/prxssh/warren/pkg/middleware"
	"github.com/prxssh/warren/pkg/pool"
)

// Builder assembles an application from user declarations. Every omitted
// slot is filled with its in-memory default at Build.
type Builder struct {
	log *slog.Logger

	server        transport.Server
	router        Router
	notifications NotificationCenter
	serializer    protocol.Serializer
	clk           *clock.Clock
	buffers       *pool.Buffers
	metrics       *metrics.Metrics

	requestMiddleware      *middleware.Pipeline[*RequestContext]
	responseMiddleware     *middleware.Pipeline[*RequestResponseContext]
	notificationMiddleware *middleware.Pipeline[*NotificationContext]

	services    []ServiceConstructor
	scripts     []ScriptConstructor
	sharedDeps  []any
	serviceDeps []any
	scriptDeps  []any

	tickInterval      time.Duration
	gracePeriod       time.Duration
	writeTimeout      time.Duration
	receiveBufferSize int
}

// NewBuilder returns a builder with conservative defaults: a frame codec,
// a 64 KiB receive buffer, and a two-minute idle grace period.
func NewBuilder() *Builder {
	return &Builder{
		gracePeriod:       2 * time.Minute,
		writeTimeout:      30 * time.Second,
		receiveBufferSize: 65536,
	}
}

func (b *Builder) Log(log *slog.Logger) *Builder { b.log = log; return b }

// Server overrides the transport. The default is a TCPServer built from
// the builder's buffers and timeouts.
func (b *Builder) Server(s transport.Server) *Builder { b.server = s; return b }

func (b *Builder) Router(r Router) *Builder { b.router = r; return b }

func (b *Builder) Notifications(n NotificationCenter) *Builder { b.notifications = n; return b }

func (b *Builder) Serializer(s protocol.Serializer) *Builder { b.serializer = s; return b }

// Timer overrides the tick clock.
func (b *Builder) Timer(c *clock.Clock) *Builder { b.clk = c; return b }

func (b *Builder) Buffers(p *pool.Buffers) *Builder { b.buffers = p; return b }

func (b *Builder) Metrics(m *metrics.Metrics) *Builder { b.metrics = m; return b }

func (b *Builder) RequestMiddleware(h ...middleware.Handler[*RequestContext]) *Builder {
	b.requestMiddleware = middleware.New(h...)
	return b
}

func (b *Builder) ResponseMiddleware(h ...middleware.Handler[*RequestResponseContext]) *Builder {
	b.responseMiddleware = middleware.New(h...)
	return b
}

func (b *Builder) NotificationMiddleware(h ...middleware.Handler[*NotificationContext]) *Builder {
	b.notificationMiddleware = middleware.New(h...)
	return b
}

// Service declares a long-lived extension, constructed once at startup.
func (b *Builder) Service(ctor ServiceConstructor) *Builder {
	b.services = append(b.services, ctor)
	return b
}

// Script declares a startup script.
func (b *Builder) Script(ctor ScriptConstructor) *Builder {
	b.scripts = append(b.scripts, ctor)
	return b
}

// ServiceDependency registers a value resolvable by service constructors.
func (b *Builder) ServiceDependency(v any) *Builder {
	b.serviceDeps = append(b.serviceDeps, v)
	return b
}

// ScriptDependency registers a value resolvable by script constructors.
func (b *Builder) ScriptDependency(v any) *Builder {
	b.scriptDeps = append(b.scriptDeps, v)
	return b
}

// SharedDependency registers a value resolvable by both kinds.
func (b *Builder) SharedDependency(v any) *Builder {
	b.sharedDeps = append(b.sharedDeps, v)
	return b
}

func (b *Builder) TickInterval(d time.Duration) *Builder { b.tickInterval = d; return b }

func (b *Builder) GracePeriod(d time.Duration) *Builder { b.gracePeriod = d; return b }

func (b *Builder) WriteTimeout(d time.Duration) *Builder { b.writeTimeout = d; return b }

func (b *Builder) ReceiveBufferSize(n int) *Builder { b.receiveBufferSize = n; return b }

// Build fills the remaining slots with defaults and returns the runnable
// application.
func (b *Builder) Build() (*Application, error) {
	if b.receiveBufferSize <= 0 {
		return nil, configErr("building application",
			fmt.Errorf("receive buffer size must be positive, got %d", b.receiveBufferSize))
	}

	log := b.log
	if log == nil {
		log = slog.Default()
	}
	if b.buffers == nil {
		b.buffers = pool.NewBuffers()
	}
	if b.metrics == nil {
		b.metrics = metrics.Nop()
	}
	if b.serializer == nil {
		b.serializer = &protocol.FrameCodec{}
	}
	if b.clk == nil {
		b.clk = clock.New()
	}
	if b.router == nil {
		b.router = NewRouter()
	}
	if b.notifications == nil {
		b.notifications = NewNotificationCenter()
	}
	if b.requestMiddleware == nil {
		b.requestMiddleware = middleware.New[*RequestContext]()
	}
	if b.responseMiddleware == nil {
		b.responseMiddleware = middleware.New[*RequestResponseContext]()
	}
	if b.notificationMiddleware == nil {
		b.notificationMiddleware = middleware.New[*NotificationContext]()
	}
	if b.server == nil {
		b.server = transport.NewTCPServer(&transport.TCPServerOpts{
			Log:               log,
			Buffers:           b.buffers,
			Metrics:           b.metrics,
			ReceiveBufferSize: b.receiveBufferSize,
			GracePeriod:       b.gracePeriod,
			WriteTimeout:      b.writeTimeout,
		})
	}

	host := NewHost(&HostOpts{
		Log:         log,
		Services:    b.services,
		Scripts:     b.scripts,
		SharedDeps:  append([]any{b.notifications}, b.sharedDeps...),
		ServiceDeps: b.serviceDeps,
		ScriptDeps:  b.scriptDeps,
	})

	app := NewApplication(&ApplicationOpts{
		Log:                    log,
		Server:                 b.server,
		Router:                 b.router,
		Notifications:          b.notifications,
		Serializer:             b.serializer,
		Clock:                  b.clk,
		Buffers:                b.buffers,
		Metrics:                b.metrics,
		Host:                   host,
		RequestMiddleware:      b.requestMiddleware,
		ResponseMiddleware:     b.responseMiddleware,
		NotificationMiddleware: b.notificationMiddleware,
		TickInterval:           b.tickInterval,
	})

	return app, nil
}
