// warren is a tick-driven stateful TCP application server. This binary
// wires a small broadcast chat application on top of the host: echo,
// shout (wide broadcast), and quit frames, plus a periodic status
// announcement service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/hosting"
	"github.com/prxssh/warren/internal/metrics"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/transport"
	"github.com/prxssh/warren/pkg/pool"
	"github.com/prxssh/warren/pkg/utils/logging"
)

const (
	frameEcho  protocol.FrameType = 1
	frameShout protocol.FrameType = 2
	frameQuit  protocol.FrameType = 3

	frameStatus protocol.FrameType = 100
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	port := flag.Uint("port", 0, "listen port override")
	flag.Parse()

	if err := loadConfig(*configPath, uint16(*port)); err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server exited with failure", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string, port uint16) error {
	if path == "" {
		if err := config.Init(); err != nil {
			return err
		}
	} else {
		cfg, err := config.FromFile(path)
		if err != nil {
			return err
		}
		config.Swap(cfg)
	}

	if port != 0 {
		config.Update(func(c *config.Config) { c.Port = port })
	}

	return nil
}

func setupLogger(level string) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = logging.ParseLevel(level)

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))
}

func run(cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bufs := pool.NewBuffers()

	server := transport.NewTCPServer(&transport.TCPServerOpts{
		Log:               slog.Default(),
		Buffers:           bufs,
		Metrics:           m,
		ReceiveBufferSize: cfg.ReceiveBufferSize,
		GracePeriod:       cfg.GracePeriod,
		WriteTimeout:      cfg.WriteTimeout,
	})

	notifications := hosting.NewNotificationCenter()

	app, err := hosting.NewBuilder().
		Log(slog.Default()).
		Server(server).
		Buffers(bufs).
		Metrics(m).
		Serializer(&protocol.FrameCodec{MaxFrameSize: cfg.MaxFrameSize}).
		Notifications(notifications).
		Router(chatRouter(notifications)).
		TickInterval(cfg.TickInterval).
		Service(newStatusService).
		Script(newBannerScript).
		Build()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Start(cfg.Port, cfg.Backlog)
	})

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsBindAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			slog.Info("metrics endpoint up", "addr", cfg.MetricsBindAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		app.Shutdown()

		if metricsServer != nil {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()

	stats := server.Stats()
	slog.Info("final stats",
		"peers_joined", humanize.Comma(int64(stats.TotalJoined)),
		"bytes_in", humanize.Bytes(stats.BytesIn),
		"bytes_out", humanize.Bytes(stats.BytesOut),
	)

	return err
}

// chatRouter wires the demo application protocol.
func chatRouter(notifications hosting.NotificationCenter) hosting.Router {
	router := hosting.NewRouter()

	router.Route(hosting.MatchFrameType(frameEcho),
		func(req *hosting.Request, resp *hosting.Response) error {
			frame := req.Message.(*protocol.Frame)
			resp.Ok(protocol.NewFrame(frameEcho, frame.Payload))
			return nil
		})

	router.Route(hosting.MatchFrameType(frameShout),
		func(req *hosting.Request, resp *hosting.Response) error {
			frame := req.Message.(*protocol.Frame)
			notifications.BroadcastWide(protocol.NewFrame(frameShout, frame.Payload))
			resp.Ok(nil)
			return nil
		})

	router.Route(hosting.MatchFrameType(frameQuit),
		func(req *hosting.Request, resp *hosting.Response) error {
			resp.Reset(protocol.NewFrame(frameQuit, []byte("bye")))
			return nil
		})

	return router
}

// statusService periodically announces the uptime in ticks to everyone.
type statusService struct {
	notifications hosting.NotificationCenter
	ticks         uint64
}

func newStatusService(r *hosting.Registry) (hosting.Service, error) {
	notifications, ok := hosting.Resolve[hosting.NotificationCenter](r)
	if !ok {
		return nil, errors.New("notification center not registered")
	}

	return &statusService{notifications: notifications}, nil
}

func (s *statusService) Tick() {
	s.ticks++
	if s.ticks%500 != 0 {
		return
	}

	payload := fmt.Appendf(nil, "uptime ticks: %d", s.ticks)
	s.notifications.BroadcastWide(protocol.NewFrame(frameStatus, payload))
}

// bannerScript logs once at startup and unloads itself.
type bannerScript struct{}

func (bannerScript) Invoke() {
	slog.Info("warren is accepting connections")
}

func newBannerScript(ctx *hosting.ScriptContext) (hosting.Script, error) {
	return bannerScript{}, nil
}
