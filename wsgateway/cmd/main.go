package main

import (
	"context"
	"net/http"

	"github.com/spf13/viper"

	"github.com/imtaco/conf-sfu/hlsserver"
	hlstransport "github.com/imtaco/conf-sfu/hlsserver/transport"
	hlswatcher "github.com/imtaco/conf-sfu/hlsserver/watcher"
	"github.com/imtaco/conf-sfu/internal/config"
	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/engine/remote"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/httputil"
	wsrpc "github.com/imtaco/conf-sfu/internal/jsonrpc/websocket"
	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/internal/network"
	"github.com/imtaco/conf-sfu/internal/otel"
	"github.com/imtaco/conf-sfu/internal/workflow"
	"github.com/imtaco/conf-sfu/mixers"
	"github.com/imtaco/conf-sfu/mixers/compositor"
	"github.com/imtaco/conf-sfu/mixers/ports"
	"github.com/imtaco/conf-sfu/rooms"
	"github.com/imtaco/conf-sfu/rooms/service"
	"github.com/imtaco/conf-sfu/workers"
	"github.com/imtaco/conf-sfu/wsgateway"
	"github.com/imtaco/conf-sfu/wsgateway/signal"
	"github.com/imtaco/conf-sfu/wsgateway/transport"
)

type Config struct {
	App     config.App       `mapstructure:"app"`
	HTTP    httputil.Config  `mapstructure:"http"`
	Otel    otel.Config      `mapstructure:"otel"`
	Workers workers.Config   `mapstructure:"workers"`
	Engine  remote.Config    `mapstructure:"engine"`
	Rooms   rooms.Config     `mapstructure:"rooms"`
	HLS     mixers.Config    `mapstructure:"hls"`
	Monitor hlsserver.Config `mapstructure:"monitor"`
	Signal  wsgateway.Config `mapstructure:"signal"`

	CorsOrigin string `mapstructure:"cors_origin"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("cors_origin", "*")

		config.Setup(v, "app")
		httputil.Setup(v, "http")
		otel.Setup(v, "otel")
		workers.Setup(v, "workers")
		remote.Setup(v, "engine")
		rooms.Setup(v, "rooms")
		mixers.Setup(v, "hls")
		hlsserver.Setup(v, "monitor")
		wsgateway.Setup(v, "signal")

		v.SetDefault("http.addr", "0.0.0.0:3000")
	})
}

func transportOptions(cfg *remote.Config) engine.WebRtcTransportOptions {
	announced := cfg.AnnouncedIP
	if announced == "" {
		announced = network.HostIP().String()
	}
	return engine.WebRtcTransportOptions{
		ListenIPs: []engine.ListenIP{{IP: cfg.ListenIP, AnnouncedIP: announced}},
		EnableUDP: true,
		EnableTCP: true,
		PreferUDP: true,
	}
}

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(config.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otel.Init(ctx, &config.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}

	logger.Info("Starting SFU gateway...")

	eng := remote.New(&config.Engine, logger.Module("Engine"))
	pool := workers.NewPool(&config.Workers, eng, logger.Module("WorkerPool"))
	if err := pool.Initialize(ctx); err != nil {
		logger.Fatal("Failed to start media workers", log.Error(err))
	}

	monitor := hlswatcher.NewMonitor(config.Monitor, logger.Module("Monitor"))
	streams := compositor.NewCompositor(
		config.HLS,
		ports.NewAllocator(config.HLS.PortBase, config.HLS.ProbePorts, logger.Module("Ports")),
		monitor,
		logger.Module("Compositor"),
	)

	connMgr := signal.NewWSConnMgr(logger.Module("ConnMgr"))
	registry := service.NewRegistry(
		&config.Rooms,
		pool,
		transportOptions(&config.Engine),
		logger.Module("Rooms"),
		service.WithStreamStopper(streams),
		service.WithNotifier(connMgr),
	)

	var jwtAuth jwt.Auth
	if config.Signal.JWTSecret != "" {
		jwtAuth = jwt.NewAuth(config.Signal.JWTSecret, jwt.WithTTL(config.Signal.TokenTTL))
	} else {
		logger.Warn("Signaling auth disabled, connections are anonymous")
	}

	leaver := signal.NewRoomLeaver(registry, connMgr, logger.Module("Leave"))
	hook := signal.NewWSHook(
		&config.Signal,
		connMgr,
		signal.NewConnGuard(logger.Module("ConnGuard")),
		leaver,
		jwtAuth,
		logger.Module("WSHook"),
	)
	wsRPCServer := wsrpc.NewServer(
		hook,
		config.Signal.AllowedOrigins,
		logger.Module("WSRPC"),
	)
	if config.Signal.ReadLimit > 0 {
		wsRPCServer.SetReadLimit(config.Signal.ReadLimit)
	}
	signalServer := signal.NewServer(
		wsRPCServer,
		registry,
		streams,
		connMgr,
		leaver,
		logger.Module("Signal"),
	)
	if err := signalServer.Open(ctx); err != nil {
		logger.Fatal("Failed to open Signal Server", log.Error(err))
	}

	router := transport.NewRouter(
		config.CorsOrigin,
		pool,
		registry,
		streams,
		wsRPCServer.HandleWebSocket,
		hlstransport.NewStreamRouter(config.HLS.Root, jwtAuth, logger.Module("HLS")),
		logger.Module("HTTP"),
	)
	httpServer := httputil.NewServer(&config.HTTP, router.Handler())

	go func() {
		logger.Info("Starting HTTP server", log.String("addr", config.HTTP.Addr))
		if err := httpServer.Listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start HTTP server", log.Error(err))
		}
	}()

	// Graceful shutdown
	cleanup := func(ctx context.Context) {
		_ = httpServer.Shutdown(ctx)
		_ = signalServer.Close()

		streams.Close(ctx)
		registry.CloseAll(ctx)
		monitor.Close()
		pool.Close()

		if err := otelShutdown(ctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}
