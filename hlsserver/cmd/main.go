package main

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/imtaco/conf-sfu/hlsserver/transport"
	"github.com/imtaco/conf-sfu/internal/config"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/httputil"
	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/internal/otel"
	"github.com/imtaco/conf-sfu/internal/workflow"
)

// Standalone file server for composite stream output, for deployments that
// put HLS delivery on a separate host sharing the output volume.
type Config struct {
	App       config.App      `mapstructure:"app"`
	HTTP      httputil.Config `mapstructure:"http"`
	Otel      otel.Config     `mapstructure:"otel"`
	Root      string          `mapstructure:"root"`
	JWTSecret string          `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration   `mapstructure:"token_ttl"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		v.SetDefault("root", "./hls")
		v.SetDefault("jwt_secret", "")
		v.SetDefault("token_ttl", 12*time.Hour)

		config.Setup(v, "app")
		httputil.Setup(v, "http")
		otel.Setup(v, "otel")

		v.SetDefault("http.addr", "0.0.0.0:3102")
	})
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

	otelShutdown, err := otel.Init(ctx, &config.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}

	var jwtAuth jwt.Auth
	if config.JWTSecret != "" {
		jwtAuth = jwt.NewAuth(config.JWTSecret, jwt.WithTTL(config.TokenTTL))
	}

	router := transport.NewStreamRouter(config.Root, jwtAuth, logger.Module("HLS"))
	server := httputil.NewServer(&config.HTTP, router.Handler())

	go func() {
		logger.Info("Starting HLS server",
			log.String("addr", config.HTTP.Addr),
			log.String("root", config.Root),
			log.Bool("tokenEndpoint", jwtAuth != nil))
		if err := server.Listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start HLS server", log.Error(err))
		}
	}()

	cleanup := func(ctx context.Context) {
		_ = server.Shutdown(ctx)
		if err := otelShutdown(ctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}
