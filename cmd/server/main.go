// Command server runs the livecast control plane: the RTMP ingest listener,
// the transcode supervisor, the chat hub, and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"livecast/internal/api"
	"livecast/internal/config"
	"livecast/internal/hub"
	"livecast/internal/ingest"
	"livecast/internal/ingest/rtmp"
	"livecast/internal/observability/logging"
	"livecast/internal/observability/metrics"
	"livecast/internal/server"
	"livecast/internal/serverutil"
	"livecast/internal/session"
	"livecast/internal/storage"
	"livecast/internal/supervisor"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional env file loaded before the process environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides LIVECAST_LISTEN_ADDR)")
	rtmpAddr := flag.String("rtmp-addr", "", "RTMP listen address (overrides LIVECAST_RTMP_ADDR)")
	storePath := flag.String("store", "", "JSON datastore path (overrides LIVECAST_STORE_PATH)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN; selects the Postgres repository when set")
	redisURL := flag.String("redis-url", "", "Redis URL; selects the Redis room queue when set")
	outputDir := flag.String("output-dir", "", "root directory for transcode outputs")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ListenAddr = firstNonEmpty(*addr, cfg.ListenAddr)
	cfg.RTMPAddr = firstNonEmpty(*rtmpAddr, cfg.RTMPAddr)
	cfg.StorePath = firstNonEmpty(*storePath, cfg.StorePath)
	cfg.PostgresDSN = firstNonEmpty(*postgresDSN, cfg.PostgresDSN)
	cfg.RedisURL = firstNonEmpty(*redisURL, cfg.RedisURL)
	cfg.OutputDir = firstNonEmpty(*outputDir, cfg.OutputDir)
	cfg.LogLevel = firstNonEmpty(*logLevel, cfg.LogLevel)

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, recorder); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) error {
	store, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), serverutil.DefaultShutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("datastore close failed", "error", err)
		}
	}()

	registry := session.NewRegistry()
	bus := session.NewMemoryBus(64)

	gateway, err := ingest.NewGateway(ingest.Config{
		Repository:           store,
		Registry:             registry,
		Bus:                  bus,
		Logger:               logger,
		Metrics:              recorder,
		PersistRetryAttempts: cfg.PersistRetryAttempts,
		PersistRetryBackoff:  cfg.PersistRetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	rtmpServer, err := rtmp.NewServer(rtmp.Config{
		Addr:    cfg.RTMPAddr,
		Gateway: gateway,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build rtmp listener: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Bus:           bus,
		Gateway:       gateway,
		Logger:        logger,
		Metrics:       recorder,
		OutputRoot:    cfg.OutputDir,
		IngestBaseURL: localIngestURL(cfg.RTMPAddr),
		PublicBaseURL: cfg.PublicBaseURL,
		FFmpegPath:    cfg.FFmpegPath,
		FFprobePath:   cfg.FFprobePath,
		SettleDelay:   cfg.SettleDelay,
		StopTimeout:   cfg.StopTimeout,
	})
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	queue, err := configureRoomQueue(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure room queue: %w", err)
	}

	rooms := hub.New(hub.Config{
		Queue:            queue,
		Credentials:      store,
		Logger:           logger,
		Metrics:          recorder,
		MaxMessageLength: cfg.MaxChatMessageLength,
	})

	handler, err := api.NewHandler(api.Config{
		Store:           store,
		Registry:        registry,
		Gateway:         gateway,
		Rooms:           rooms,
		Ingest:          rtmpServer,
		Logger:          logger,
		PlaybackBaseURL: cfg.PublicBaseURL,
		HookToken:       config.GetEnv("LIVECAST_HOOK_TOKEN", ""),
	})
	if err != nil {
		return fmt.Errorf("build api handler: %w", err)
	}

	httpServer := server.New(handler, server.Config{
		Addr:       cfg.ListenAddr,
		Logger:     logger,
		Metrics:    recorder,
		StreamRoot: cfg.OutputDir,
	})

	logger.Info("starting server",
		"http_addr", cfg.ListenAddr,
		"rtmp_addr", cfg.RTMPAddr,
		"output_dir", cfg.OutputDir,
		"storage", storageDriver(cfg),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{Server: httpServer})
	})
	group.Go(func() error {
		return rtmpServer.Serve(groupCtx)
	})
	group.Go(func() error {
		return sup.Run(groupCtx)
	})
	return group.Wait()
}

func openRepository(cfg config.Config) (storage.Repository, error) {
	opts := []storage.Option{storage.WithKeyPepper(cfg.StreamKeyPepper)}
	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		opts = append(opts, storage.WithPostgresApplicationName("livecast-server"))
		return storage.NewPostgresRepository(cfg.PostgresDSN, opts...)
	}
	return storage.NewJSONRepository(cfg.StorePath, opts...)
}

func configureRoomQueue(cfg config.Config, logger *slog.Logger) (hub.Queue, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return hub.NewMemoryQueue(64), nil
	}
	return hub.NewRedisQueue(hub.RedisQueueConfig{
		URL:    cfg.RedisURL,
		Logger: logger,
	})
}

func storageDriver(cfg config.Config) string {
	if strings.TrimSpace(cfg.PostgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

// localIngestURL is where the supervisor pulls published frames from. The
// listener and the supervisor share a process, so loopback is always right
// even when the RTMP listen address binds a public interface.
func localIngestURL(rtmpAddr string) string {
	port := "1935"
	if _, p, err := net.SplitHostPort(rtmpAddr); err == nil && p != "" {
		port = p
	}
	return "rtmp://127.0.0.1:" + port + "/live"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
