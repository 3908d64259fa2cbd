package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"fiscalprint/internal/api"
	"fiscalprint/internal/bridge"
	"fiscalprint/internal/config"
	"fiscalprint/internal/database"
	"fiscalprint/internal/domain"
	"fiscalprint/internal/events"
	"fiscalprint/internal/logging"
	"fiscalprint/internal/metrics"
	"fiscalprint/internal/repository"
	"fiscalprint/internal/service"
	"fiscalprint/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// runAgent wires the daemon and blocks until ctx is cancelled.
func runAgent(ctx context.Context, configPath string) error {
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	bus := events.NewEventBus()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	feed := initChangeFeed(cfg, bus, redisClient, &logger)
	db.SetChangeFeed(feed)

	printers, err := repository.NewFilePrinterConfigStore(cfg.Printers.ConfigPath, &logger)
	if err != nil {
		logger.Error().Err(err).Str("path", cfg.Printers.ConfigPath).Msg("load printer configuration")
		return err
	}

	printerBridge, bridgeCloser, err := initBridge(cfg, &logger)
	if err != nil {
		return err
	}
	defer (func() { _ = bridgeCloser.Close() })()

	notifier, telegram := initNotifier(cfg, bus, &logger)
	if telegram != nil {
		defer telegram.Wait()
	}

	processor := worker.NewProcessor(db, printerBridge, printers, notifier, cfg.Queue, cfg.App.Operator, &logger)
	autoPrinter := worker.NewAutoPrinter(processor, db, feed, printers, bus, cfg.Queue, &logger)

	if n, err := processor.RecoverInterrupted(ctx); err != nil {
		logger.Error().Err(err).Msg("recover interrupted print requests")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("Failed print requests interrupted by the previous run")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startMetrics(ctx, cfg, &logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		autoPrinter.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)
	}()

	var grpcServer *api.GRPCServer
	if cfg.Bridge.Mode == config.BridgeModeLocal && cfg.Bridge.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.Bridge.GRPC, cfg.API, printerBridge, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled && cfg.API.HTTP.Enabled {
		hub := api.NewHub(func() any {
			return map[string]any{"auto_print": autoPrinter.AutoPrint(), "operator": cfg.App.Operator}
		}, &logger)
		detach := hub.Attach(bus, feed)
		defer detach()

		httpServer = api.NewHTTPServer(cfg.API, api.HTTPDeps{
			Requests:  service.NewPrintService(db, cfg.App.Operator, &logger),
			Queue:     autoPrinter,
			Printers:  printers,
			Bridge:    printerBridge,
			Hub:       hub,
			Publisher: bus,
		}, &logger)
	}

	startServers(grpcServer, httpServer, &logger)

	logger.Info().
		Str("bridge_mode", cfg.Bridge.Mode).
		Bool("auto_print", autoPrinter.AutoPrint()).
		Str("operator", cfg.App.Operator).
		Msg("Print agent started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("Print agent stopped")
	return nil
}

func loadConfigAndLogger(configPath string) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "printd").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing with in-process change feed")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initChangeFeed publishes through Redis when connected, with the in-process
// feed as the fallback.
func initChangeFeed(cfg *config.Config, bus *events.EventBus, client *redis.Client, logger *zerolog.Logger) domain.ChangeFeed {
	local := events.NewChangeFeed(bus)
	if client == nil {
		return local
	}
	remote := repository.NewRedisChangeFeed(client, cfg.Redis.Channel, logger)
	return repository.NewFailoverChangeFeed(remote, local, logger)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func initBridge(cfg *config.Config, logger *zerolog.Logger) (bridge.Bridge, io.Closer, error) {
	if cfg.Bridge.Mode == config.BridgeModeRemote {
		client, err := api.NewBridgeClient(cfg.Bridge.GRPC, logger)
		if err != nil {
			logger.Error().Err(err).Str("address", cfg.Bridge.GRPC.Address).Msg("connect bridge")
			return nil, nil, err
		}
		logger.Info().Str("address", cfg.Bridge.GRPC.Address).Msg("Using remote printer bridge")
		return client, client, nil
	}

	spooler := bridge.NewSystemSpooler(bridge.ExecRunner{Timeout: cfg.Bridge.CommandTimeout})

	var renderer bridge.Renderer
	closer := io.Closer(closerFunc(func() error { return nil }))
	if cfg.Bridge.PDF.Enabled {
		r := bridge.NewChromedpRenderer(cfg.Bridge.PDF, logger)
		renderer = r
		closer = r
	}

	return bridge.NewOSBridge(spooler, renderer, cfg.Bridge, logger), closer, nil
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) (domain.Notifier, *service.TelegramNotifier) {
	sinks := []domain.Notifier{
		service.NewLogNotifier(logger),
		service.NewBusNotifier(bus, logger),
	}

	var telegram *service.TelegramNotifier
	if cfg.Notifications.Telegram.Enabled {
		bot, err := service.NewTelegramBot(cfg.Notifications.Telegram)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without telegram notifications")
		} else {
			telegram = service.NewTelegramNotifier(bot, cfg.Notifications.Telegram, logger)
			sinks = append(sinks, telegram)
			logger.Info().Str("bot", bot.Self.UserName).Msg("telegram notifications enabled")
		}
	}

	return service.NewMultiNotifier(sinks...), telegram
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(grpcServer *api.GRPCServer, httpServer *api.HTTPServer, logger *zerolog.Logger) {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
