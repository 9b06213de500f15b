package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/config"
	"github.com/caesar-terminal/depthbook/internal/controller"
	"github.com/caesar-terminal/depthbook/internal/feed"
	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/metrics"
	"github.com/caesar-terminal/depthbook/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configFile := pflag.StringP("config", "c", "", "optional YAML config file; DEPTHBOOK_* variables take precedence")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	pflag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("depthbook stopped with error", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("depthbook starting",
		"env", cfg.Env,
		"feed_url", cfg.Feed.URL,
		"http_addr", cfg.HTTP.Addr,
		"grpc_network", cfg.GRPC.Network,
		"grpc_address", cfg.GRPC.Address,
		"redis_enabled", cfg.Redis.Enabled(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	wsCfg := feed.DefaultWSConfig(cfg.Feed.URL)
	wsCfg.ReadBufferSize = cfg.Feed.ReadBuffer
	wsCfg.WriteBufferSize = cfg.Feed.WriteBuffer
	wsCfg.HandshakeTimeout = cfg.Feed.HandshakeTimeout()
	dialer := feed.NewWSDialer(wsCfg, logger.With("component", "ws"))

	ctrl := controller.New(dialer, controller.FromConfig(cfg),
		controller.WithLogger(logger),
		controller.WithRecorder(m),
	)

	bc := adapter.NewBroadcaster(
		adapter.WithBroadcastLogger(logger),
		adapter.WithDropHook(m.RecordDrop),
	)
	bc.Register(ctrl)

	monitor := adapter.NewFeedMonitor(adapter.FeedMonitorConfig{
		StaleThreshold: cfg.Health.Stale(),
		CoolOff:        cfg.Health.CoolOff(),
	}, bc.SubscribeAll())

	var writer *adapter.RedisWriter
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not reachable, writes will be retried per update", "addr", cfg.Redis.Addr, "error", err)
		}
		pingCancel()

		writer = adapter.NewRedisWriter(adapter.GoRedis{Client: rdb}, bc.SubscribeAll(), logger)
		writer.OnWrite = m.RecordRedisWrite
	}

	grpcSrv, err := server.NewGRPCServer(cfg.GRPC.Network, cfg.GRPC.Address,
		server.NewBookService(ctrl, bc, m, logger))
	if err != nil {
		return fmt.Errorf("create grpc server: %w", err)
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: server.NewRouter(server.RouterConfig{
			Book:     ctrl,
			Health:   monitor,
			Metrics:  m,
			Gatherer: reg,
			Logger:   logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	// The broadcaster outlives ctx so the final CLOSED reaches subscribers.
	// It stops when the controller's event channel closes and then closes
	// every subscriber, which ends the gRPC streams.
	spawn(func() { bc.Run(context.Background()) })
	spawn(func() { monitor.Run(ctx) })
	if writer != nil {
		spawn(func() { writer.Run(ctx) })
	}
	spawn(func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Error("controller error", "error", err)
		}
	})

	errCh := make(chan error, 2)
	go func() {
		if err := grpcSrv.Serve(); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	logger.Info("depthbook ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
		cancel()
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.Warn("timed out waiting for the feed to close")
	}

	grpcCtx, grpcCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	grpcSrv.Shutdown(grpcCtx)
	grpcCancel()

	logger.Info("depthbook stopped")
	return runErr
}
