// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plivo/sharq/internal/breaker"
	"github.com/plivo/sharq/internal/config"
	"github.com/plivo/sharq/internal/obs"
	"github.com/plivo/sharq/internal/queue"
	"github.com/plivo/sharq/internal/redisclient"
	"github.com/plivo/sharq/internal/sweeper"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	cb := breaker.New(
		cfg.CircuitBreaker.Window,
		cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.MinSamples,
	)

	engine := queue.New(rdb, queue.Config{
		KeyPrefix:              cfg.Sharq.KeyPrefix,
		JobExpireInterval:      cfg.Sharq.JobExpireInterval,
		DefaultJobRequeueLimit: cfg.Sharq.DefaultJobRequeueLimit,
	}, logger, cb)

	readyCheck := func(c context.Context) error {
		return engine.Ping(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, engine, logger)

	sweep := sweeper.New(cfg, rdb, engine, logger)
	sweep.Run(ctx)
}
