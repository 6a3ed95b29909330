// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	atemproxy "github.com/LibAtem/AtemProxy"
	"github.com/LibAtem/AtemProxy/examples/simple"
	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/breaker"
	"github.com/LibAtem/AtemProxy/pkg/discovery"
	"github.com/LibAtem/AtemProxy/pkg/handler"
	"github.com/LibAtem/AtemProxy/pkg/health"
	"github.com/LibAtem/AtemProxy/pkg/logging"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/LibAtem/AtemProxy/pkg/proxy"
	"github.com/LibAtem/AtemProxy/pkg/ratelimit"
	"github.com/LibAtem/AtemProxy/pkg/server/udp"
	"github.com/LibAtem/AtemProxy/pkg/upstream"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := atemproxy.NewConfig(env.Options{Prefix: atemproxy.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("atem_proxy", reg)

	var h handler.Handler = simple.New(logger)
	if cfg.RateLimitCapacity > 0 {
		h = &RateLimitedHandler{
			handler: h,
			limiter: ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.MaxSessions),
			metrics: m,
			logger:  logger,
		}
	}
	h = &InstrumentedHandler{handler: h, metrics: m}

	client := atem.NewClient(atem.ClientConfig{
		Address: cfg.UpstreamAddress,
		Timeout: cfg.SessionTimeout,
		Logger:  logger,
	})

	p := proxy.New(proxy.Config{
		Server: udp.Config{
			Address:         cfg.ListenAddress,
			PingInterval:    cfg.PingInterval,
			SessionTimeout:  cfg.SessionTimeout,
			PumpInterval:    cfg.PumpInterval,
			ShutdownTimeout: cfg.ShutdownTimeout,
			MaxSessions:     cfg.MaxSessions,
			Metrics:         m,
			Logger:          logger,
		},
		Upstream: upstream.Config{
			Breaker: breaker.New(breaker.Config{
				MaxFailures:  cfg.BreakerMaxFailures,
				ResetTimeout: cfg.BreakerResetTimeout,
			}),
			Metrics: m,
			Logger:  logger,
		},
		MaxSyntheticKeys:  cfg.MaxSyntheticKeys,
		StateDumpInterval: cfg.StateDumpInterval,
		Metrics:           m,
		Logger:            logger,
	}, h, client)

	checker := health.NewChecker(time.Second)
	checker.Register("device", true, health.Link(p.Upstream().Connected))
	checker.Register("accepting", false, health.Link(p.Sessions().Accepting))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	g.Go(func() error {
		return serveHTTP(ctx, "metrics", cfg.MetricsPort, metricsMux, logger)
	})
	g.Go(func() error {
		return serveHTTP(ctx, "health", cfg.HealthPort, checker.Handler(), logger)
	})

	g.Go(func() error {
		return p.Listen(ctx)
	})
	logger.Info("ATEM proxy started",
		slog.String("listen", cfg.ListenAddress),
		slog.String("upstream", cfg.UpstreamAddress))

	if cfg.DiscoveryEnabled {
		id := uuid.New()
		announcer := discovery.New(discovery.Config{
			Name:     cfg.DeviceName,
			DeviceID: fmt.Sprintf("%x", id[:4]),
			Logger:   logger,
		})
		g.Go(func() error {
			if err := announcer.Listen(ctx); err != nil {
				logger.Warn("mDNS announcer stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("ATEM proxy terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("ATEM proxy stopped")
}

// serveHTTP runs an auxiliary HTTP server until ctx is done. A port of 0
// disables it.
func serveHTTP(ctx context.Context, name string, port int, h http.Handler, logger *slog.Logger) error {
	if port == 0 {
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
