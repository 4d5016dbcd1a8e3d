package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/studioqueue/internal/descriptor"
	"github.com/dunamismax/studioqueue/internal/document"
	"github.com/dunamismax/studioqueue/internal/domain"
	"github.com/dunamismax/studioqueue/internal/geometry"
	"github.com/dunamismax/studioqueue/internal/host/raster"
	"github.com/dunamismax/studioqueue/internal/hostlock"
	"github.com/dunamismax/studioqueue/internal/logging"
	"github.com/dunamismax/studioqueue/internal/queue"
	"github.com/dunamismax/studioqueue/internal/report"
	"github.com/dunamismax/studioqueue/internal/storage"
	"github.com/dunamismax/studioqueue/internal/telemetry"
	"github.com/dunamismax/studioqueue/internal/webhook"
	"github.com/dunamismax/studioqueue/internal/worker"
)

// workerRuntime owns everything a run or watch command starts and must stop.
type workerRuntime struct {
	logger  *slog.Logger
	host    *raster.Host
	server  *worker.Server
	closers []func(context.Context) error
}

func (c *commandContext) newLogger() (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:  c.cfg.Log.Level,
		Format: c.cfg.Log.Format,
		Output: c.cfg.Log.Output,
	})
}

func (c *commandContext) startWorker(ctx context.Context, family string) (rt *workerRuntime, err error) {
	cfg := c.cfg
	logger, logCloser, err := c.newLogger()
	if err != nil {
		return nil, err
	}

	rt = &workerRuntime{logger: logger}
	rt.closers = append(rt.closers, func(context.Context) error { return logCloser.Close() })
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	dir := cfg.Jobs.PrintDir
	if family == domain.FamilyMockup {
		dir = cfg.Jobs.MockupDir
	}
	if err := queue.CheckDir(dir); err != nil {
		return rt, err
	}

	lock, err := hostlock.Acquire(cfg.Jobs.LockPath)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return lock.Release() })

	if err := raster.Startup(); err != nil {
		return rt, fmt.Errorf("start raster runtime: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { raster.Shutdown(); return nil })

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "studioqueue-worker",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
		SampleRatio:  cfg.Trace.SampleRatio,
	}, logger)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, shutdownTracing)

	reporter, err := rt.buildReporter(ctx, c)
	if err != nil {
		return rt, err
	}

	fit, err := geometry.ParseFitMode(cfg.Mockup.Fit)
	if err != nil {
		return rt, fmt.Errorf("STUDIO_MOCKUP_FIT: %w", err)
	}
	rt.host = raster.New(logger.With("component", "raster"))
	server, err := worker.NewServer(
		logger,
		worker.Options{
			Family:      family,
			Dir:         dir,
			WaitTimeout: cfg.Jobs.WaitTimeout,
			Defaults: descriptor.Defaults{
				Layer:   cfg.Mockup.Layer,
				Quality: cfg.Mockup.Quality,
				Fit:     fit,
			},
			Sheet:            cfg.Sheet,
			HandoffRetention: cfg.Jobs.HandoffRetain,
		},
		queue.NewWatcher(queue.SystemClock{}, cfg.Jobs.PollInterval),
		document.NewManager(rt.host, logger),
		reporter,
	)
	if err != nil {
		return rt, err
	}
	rt.server = server

	if family == domain.FamilyMockup && cfg.Storage.Enabled() {
		store, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			return rt, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return rt, err
		}
		server.WithUploader(store)
		logger.Info("rendition upload enabled", "bucket", store.Bucket())
	}

	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		rt.serveMetrics(addr)
	}

	logger.Info("worker ready",
		"family", family,
		"dir", dir,
		"poll_interval", cfg.Jobs.PollInterval,
		"wait_timeout", cfg.Jobs.WaitTimeout,
		"lock", lock.Path(),
		"handoff_retain", cfg.Jobs.HandoffRetain,
	)
	return rt, nil
}

func (rt *workerRuntime) buildReporter(ctx context.Context, c *commandContext) (report.Reporter, error) {
	cfg := c.cfg
	reporters := report.Multi{report.LogReporter{Logger: rt.logger}}

	if url := strings.TrimSpace(cfg.Webhook.URL); url != "" {
		client := webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		})
		reporters = append(reporters, report.NewWebhookReporter(client, url))
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return rdb.Close() })
		reporters = append(reporters, report.NewRedisReporter(rdb, cfg.Redis.Channel))
	}
	return reporters, nil
}

func (rt *workerRuntime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.server.MetricsHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	rt.closers = append(rt.closers, srv.Shutdown)
	rt.logger.Info("metrics listening", "addr", addr)
}

// Close stops everything in reverse start order.
func (rt *workerRuntime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil && rt.logger != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
	rt.closers = nil
}
