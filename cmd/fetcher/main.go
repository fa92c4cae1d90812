package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cwygoda/fetcher/internal/adapter/bittorrent"
	"github.com/cwygoda/fetcher/internal/adapter/download"
	httpAdapter "github.com/cwygoda/fetcher/internal/adapter/http"
	"github.com/cwygoda/fetcher/internal/adapter/objectstore"
	"github.com/cwygoda/fetcher/internal/adapter/queue"
	"github.com/cwygoda/fetcher/internal/adapter/sqlite"
	"github.com/cwygoda/fetcher/internal/adapter/telemetry"
	"github.com/cwygoda/fetcher/internal/config"
	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/logging"
	"github.com/cwygoda/fetcher/internal/pipeline"
	"github.com/cwygoda/fetcher/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fetcher: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log.Info().
		Int("port", cfg.Port).
		Str("db", cfg.DBPath).
		Str("download_dir", cfg.DownloadDir).
		Bool("allow_file_urls", cfg.AllowFileURLs).
		Msg("starting fetcher")

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Status ledger
	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	tel := telemetry.Fanout{repo, metrics}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	q := queue.New(rdb,
		queue.WithLeaseTTL(cfg.Redis.LeaseTTL),
		queue.WithReapInterval(cfg.Redis.ReapInterval),
		queue.WithLogger(log.With().Str("component", "queue").Logger()),
	)

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		UseSSL:    cfg.S3.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("initialize object store: %w", err)
	}

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	tc, err := bittorrent.New(bittorrent.Config{
		DataDir:    cfg.Torrent.DataDir,
		ListenPort: cfg.Torrent.ListenPort,
		HTTPClient: httpClient,
		Logger:     log.With().Str("component", "bittorrent").Logger(),
	})
	if err != nil {
		return err
	}
	defer tc.Close()

	registry := newDownloaders(cfg, log, tc, tel, httpClient)

	svc := domain.NewJobService(repo, q, cfg.Redis.InboundTopic, domain.WithServiceLogger(log))
	if recovered, err := svc.RecoverStale(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to recover stale jobs")
	} else if recovered > 0 {
		log.Info().Int64("count", recovered).Msg("recovered stale jobs")
	}

	p := pipeline.New(registry, store, tel, pipeline.Config{
		DownloadDir:   cfg.DownloadDir,
		StagingBucket: cfg.S3.StagingBucket,
	}, pipeline.WithLogger(log.With().Str("component", "pipeline").Logger()))

	active := worker.NewActiveJobs()
	w := worker.New(q, p, tel, active, worker.Config{
		InboundTopic:  cfg.Redis.InboundTopic,
		OutboundTopic: cfg.Redis.OutboundTopic,
		Concurrency:   cfg.Concurrency,
		MaxAttempts:   cfg.MaxAttempts,
		Heartbeat:     cfg.Heartbeat,
	}, worker.WithLogger(log.With().Str("component", "worker").Logger()))

	janitor, err := worker.NewJanitor(cfg.DownloadDir, cfg.Janitor.Schedule, cfg.Janitor.MaxAge, active,
		log.With().Str("component", "janitor").Logger())
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := httpAdapter.NewServer(svc, active, addr,
		httpAdapter.WithLogger(log.With().Str("component", "http").Logger()),
		httpAdapter.WithSecret(cfg.SubmitSecret),
		httpAdapter.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(ctx); err != nil {
			log.Error().Err(err).Msg("worker stopped with error")
		}
	}()

	janitor.Start()

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Int("active_jobs", active.Len()).Msg("shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	janitor.Stop(shutdownCtx)

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
	}
	if n := active.Len(); n > 0 {
		return fmt.Errorf("shutdown timed out with %d active jobs", n)
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func newDownloaders(cfg *config.Config, log zerolog.Logger, tc *bittorrent.Client, tel domain.Telemetry, hc *http.Client) *download.Registry {
	opts := []download.Option{
		download.WithLogger(log.With().Str("component", "download").Logger()),
		download.WithMetadataTimeout(cfg.Torrent.MetadataTimeout),
		download.WithProgressInterval(cfg.Torrent.ProgressInterval),
		download.WithStallInterval(cfg.Torrent.StallInterval),
	}

	torrent := download.NewTorrentDownloader(tc, tel, opts...)

	registry := download.NewRegistry()
	registry.Register(torrent)
	registry.Register(download.NewHTTPDownloader(hc, torrent, tel, opts...))
	registry.Register(download.NewFileDownloader(cfg.AllowFileURLs, opts...))
	registry.Register(download.NewBucketDownloader(objectstore.Factory(cfg.S3.Region, cfg.S3.UseSSL), opts...))

	log.Info().Interface("protocols", registry.Protocols()).Msg("downloaders registered")
	return registry
}
