package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/rpmd/internal/api"
	"codeberg.org/mutker/rpmd/internal/config"
	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/metrics"
	"codeberg.org/mutker/rpmd/internal/persist"
	"codeberg.org/mutker/rpmd/internal/pid"
	"codeberg.org/mutker/rpmd/internal/pool"
	"codeberg.org/mutker/rpmd/internal/storage"
	"codeberg.org/mutker/rpmd/internal/stream"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(cfg.PIDFile); err != nil {
		fatal(err, "failed to write PID file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	code := 0
	if err := run(ctx); err != nil {
		logError(err, "error in main loop")
		code = 1
	}

	if err := pid.Remove(cfg.PIDFile); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(code)
}

func run(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	storageLog := logger.Named("storage")
	db, dialect, err := storage.Open(storage.Config{Driver: cfg.DB.Driver, DSN: cfg.DB.DSN}, storageLog)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(db, dialect); err != nil {
			logError(err, "failed to close storage")
		}
	}()

	poolCfg := pool.DefaultConfig()
	poolCfg.Size = cfg.Pool.Size
	poolCfg.AcquireTimeout = cfg.Pool.AcquireTimeout
	poolCfg.DialTimeout = cfg.Pool.DialTimeout
	connPool, err := pool.New(db, poolCfg, pool.WithLogger(logger.Named("pool")), pool.WithMetrics(m))
	if err != nil {
		return err
	}
	defer connPool.Close()

	repo := storage.NewRepository(connPool, dialect, storageLog)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Warn().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Storage not ready, schema will be applied on first use")
	}
	if cfg.Seed.Enabled {
		if err := repo.Seed(ctx, cfg.Seed.Username, cfg.Seed.Password); err != nil {
			logger.Warn().Err(err).Msg("Failed to seed storage")
		}
	}

	cache := telemetry.NewCache()
	targets := telemetry.NewTargets()

	persister, err := persist.New(repo, persist.Config{
		Interval:     cfg.Persist.Interval,
		Workers:      cfg.Persist.Workers,
		QueueSize:    cfg.Persist.QueueSize,
		WriteTimeout: cfg.Persist.WriteTimeout,
	}, persist.WithLogger(logger.Named("persist")), persist.WithMetrics(m))
	if err != nil {
		return err
	}

	streams, err := stream.NewHandler(cache, targets, persister, stream.Config{
		IdleTimeout:     cfg.Stream.IdleTimeout,
		PingPeriod:      cfg.Stream.PingPeriod,
		MaxMessageBytes: cfg.Stream.MaxMessageBytes,
	}, stream.WithLogger(logger.Named("stream")), stream.WithMetrics(m))
	if err != nil {
		return err
	}

	if cfg.LogLevel != string(config.LogLevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Cache:    cache,
		Targets:  targets,
		Store:    repo,
		Streams:  streams,
		Gatherer: reg,
		History: api.HistoryConfig{
			DefaultLimit: cfg.History.DefaultLimit,
			MaxLimit:     cfg.History.MaxLimit,
		},
		StoreTimeout: cfg.Persist.WriteTimeout,
		Log:          logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("driver", dialect.Name()).
			Int("pool_size", poolCfg.Size).
			Dur("persist_interval", cfg.Persist.Interval).
			Msg("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = errors.Wrap(errors.ErrInitFailed, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logError(err, "HTTP server forced to shutdown")
	}
	if err := streams.Shutdown(shutdownCtx); err != nil {
		logError(err, "stream sessions did not close in time")
	}
	if err := persister.Close(shutdownCtx); err != nil {
		logError(err, "pending writes abandoned")
	}

	logger.Info().Msg("Server stopped")
	return runErr
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logError(err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		logger.ErrorWithCode(coded).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}

func fatal(err error, msg string) {
	var coded errors.Error
	if errors.As(err, &coded) {
		logger.FatalWithCode(coded).Msg(msg)
		return
	}
	logger.Fatal().Err(err).Msg(msg)
}
