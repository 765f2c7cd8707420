package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"

	"github.com/marketbay/jobpipe/internal/archive"
	"github.com/marketbay/jobpipe/internal/broker"
	"github.com/marketbay/jobpipe/internal/cleanup"
	"github.com/marketbay/jobpipe/internal/config"
	"github.com/marketbay/jobpipe/internal/ops"
	"github.com/marketbay/jobpipe/internal/pipeline"
	"github.com/marketbay/jobpipe/internal/store"
)

func main() {
	cfg := config.Load()

	log := newLogger(cfg.AppEnv)
	defer func() { _ = log.Sync() }()
	log.Info("starting realtime pipeline",
		zap.String("service", cfg.ServiceName),
		zap.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, log)
	if err != nil {
		log.Fatal("connecting to redis store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	pub, err := broker.NewAMQP(ctx, cfg.AMQPURL, cfg.QueueMessageTTL)
	if err != nil {
		log.Fatal("connecting to broker", zap.Error(err))
	}
	defer func() { _ = pub.Close() }()

	var arch cleanup.Archiver
	if cfg.PostgresDSN != "" {
		archStore, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("connecting to archive", zap.Error(err))
		}
		defer archStore.Close()
		arch = archStore
	} else {
		log.Warn("POSTGRES_DSN empty, job archive disabled")
	}

	notifier := pipeline.NewQueueNotifier(pub, cfg.NotificationsQueue)
	processor := pipeline.NewProcessor(st, pub, notifier, log, clock.C, pipeline.ProcessorConfig{
		UploadQueue:       cfg.UploadQueue,
		SearchSyncQueue:   cfg.SearchSyncQueue,
		RetryDelay:        cfg.RetryDelay,
		DefaultMaxRetries: cfg.MaxRetries,
	})
	scheduler := pipeline.NewScheduler(processor, log, clock.C, pipeline.SchedulerConfig{
		MaxConcurrent:         int64(cfg.MaxConcurrentJobs),
		BatchSize:             cfg.BatchSize,
		BackpressureThreshold: cfg.BackpressureThreshold,
	})
	listener := pipeline.NewListener(st, scheduler, log)

	sweeper := cleanup.New(st, arch, log, clock.C, cleanup.Config{
		Interval:          cfg.CleanupInterval,
		RetentionAge:      cfg.CleanupRetentionAge,
		DefaultMaxRetries: cfg.MaxRetries,
	})

	// The service cannot operate without the jobs feed.
	if err := listener.Start(ctx); err != nil {
		log.Fatal("subscribing to jobs collection", zap.Error(err))
	}
	sweeper.Start()

	srv := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      ops.NewRouter(sweeper, listener, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ops server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Detach the feed and the schedule; in-flight jobs run out on their own.
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	shutdownCancel()
	listener.Stop()
	sweeper.Stop()
	log.Info("bye")
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}
