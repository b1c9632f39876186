package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/cdc"
	"github.com/mehmetymw/cdclog/internal/changelog"
	"github.com/mehmetymw/cdclog/internal/config"
	"github.com/mehmetymw/cdclog/internal/pipeline"
	"github.com/mehmetymw/cdclog/internal/sink/kafka"
	"github.com/mehmetymw/cdclog/internal/source/postgres"
	"github.com/mehmetymw/cdclog/internal/store"
	"github.com/mehmetymw/cdclog/internal/types"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	zapConfig := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		zap.NewExample().Fatal("invalid log level", zap.String("level", cfg.Log.Level), zap.Error(err))
	}
	zapConfig.Level = level
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	logger.Info("Starting cdclog",
		zap.String("source_type", cfg.Source.Type),
		zap.String("sink_type", cfg.Sink.Type),
		zap.Int("tables", len(cfg.Tables)),
		zap.Int("batch_size", cfg.Batching.BatchSize))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := cdc.NewStats(reg)

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Closing image store failed", zap.Error(err))
		}
	}()
	augmenter := changelog.NewAugmenter(cdc.NewDispatcher(stats, logger), logger)

	var sink types.Sink
	switch cfg.Sink.Type {
	case "kafka":
		sink, err = kafka.New(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic, logger)
	default:
		err = errors.New("unknown sink type")
	}
	if err != nil {
		logger.Fatal("sink init failed", zap.String("type", cfg.Sink.Type), zap.Error(err))
	}

	pl, err := pipeline.NewPipeline(augmenter, st, sink, cfg.Tables, cfg.Batching, logger)
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}
	offsets := pipeline.NewFileOffsetSaver(cfg.Source.OffsetStore, logger)
	if cfg.Source.Postgres.StartLSN == "" {
		saved, err := offsets.LoadOffset()
		if err != nil {
			logger.Fatal("reading saved offset failed", zap.Error(err))
		}
		if saved != "" {
			logger.Info("Resuming from saved offset", zap.String("lsn", saved))
			cfg.Source.Postgres.StartLSN = saved
		}
	}

	var pg *postgres.PostgresCDC
	switch cfg.Source.Type {
	case "postgres":
		pg, err = postgres.New(cfg.Source.Postgres, cfg.Tables, logger)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
	default:
		logger.Fatal("unknown source type", zap.String("type", cfg.Source.Type))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan types.RowChange, 10000)
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pl.Start(ctx, changes, pipeline.ConfirmAfterSave(offsets, pg.Confirm))
		logger.Info("Pipeline stopped")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pg.Run(changes)
		logger.Info("PostgreSQL source stopped")
	}()

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: newMux(pl, reg, logger)}
	logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The source goes first; closing changes then lets the pipeline flush
	// what it already holds.
	pg.Stop()
	wg.Wait()
	close(changes)

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached, abandoning pending batch")
		cancel()
		<-pipelineDone
	}

	if err := pl.Close(); err != nil {
		logger.Error("Closing pipeline failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
